package nats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"sudooom.im.sync/internal/config"
)

// Client NATS 连接，断线重连后通知订阅者补齐断线期间丢失的变更
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger

	mu          sync.Mutex
	onReconnect []func()
}

// NewClient 创建 NATS 客户端
func NewClient(cfg config.NATSConfig) (*Client, error) {
	c := &Client{logger: slog.Default()}

	opts := []nats.Option{
		nats.Name("im-sync"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(10 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.logger.Warn("Disconnected from NATS, live changes paused", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
			c.reconnected()
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// OnReconnect 注册重连回调，回调在 NATS 的回调协程中依次执行
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.mu.Unlock()
}

func (c *Client) reconnected() {
	c.mu.Lock()
	hooks := make([]func(), len(c.onReconnect))
	copy(hooks, c.onReconnect)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// Conn 返回底层连接
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Close 关闭连接
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// IsConnected 连接是否可用
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}
