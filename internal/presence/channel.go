package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	imnats "sudooom.im.sync/internal/nats"
	"sudooom.im.sync/pkg/proto"
)

// Channel 在线状态频道
// 心跳节奏由频道自身维护，每次心跳或收到他人上下线提示都会推送一次全量快照
type Channel struct {
	hub       *imnats.BroadcastHub
	registry  *Registry
	key       string
	sessionId string
	heartbeat time.Duration

	mu         sync.Mutex
	handlers   []func(online []string)
	membership *imnats.Membership
	userId     string
	cancel     context.CancelFunc
	done       chan struct{}
	logger     *slog.Logger
}

// NewChannel 创建在线状态频道
func NewChannel(hub *imnats.BroadcastHub, registry *Registry, key, sessionId string, heartbeat time.Duration) *Channel {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Channel{
		hub:       hub,
		registry:  registry,
		key:       key,
		sessionId: sessionId,
		heartbeat: heartbeat,
		logger:    slog.Default(),
	}
}

// OnSync 注册全量快照回调
func (c *Channel) OnSync(handler func(online []string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Track 宣告自身在线并启动心跳
func (c *Channel) Track(ctx context.Context, userId string) error {
	membership, err := c.hub.Join(c.key, c.sessionId, func(env proto.BroadcastEnvelope) {
		if env.Event == proto.EventPresence {
			c.sync(context.Background())
		}
	})
	if err != nil {
		return err
	}

	if err := c.registry.Touch(ctx, c.key, userId, c.sessionId); err != nil {
		membership.Leave()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.membership = membership
	c.userId = userId
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.announce(true)
	c.sync(ctx)

	go c.heartbeatLoop(loopCtx)
	return nil
}

func (c *Channel) heartbeatLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.registry.Touch(ctx, c.key, c.userId, c.sessionId); err != nil {
				c.logger.Warn("Presence heartbeat failed", "channel", c.key, "userId", c.userId, "error", err)
				continue
			}
			c.sync(ctx)
		}
	}
}

// sync 读取全量在线集合并推送
func (c *Channel) sync(ctx context.Context) {
	online, err := c.registry.Members(ctx, c.key)
	if err != nil {
		c.logger.Warn("Presence sync failed", "channel", c.key, "error", err)
		return
	}

	c.mu.Lock()
	handlers := append([]func([]string){}, c.handlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(online)
	}
}

func (c *Channel) announce(online bool) {
	c.mu.Lock()
	membership, userId := c.membership, c.userId
	c.mu.Unlock()
	if membership == nil {
		return
	}

	payload := proto.PresencePayload{UserId: userId, Online: online}
	if err := membership.Broadcast(proto.EventPresence, payload); err != nil {
		data, _ := json.Marshal(payload)
		c.logger.Debug("Presence announce failed", "payload", string(data), "error", err)
	}
}

// Leave 停止心跳、移除自身并释放频道引用
func (c *Channel) Leave(ctx context.Context) {
	c.mu.Lock()
	cancel, done, userId := c.cancel, c.done, c.userId
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	if err := c.registry.Remove(ctx, c.key, userId, c.sessionId); err != nil {
		c.logger.Warn("Failed to remove presence", "channel", c.key, "userId", userId, "error", err)
	}
	c.announce(false)

	c.mu.Lock()
	c.membership.Leave()
	c.membership = nil
	c.mu.Unlock()
}
