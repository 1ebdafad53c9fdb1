package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"sudooom.im.sync/internal/auth"
	"sudooom.im.sync/internal/config"
	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/session"
)

const (
	defaultWriteTimeout = 5 * time.Second
	replyBufferSize     = 16
)

// Session 网关驱动的会话操作
type Session interface {
	Id() string
	Events() <-chan session.Event
	SelectThread(ctx context.Context, key string) (uint64, error)
	Send(ctx context.Context, content string, metadata model.Metadata) (*model.Message, error)
	Edit(ctx context.Context, messageId, content string) (*model.Message, error)
	SignalTyping(ctx context.Context) error
	SetVisible(visible bool)
	UpdateSettings(ctx context.Context, settings model.NotificationSettings) error
	Settings() model.NotificationSettings
}

// Opener 为连接创建与释放会话
type Opener interface {
	Open(ctx context.Context, userId string) (Session, error)
	Release(s Session)
}

type factoryOpener struct {
	factory *session.Factory
}

// FactoryOpener 用会话工厂实现 Opener
func FactoryOpener(f *session.Factory) Opener {
	return &factoryOpener{factory: f}
}

func (o *factoryOpener) Open(ctx context.Context, userId string) (Session, error) {
	return o.factory.Open(ctx, userId), nil
}

func (o *factoryOpener) Release(s Session) {
	if sess, ok := s.(*session.Session); ok {
		o.factory.Release(sess)
	}
}

// Server UI WebSocket 网关
type Server struct {
	cfg        config.GatewayConfig
	opener     Opener
	verifier   *auth.Verifier
	logger     *slog.Logger
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer 创建网关，JWTSecret 为空时关闭令牌校验
func NewServer(cfg config.GatewayConfig, opener Opener) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		opener:   opener,
		verifier: verifier,
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handler HTTP 路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start 监听并阻塞，直到 Shutdown
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}

	s.logger.Info("Gateway server starting", "addr", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 停止接受新连接并断开现有连接
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// authenticate 从 token 查询参数或 Bearer 头识别用户
func (s *Server) authenticate(r *http.Request) (string, error) {
	if s.verifier == nil {
		userId := r.URL.Query().Get("userId")
		if userId == "" {
			return "", apperrors.ErrUnauthorized
		}
		return userId, nil
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = extractToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		return "", apperrors.ErrUnauthorized
	}

	claims, err := s.verifier.Verify(token)
	if err != nil {
		return "", apperrors.ErrUnauthorized.Wrap(err)
	}
	if claims.UserId != "" {
		return claims.UserId, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", apperrors.ErrUnauthorized
}

// extractToken 从 Authorization 头提取 Bearer 令牌
func extractToken(authHeader string) string {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userId, err := s.authenticate(r)
	if err != nil {
		s.logger.Warn("Gateway auth failed", "remote", r.RemoteAddr, "error", err)
		http.Error(w, apperrors.GetMessage(err), http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket accept failed", "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	sess, err := s.opener.Open(ctx, userId)
	if err != nil {
		s.logger.Error("Open session failed", "userId", userId, "error", err)
		conn.Close(websocket.StatusInternalError, "open session failed")
		return
	}
	defer s.opener.Release(sess)

	c := &client{
		conn:         conn,
		sess:         sess,
		replies:      make(chan Reply, replyBufferSize),
		writeTimeout: s.cfg.WriteTimeout,
		logger:       s.logger.With("sessionId", sess.Id(), "userId", userId),
	}

	go func() {
		defer cancel()
		if err := c.writeLoop(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("Gateway write failed", "error", err)
		}
	}()

	c.readLoop(ctx)
	conn.Close(websocket.StatusNormalClosure, "")
}

// client 单个 WebSocket 连接
// 事件与应答都只由 writeLoop 写出
type client struct {
	conn         *websocket.Conn
	sess         Session
	replies      chan Reply
	writeTimeout time.Duration
	logger       *slog.Logger
}

func (c *client) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				c.logger.Debug("Gateway read ended", "error", err)
			}
			return
		}

		action, err := DecodeAction(data)
		if err != nil {
			c.reply(ctx, Reply{Type: ReplyType, Error: replyError(err)})
			continue
		}

		reply := c.handle(ctx, action)
		if reply.RequestId != "" || reply.Error != nil {
			c.reply(ctx, reply)
		}
	}
}

// handle 执行单个操作
func (c *client) handle(ctx context.Context, a Action) Reply {
	reply := Reply{Type: ReplyType, RequestId: a.RequestId}

	var err error
	switch a.Action {
	case ActionSelect:
		reply.Generation, err = c.sess.SelectThread(ctx, a.ThreadKey)
	case ActionSend:
		reply.Message, err = c.sess.Send(ctx, a.Content, a.Metadata)
	case ActionEdit:
		reply.Message, err = c.sess.Edit(ctx, a.MessageId, a.Content)
	case ActionTyping:
		err = c.sess.SignalTyping(ctx)
	case ActionVisibility:
		if a.Visible == nil {
			err = apperrors.ErrInvalidParams
			break
		}
		c.sess.SetVisible(*a.Visible)
	case ActionSettings:
		if a.Settings != nil {
			err = c.sess.UpdateSettings(ctx, *a.Settings)
		}
		settings := c.sess.Settings()
		reply.Settings = &settings
	default:
		err = apperrors.ErrUnknownAction
	}

	if err != nil {
		c.logger.Debug("Gateway action failed", "action", a.Action, "error", err)
		reply.Error = replyError(err)
	}
	return reply
}

func (c *client) reply(ctx context.Context, r Reply) {
	select {
	case c.replies <- r:
	case <-ctx.Done():
	}
}

func (c *client) writeLoop(ctx context.Context) error {
	events := c.sess.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.write(ctx, ev); err != nil {
				return err
			}
		case r := <-c.replies:
			if err := c.write(ctx, r); err != nil {
				return err
			}
		}
	}
}

func (c *client) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}
