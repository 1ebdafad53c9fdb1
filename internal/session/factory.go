package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"sudooom.im.sync/internal/config"
	imnats "sudooom.im.sync/internal/nats"
	"sudooom.im.sync/internal/presence"
	"sudooom.im.sync/internal/service"
	"sudooom.im.sync/pkg/proto"
)

// Factory 用进程级共享组件为每个连接创建会话
type Factory struct {
	inbox    *service.InboxAggregator
	identity *service.IdentityResolver
	messages *service.MessageStore
	feed     service.ChangeFeed
	hub      *imnats.BroadcastHub
	registry *presence.Registry
	settings service.SettingsPersister
	cfg      config.SyncConfig
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewFactory 创建会话工厂
func NewFactory(
	inbox *service.InboxAggregator,
	identity *service.IdentityResolver,
	messages *service.MessageStore,
	feed service.ChangeFeed,
	hub *imnats.BroadcastHub,
	registry *presence.Registry,
	settings service.SettingsPersister,
	cfg config.SyncConfig,
) *Factory {
	return &Factory{
		inbox:    inbox,
		identity: identity,
		messages: messages,
		feed:     feed,
		hub:      hub,
		registry: registry,
		settings: settings,
		cfg:      cfg,
		logger:   slog.Default(),
		sessions: make(map[string]*Session),
	}
}

// Open 为用户创建并启动会话
func (f *Factory) Open(ctx context.Context, userId string) *Session {
	sessionId := uuid.NewString()

	channel := presence.NewChannel(f.hub, f.registry, f.cfg.PresenceChannel, sessionId, f.cfg.PresenceHeartbeat)
	s := New(Options{
		SessionId: sessionId,
		UserId:    userId,
		Inbox:     f.inbox,
		Identity:  f.identity,
		Messages:  f.messages,
		Feed:      f.feed,
		Presence:  service.NewPresenceTracker(channel),
		Typing:    service.NewTypingManager(f.cfg.TypingTTL, f.cfg.TypingSweep),
		Debouncer: service.NewTypingDebouncer(f.cfg.TypingDebounce),
		Gate:      service.NewNotificationGate(ctx, f.settings, userId),
		Join:      f.joiner(sessionId),
	})
	s.Start(ctx)

	f.mu.Lock()
	f.sessions[sessionId] = s
	f.mu.Unlock()

	f.logger.Info("Session opened", "sessionId", sessionId, "userId", userId)
	return s
}

// Release 关闭并移除会话
func (f *Factory) Release(s *Session) {
	f.mu.Lock()
	delete(f.sessions, s.Id())
	f.mu.Unlock()

	s.Close()
}

// Count 当前会话数
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// Resync 通知全部会话重新同步（变更流重连后调用）
func (f *Factory) Resync() {
	f.mu.Lock()
	sessions := make([]*Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		sessions = append(sessions, s)
	}
	f.mu.Unlock()

	f.logger.Info("Resyncing sessions", "count", len(sessions))
	for _, s := range sessions {
		s.Resync()
	}
}

// CloseAll 关闭全部会话（进程退出时调用）
func (f *Factory) CloseAll() {
	f.mu.Lock()
	sessions := make([]*Session, 0, len(f.sessions))
	for id, s := range f.sessions {
		sessions = append(sessions, s)
		delete(f.sessions, id)
	}
	f.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (f *Factory) joiner(sessionId string) ChannelJoiner {
	return func(key string, listener func(proto.BroadcastEnvelope)) (Broadcaster, error) {
		m, err := f.hub.Join(key, sessionId, listener)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}
