package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// PresenceTracker 维护在线用户集合
// 每次快照整体替换集合，不做增量合并
type PresenceTracker struct {
	channel PresenceChannel
	logger  *slog.Logger

	mu        sync.RWMutex
	online    map[string]struct{}
	listeners []func(online []string)
	joined    bool
}

// NewPresenceTracker 创建在线状态跟踪器
func NewPresenceTracker(channel PresenceChannel) *PresenceTracker {
	t := &PresenceTracker{
		channel: channel,
		logger:  slog.Default(),
		online:  make(map[string]struct{}),
	}
	channel.OnSync(t.apply)
	return t
}

// Join 宣告自身在线；失败时集合保持为空
func (t *PresenceTracker) Join(ctx context.Context, userId string) error {
	if err := t.channel.Track(ctx, userId); err != nil {
		t.logger.Warn("Failed to join presence channel", "userId", userId, "error", err)
		return err
	}

	t.mu.Lock()
	t.joined = true
	t.mu.Unlock()
	return nil
}

// Leave 离开频道并清空集合
func (t *PresenceTracker) Leave(ctx context.Context) {
	t.mu.Lock()
	joined := t.joined
	t.joined = false
	t.online = make(map[string]struct{})
	t.mu.Unlock()

	if joined {
		t.channel.Leave(ctx)
	}
}

// OnSnapshot 注册快照回调
func (t *PresenceTracker) OnSnapshot(listener func(online []string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, listener)
}

// Online 用户是否在线
func (t *PresenceTracker) Online(userId string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userId]
	return ok
}

// Snapshot 当前在线用户，按 ID 排序
func (t *PresenceTracker) Snapshot() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedKeys(t.online)
}

func (t *PresenceTracker) apply(online []string) {
	next := make(map[string]struct{}, len(online))
	for _, id := range online {
		next[id] = struct{}{}
	}

	t.mu.Lock()
	t.online = next
	listeners := make([]func([]string), len(t.listeners))
	copy(listeners, t.listeners)
	snapshot := sortedKeys(next)
	t.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
