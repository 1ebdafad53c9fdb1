package service

import (
	"context"
	"sort"
	"sync"
	"time"
)

// 输入状态默认参数
const (
	DefaultTypingTTL      = 3 * time.Second
	DefaultTypingSweep    = 500 * time.Millisecond
	DefaultTypingDebounce = 500 * time.Millisecond
)

type typingKey struct {
	conversationId string
	userId         string
}

// TypingManager 远端输入状态，条目超过 TTL 未刷新即失效
// 所有条目共用一个清扫协程
type TypingManager struct {
	ttl   time.Duration
	sweep time.Duration
	now   func() time.Time

	mu       sync.Mutex
	entries  map[typingKey]time.Time // 最近一次信号时间
	onChange []func(conversationId string)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTypingManager 创建输入状态管理器
func NewTypingManager(ttl, sweep time.Duration) *TypingManager {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if sweep <= 0 {
		sweep = DefaultTypingSweep
	}
	return &TypingManager{
		ttl:     ttl,
		sweep:   sweep,
		now:     time.Now,
		entries: make(map[typingKey]time.Time),
	}
}

// Start 启动清扫协程
func (m *TypingManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
}

// Stop 停止清扫协程
func (m *TypingManager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// OnChange 注册变化回调（参数为变化的会话 ID）
func (m *TypingManager) OnChange(handler func(conversationId string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, handler)
}

// Signal 记录一次输入信号，已存在则刷新时间
func (m *TypingManager) Signal(conversationId, userId string) {
	key := typingKey{conversationId, userId}

	m.mu.Lock()
	_, existed := m.entries[key]
	m.entries[key] = m.now()
	handlers := m.handlersLocked()
	m.mu.Unlock()

	if !existed {
		notify(handlers, conversationId)
	}
}

// Clear 立即清除某个用户的输入状态（例如收到其新消息）
func (m *TypingManager) Clear(conversationId, userId string) {
	key := typingKey{conversationId, userId}

	m.mu.Lock()
	_, existed := m.entries[key]
	delete(m.entries, key)
	handlers := m.handlersLocked()
	m.mu.Unlock()

	if existed {
		notify(handlers, conversationId)
	}
}

// IsTyping 用户在会话中是否处于输入状态
func (m *TypingManager) IsTyping(conversationId, userId string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	at, ok := m.entries[typingKey{conversationId, userId}]
	return ok && m.now().Sub(at) < m.ttl
}

// Typing 会话中正在输入的用户，按 ID 排序
func (m *TypingManager) Typing(conversationIds ...string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]struct{}, len(conversationIds))
	for _, id := range conversationIds {
		wanted[id] = struct{}{}
	}

	now := m.now()
	seen := make(map[string]struct{})
	users := make([]string, 0)
	for key, at := range m.entries {
		if _, ok := wanted[key.conversationId]; !ok || now.Sub(at) >= m.ttl {
			continue
		}
		if _, ok := seen[key.userId]; ok {
			continue
		}
		seen[key.userId] = struct{}{}
		users = append(users, key.userId)
	}
	sort.Strings(users)
	return users
}

// Sweep 清除过期条目，返回清除数量
func (m *TypingManager) Sweep() int {
	m.mu.Lock()
	now := m.now()
	changed := make(map[string]struct{})
	removed := 0
	for key, at := range m.entries {
		if now.Sub(at) >= m.ttl {
			delete(m.entries, key)
			changed[key.conversationId] = struct{}{}
			removed++
		}
	}
	handlers := m.handlersLocked()
	m.mu.Unlock()

	for conversationId := range changed {
		notify(handlers, conversationId)
	}
	return removed
}

func (m *TypingManager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *TypingManager) handlersLocked() []func(string) {
	out := make([]func(string), len(m.onChange))
	copy(out, m.onChange)
	return out
}

func notify(handlers []func(string), conversationId string) {
	for _, h := range handlers {
		h(conversationId)
	}
}

// TypingDebouncer 本地输入信号节流，每个会话在间隔内最多放行一次
type TypingDebouncer struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewTypingDebouncer 创建节流器
func NewTypingDebouncer(interval time.Duration) *TypingDebouncer {
	if interval <= 0 {
		interval = DefaultTypingDebounce
	}
	return &TypingDebouncer{
		interval: interval,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// Allow 是否放行本次信号
func (d *TypingDebouncer) Allow(conversationId string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.last[conversationId]; ok && now.Sub(at) < d.interval {
		return false
	}
	d.last[conversationId] = now
	return true
}

// Reset 清除节流记录（例如消息发出后）
func (d *TypingDebouncer) Reset(conversationId string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, conversationId)
}
