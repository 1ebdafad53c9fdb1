package nats

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/pkg/proto"
)

// BroadcastHub 进程级广播频道，按频道引用计数
// 同一频道只持有一个 NATS 订阅，最后一个成员离开时才取消订阅
type BroadcastHub struct {
	nc       *nats.Conn
	mu       sync.Mutex
	channels map[string]*channel
	logger   *slog.Logger
}

type channel struct {
	key       string
	sub       *nats.Subscription
	listeners map[uint64]func(proto.BroadcastEnvelope)
	nextId    uint64
}

// Membership 频道成员身份，Leave 后不可再用
type Membership struct {
	hub  *BroadcastHub
	key  string
	id   uint64
	from string
	once sync.Once
}

// NewBroadcastHub 创建广播中心
func NewBroadcastHub(nc *nats.Conn) *BroadcastHub {
	return &BroadcastHub{
		nc:       nc,
		channels: make(map[string]*channel),
		logger:   slog.Default(),
	}
}

// Join 加入频道；from 标识发送方，自己发出的广播不会回送给自己
func (h *BroadcastHub) Join(key, from string, listener func(proto.BroadcastEnvelope)) (*Membership, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[key]
	if !ok {
		ch = &channel{
			key:       key,
			listeners: make(map[uint64]func(proto.BroadcastEnvelope)),
		}
		sub, err := h.nc.Subscribe(BuildBroadcastSubject(key), func(msg *nats.Msg) {
			h.deliver(key, msg.Data)
		})
		if err != nil {
			return nil, apperrors.ErrSubscribeFailed.Wrap(err)
		}
		ch.sub = sub
		h.channels[key] = ch
		h.logger.Info("Broadcast channel opened", "channel", key)
	}

	ch.nextId++
	id := ch.nextId
	ch.listeners[id] = func(env proto.BroadcastEnvelope) {
		if env.From == from {
			return
		}
		listener(env)
	}

	return &Membership{hub: h, key: key, id: id, from: from}, nil
}

// Refs 当前频道成员数
func (h *BroadcastHub) Refs(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.channels[key]; ok {
		return len(ch.listeners)
	}
	return 0
}

// Close 关闭全部频道（进程退出时调用）
func (h *BroadcastHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key, ch := range h.channels {
		if err := ch.sub.Unsubscribe(); err != nil {
			h.logger.Warn("Failed to close broadcast channel", "channel", key, "error", err)
		}
		delete(h.channels, key)
	}
}

func (h *BroadcastHub) deliver(key string, data []byte) {
	var env proto.BroadcastEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Error("Failed to unmarshal broadcast", "channel", key, "error", err)
		return
	}

	h.mu.Lock()
	ch, ok := h.channels[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	listeners := make([]func(proto.BroadcastEnvelope), 0, len(ch.listeners))
	for _, l := range ch.listeners {
		listeners = append(listeners, l)
	}
	h.mu.Unlock()

	for _, l := range listeners {
		l(env)
	}
}

func (h *BroadcastHub) leave(key string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[key]
	if !ok {
		return
	}
	delete(ch.listeners, id)
	if len(ch.listeners) > 0 {
		return
	}

	if err := ch.sub.Unsubscribe(); err != nil {
		h.logger.Warn("Failed to unsubscribe broadcast channel", "channel", key, "error", err)
	}
	delete(h.channels, key)
	h.logger.Info("Broadcast channel closed", "channel", key)
}

// Broadcast 向频道广播事件
func (m *Membership) Broadcast(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	env, err := json.Marshal(proto.BroadcastEnvelope{
		Channel: m.key,
		Event:   event,
		From:    m.from,
		Payload: data,
	})
	if err != nil {
		return err
	}

	m.hub.mu.Lock()
	ch, open := m.hub.channels[m.key]
	if open {
		_, open = ch.listeners[m.id]
	}
	m.hub.mu.Unlock()
	if !open {
		return apperrors.ErrChannelClosed
	}

	return m.hub.nc.Publish(BuildBroadcastSubject(m.key), env)
}

// Key 频道名
func (m *Membership) Key() string {
	return m.key
}

// Leave 离开频道，重复调用无副作用
func (m *Membership) Leave() {
	m.once.Do(func() { m.hub.leave(m.key, m.id) })
}
