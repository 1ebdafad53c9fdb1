package service

import (
	"log/slog"
	"sync"

	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/pkg/proto"
)

// RouterState 订阅状态
type RouterState int

const (
	RouterIdle        RouterState = iota // 无订阅
	RouterSubscribing                    // 订阅中
	RouterActive                         // 订阅生效
)

func (s RouterState) String() string {
	switch s {
	case RouterSubscribing:
		return "subscribing"
	case RouterActive:
		return "active"
	default:
		return "idle"
	}
}

// EventSink 消息变更的接收方
type EventSink interface {
	OnInsert(msg model.Message)
	OnUpdate(msg model.Message)
}

// EventRouter 把变更流分发给当前逻辑会话
// 任一时刻最多一个活跃订阅；ID 集合变化时先拆旧订阅再建新订阅
type EventRouter struct {
	feed   ChangeFeed
	logger *slog.Logger

	mu      sync.Mutex
	state   RouterState
	gen     uint64
	stop    func()
	watched map[string]struct{}
	sink    EventSink
}

// NewEventRouter 创建事件路由
func NewEventRouter(feed ChangeFeed) *EventRouter {
	return &EventRouter{
		feed:   feed,
		logger: slog.Default(),
	}
}

// Watch 订阅一组底层会话；失败时保持 Idle，不自动重试
func (r *EventRouter) Watch(conversationIds []string, sink EventSink) error {
	r.mu.Lock()
	r.teardownLocked()
	r.gen++
	gen := r.gen
	r.state = RouterSubscribing
	r.mu.Unlock()

	stop, err := r.feed.Subscribe(conversationIds, func(ev proto.ChangeEvent) {
		r.dispatch(gen, ev)
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.gen {
		// 订阅期间又有新的 Watch / Unwatch
		if stop != nil {
			stop()
		}
		return apperrors.ErrStaleResult
	}
	if err != nil {
		r.state = RouterIdle
		r.logger.Error("Failed to subscribe change feed",
			"conversationIds", conversationIds,
			"error", err)
		return apperrors.ErrSubscribeFailed.Wrap(err)
	}

	watched := make(map[string]struct{}, len(conversationIds))
	for _, id := range conversationIds {
		watched[id] = struct{}{}
	}
	r.stop = stop
	r.watched = watched
	r.sink = sink
	r.state = RouterActive
	return nil
}

// Unwatch 拆除当前订阅
func (r *EventRouter) Unwatch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardownLocked()
	r.gen++
}

// State 当前状态
func (r *EventRouter) State() RouterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Watching 当前订阅的底层会话
func (r *EventRouter) Watching() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.watched))
	for id := range r.watched {
		ids = append(ids, id)
	}
	return unionSorted(ids, nil)
}

func (r *EventRouter) teardownLocked() {
	if r.stop != nil {
		r.stop()
	}
	r.stop = nil
	r.watched = nil
	r.sink = nil
	r.state = RouterIdle
}

func (r *EventRouter) dispatch(gen uint64, ev proto.ChangeEvent) {
	r.mu.Lock()
	if gen != r.gen || r.state != RouterActive {
		r.mu.Unlock()
		return
	}
	if _, ok := r.watched[ev.Row.ConversationId]; !ok {
		r.mu.Unlock()
		return
	}
	sink := r.sink
	r.mu.Unlock()

	msg := proto.FromWire(&ev.Row)
	switch ev.Type {
	case proto.ChangeInsert:
		sink.OnInsert(msg)
	case proto.ChangeUpdate:
		sink.OnUpdate(msg)
	default:
		r.logger.Warn("Unknown change type", "type", ev.Type, "messageId", msg.Id)
	}
}

// WatchInbox 订阅用户的粗粒度会话变更信号，与消息订阅互不影响
func (r *EventRouter) WatchInbox(userId string, onChanged func(proto.ConversationChanged)) (func(), error) {
	stop, err := r.feed.SubscribeConversations(userId, onChanged)
	if err != nil {
		r.logger.Error("Failed to subscribe conversation signal", "userId", userId, "error", err)
		return nil, apperrors.ErrSubscribeFailed.Wrap(err)
	}
	return stop, nil
}
