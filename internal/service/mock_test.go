package service

import (
	"context"
	"sync"
	"time"

	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/pkg/proto"
)

// MockConversationSource 模拟会话存储
type MockConversationSource struct {
	ListConversationsFunc     func(ctx context.Context, userId, scope string) ([]model.ConversationRecord, error)
	DirectConversationIdsFunc func(ctx context.Context, userId string) ([]string, error)
}

func (m *MockConversationSource) ListConversations(ctx context.Context, userId, scope string) ([]model.ConversationRecord, error) {
	if m.ListConversationsFunc != nil {
		return m.ListConversationsFunc(ctx, userId, scope)
	}
	return nil, nil
}

func (m *MockConversationSource) DirectConversationIds(ctx context.Context, userId string) ([]string, error) {
	if m.DirectConversationIdsFunc != nil {
		return m.DirectConversationIdsFunc(ctx, userId)
	}
	return nil, nil
}

// MockMessageSource 模拟消息存储
type MockMessageSource struct {
	ListMessagesFunc  func(ctx context.Context, conversationIds []string, limit int) ([]model.Message, error)
	CreateMessageFunc func(ctx context.Context, conversationId, senderId, content string, metadata model.Metadata, clientMsgId string) (*model.Message, error)
	UpdateMessageFunc func(ctx context.Context, messageId, senderId, newContent string) (*model.Message, error)
	MarkReadBatchFunc func(ctx context.Context, conversationIds []string, userId string) error
}

func (m *MockMessageSource) ListMessages(ctx context.Context, conversationIds []string, limit int) ([]model.Message, error) {
	if m.ListMessagesFunc != nil {
		return m.ListMessagesFunc(ctx, conversationIds, limit)
	}
	return nil, nil
}

func (m *MockMessageSource) CreateMessage(ctx context.Context, conversationId, senderId, content string, metadata model.Metadata, clientMsgId string) (*model.Message, error) {
	if m.CreateMessageFunc != nil {
		return m.CreateMessageFunc(ctx, conversationId, senderId, content, metadata, clientMsgId)
	}
	return nil, nil
}

func (m *MockMessageSource) UpdateMessage(ctx context.Context, messageId, senderId, newContent string) (*model.Message, error) {
	if m.UpdateMessageFunc != nil {
		return m.UpdateMessageFunc(ctx, messageId, senderId, newContent)
	}
	return nil, nil
}

func (m *MockMessageSource) MarkReadBatch(ctx context.Context, conversationIds []string, userId string) error {
	if m.MarkReadBatchFunc != nil {
		return m.MarkReadBatchFunc(ctx, conversationIds, userId)
	}
	return nil
}

// fakeFeed 内存变更流，Emit 同步投递给当前订阅者
type fakeFeed struct {
	mu         sync.Mutex
	handlers   map[string][]*feedSub
	signals    map[string]func(proto.ConversationChanged)
	subscribed [][]string
	err        error
}

type feedSub struct {
	handler func(proto.ChangeEvent)
	stopped bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		handlers: make(map[string][]*feedSub),
		signals:  make(map[string]func(proto.ConversationChanged)),
	}
}

func (f *fakeFeed) Subscribe(ids []string, handler func(proto.ChangeEvent)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub := &feedSub{handler: handler}
	for _, id := range ids {
		f.handlers[id] = append(f.handlers[id], sub)
	}
	f.subscribed = append(f.subscribed, append([]string(nil), ids...))
	return func() {
		f.mu.Lock()
		sub.stopped = true
		f.mu.Unlock()
	}, nil
}

func (f *fakeFeed) SubscribeConversations(userId string, handler func(proto.ConversationChanged)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.signals[userId] = handler
	return func() {
		f.mu.Lock()
		delete(f.signals, userId)
		f.mu.Unlock()
	}, nil
}

func (f *fakeFeed) Emit(typ proto.ChangeType, msg model.Message) {
	f.mu.Lock()
	var live []func(proto.ChangeEvent)
	for _, sub := range f.handlers[msg.ConversationId] {
		if !sub.stopped {
			live = append(live, sub.handler)
		}
	}
	f.mu.Unlock()

	ev := proto.ChangeEvent{Type: typ, Table: "messages", Row: proto.ToWire(&msg)}
	for _, h := range live {
		h(ev)
	}
}

func (f *fakeFeed) Signal(userId, conversationId string) {
	f.mu.Lock()
	h := f.signals[userId]
	f.mu.Unlock()
	if h != nil {
		h(proto.ConversationChanged{ConversationId: conversationId, UserId: userId, At: time.Now().UnixMilli()})
	}
}

func (f *fakeFeed) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[*feedSub]struct{})
	for _, subs := range f.handlers {
		for _, s := range subs {
			if !s.stopped {
				seen[s] = struct{}{}
			}
		}
	}
	return len(seen)
}

// recordingSink 记录路由投递的消息
type recordingSink struct {
	mu       sync.Mutex
	inserted []model.Message
	updated  []model.Message
}

func (s *recordingSink) OnInsert(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, msg)
}

func (s *recordingSink) OnUpdate(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, msg)
}

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func at(sec int) *time.Time {
	t := time.Unix(1700000000+int64(sec), 0)
	return &t
}

func msgAt(id, conv string, sec int) model.Message {
	return model.Message{
		Id:             id,
		ConversationId: conv,
		SenderId:       "u2",
		Content:        "hello " + id,
		CreatedAt:      *at(sec),
		Metadata:       model.Metadata{Attachments: []model.Attachment{}},
	}
}

func messageIds(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Id
	}
	return out
}
