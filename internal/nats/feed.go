package nats

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"sudooom.im.sync/pkg/proto"
)

// ChangeFeed 基于 NATS 的消息变更流
// 订阅时固定会话 ID 列表，列表变化必须重新订阅
type ChangeFeed struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewChangeFeed 创建变更流
func NewChangeFeed(nc *nats.Conn) *ChangeFeed {
	return &ChangeFeed{
		nc:     nc,
		logger: slog.Default(),
	}
}

// Subscribe 订阅一组会话的消息变更，返回的 stop 函数取消全部订阅
func (f *ChangeFeed) Subscribe(conversationIds []string, handler func(proto.ChangeEvent)) (func(), error) {
	subs := make([]*nats.Subscription, 0, len(conversationIds))

	for _, id := range conversationIds {
		sub, err := f.nc.Subscribe(BuildMessageChangeSubject(id), func(msg *nats.Msg) {
			var ev proto.ChangeEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				f.logger.Error("Failed to unmarshal change event", "subject", msg.Subject, "error", err)
				return
			}
			handler(ev)
		})
		if err != nil {
			unsubscribeAll(subs)
			return nil, err
		}
		subs = append(subs, sub)
	}

	f.logger.Debug("Change feed subscribed", "conversationIds", conversationIds)
	return stopOnce(subs), nil
}

// SubscribeConversations 订阅用户的粗粒度会话变更信号
func (f *ChangeFeed) SubscribeConversations(userId string, handler func(proto.ConversationChanged)) (func(), error) {
	sub, err := f.nc.Subscribe(BuildConversationChangedSubject(userId), func(msg *nats.Msg) {
		var ev proto.ConversationChanged
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			f.logger.Error("Failed to unmarshal conversation signal", "subject", msg.Subject, "error", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, err
	}
	return stopOnce([]*nats.Subscription{sub}), nil
}

func stopOnce(subs []*nats.Subscription) func() {
	var once sync.Once
	return func() {
		once.Do(func() { unsubscribeAll(subs) })
	}
}

func unsubscribeAll(subs []*nats.Subscription) {
	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		slog.Warn("Failed to unsubscribe change feed", "error", errors.Join(errs...))
	}
}
