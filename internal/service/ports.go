package service

import (
	"context"

	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/pkg/proto"
)

// ConversationSource 会话列表来源（存储层）
type ConversationSource interface {
	ListConversations(ctx context.Context, userId, scope string) ([]model.ConversationRecord, error)
}

// DirectConversationLookup 私聊会话反查
type DirectConversationLookup interface {
	DirectConversationIds(ctx context.Context, userId string) ([]string, error)
}

// MessageSource 消息读写（存储层）
type MessageSource interface {
	ListMessages(ctx context.Context, conversationIds []string, limit int) ([]model.Message, error)
	CreateMessage(ctx context.Context, conversationId, senderId, content string, metadata model.Metadata, clientMsgId string) (*model.Message, error)
	UpdateMessage(ctx context.Context, messageId, senderId, newContent string) (*model.Message, error)
	MarkReadBatch(ctx context.Context, conversationIds []string, userId string) error
}

// ChangeFeed 变更流，订阅时固定 ID 列表，返回的 stop 取消订阅
type ChangeFeed interface {
	Subscribe(conversationIds []string, handler func(proto.ChangeEvent)) (stop func(), err error)
	SubscribeConversations(userId string, handler func(proto.ConversationChanged)) (stop func(), err error)
}

// PresenceChannel 在线状态频道，心跳由频道自身维护
type PresenceChannel interface {
	OnSync(handler func(online []string))
	Track(ctx context.Context, userId string) error
	Leave(ctx context.Context)
}

// SettingsPersister 通知偏好持久化
type SettingsPersister interface {
	LoadNotificationSettings(ctx context.Context, namespace string) (model.NotificationSettings, error)
	SaveNotificationSettings(ctx context.Context, namespace string, settings model.NotificationSettings) error
}
