package nats

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"sudooom.im.sync/pkg/proto"
)

// ChangePublisher 变更事件发布器（CDC relay 使用）
type ChangePublisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewChangePublisher 创建变更事件发布器
func NewChangePublisher(nc *nats.Conn) *ChangePublisher {
	return &ChangePublisher{
		nc:     nc,
		logger: slog.Default(),
	}
}

// PublishChange 发布消息变更到会话 Subject
func (p *ChangePublisher) PublishChange(ev proto.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to marshal change event", "error", err)
		return err
	}

	subject := BuildMessageChangeSubject(ev.Row.ConversationId)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish change event", "subject", subject, "error", err)
		return err
	}

	p.logger.Debug("Published change event", "subject", subject, "type", ev.Type, "messageId", ev.Row.Id)
	return nil
}

// PublishConversationChanged 通知会话成员刷新收件箱
func (p *ChangePublisher) PublishConversationChanged(conversationId string, userIds []string) error {
	for _, userId := range userIds {
		data, err := json.Marshal(proto.ConversationChanged{
			ConversationId: conversationId,
			UserId:         userId,
			At:             time.Now().UnixMilli(),
		})
		if err != nil {
			return err
		}
		if err := p.nc.Publish(BuildConversationChangedSubject(userId), data); err != nil {
			p.logger.Error("Failed to publish conversation signal", "userId", userId, "error", err)
			return err
		}
	}
	return nil
}
