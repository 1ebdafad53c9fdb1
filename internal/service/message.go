package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
)

// DefaultPageSize 单次加载的消息条数
const DefaultPageSize = 50

// MessageStore 逻辑会话的消息读写
type MessageStore struct {
	source   MessageSource
	pageSize int
	logger   *slog.Logger
}

// NewMessageStore 创建消息服务
func NewMessageStore(source MessageSource, pageSize int) *MessageStore {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &MessageStore{
		source:   source,
		pageSize: pageSize,
		logger:   slog.Default(),
	}
}

// PageSize 单次加载条数
func (s *MessageStore) PageSize() int {
	return s.pageSize
}

// LoadThread 一次性加载全部底层会话的最近消息，合并排序去重
func (s *MessageStore) LoadThread(ctx context.Context, conversationIds []string) ([]model.Message, error) {
	if len(conversationIds) == 0 {
		return []model.Message{}, nil
	}

	msgs, err := s.source.ListMessages(ctx, conversationIds, s.pageSize)
	if err != nil {
		s.logger.Error("Failed to load messages",
			"conversationIds", conversationIds,
			"error", err)
		return nil, apperrors.ErrFetchFailed.Wrap(err)
	}

	return SortAndDedupe(msgs), nil
}

// Send 写入一条消息，返回存储层的权威记录
// clientMsgId 为空时自动生成，用于对账乐观回显
func (s *MessageStore) Send(ctx context.Context, conversationId, senderId, content string, metadata model.Metadata, clientMsgId string) (*model.Message, error) {
	if conversationId == "" || senderId == "" {
		return nil, apperrors.ErrInvalidParams
	}
	if strings.TrimSpace(content) == "" && len(metadata.Attachments) == 0 {
		return nil, apperrors.ErrInvalidParams
	}
	if clientMsgId == "" {
		clientMsgId = uuid.NewString()
	}

	msg, err := s.source.CreateMessage(ctx, conversationId, senderId, content, metadata, clientMsgId)
	if err != nil {
		s.logger.Error("Failed to send message",
			"conversationId", conversationId,
			"senderId", senderId,
			"clientMsgId", clientMsgId,
			"error", err)
		return nil, apperrors.ErrSendFailed.Wrap(err)
	}

	s.logger.Debug("Message sent",
		"messageId", msg.Id,
		"conversationId", conversationId,
		"clientMsgId", clientMsgId)
	return msg, nil
}

// Edit 修改 senderId 本人发送的消息，返回更新后的记录
// 消息不存在和不属于 senderId 都返回 ErrMessageNotFound
func (s *MessageStore) Edit(ctx context.Context, messageId, senderId, newContent string) (*model.Message, error) {
	if messageId == "" || senderId == "" || strings.TrimSpace(newContent) == "" {
		return nil, apperrors.ErrInvalidParams
	}

	msg, err := s.source.UpdateMessage(ctx, messageId, senderId, newContent)
	if err != nil {
		s.logger.Error("Failed to edit message",
			"messageId", messageId,
			"error", err)
		return nil, apperrors.ErrEditFailed.Wrap(err)
	}
	if msg == nil {
		return nil, apperrors.ErrMessageNotFound
	}

	return msg, nil
}

// MarkRead 把逻辑会话的全部底层会话标记为已读
func (s *MessageStore) MarkRead(ctx context.Context, conversationIds []string, userId string) error {
	if len(conversationIds) == 0 {
		return nil
	}
	if err := s.source.MarkReadBatch(ctx, conversationIds, userId); err != nil {
		s.logger.Warn("Failed to mark read",
			"conversationIds", conversationIds,
			"userId", userId,
			"error", err)
		return apperrors.ErrDBError.Wrap(err)
	}
	return nil
}
