package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
)

func TestMessageStore_LoadThreadMergesAllIds(t *testing.T) {
	source := &MockMessageSource{
		ListMessagesFunc: func(ctx context.Context, conversationIds []string, limit int) ([]model.Message, error) {
			assert.ElementsMatch(t, []string{"X", "Y"}, conversationIds)
			assert.Equal(t, DefaultPageSize, limit)
			return []model.Message{
				msgAt("m3", "Y", 30),
				msgAt("m2", "X", 20),
				msgAt("m1", "Y", 10),
				msgAt("m2", "X", 20),
			}, nil
		},
	}
	store := NewMessageStore(source, 0)

	msgs, err := store.LoadThread(context.Background(), []string{"X", "Y"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, messageIds(msgs))
}

func TestMessageStore_LoadThreadFailure(t *testing.T) {
	store := NewMessageStore(&MockMessageSource{
		ListMessagesFunc: func(ctx context.Context, conversationIds []string, limit int) ([]model.Message, error) {
			return nil, errors.New("boom")
		},
	}, 10)

	_, err := store.LoadThread(context.Background(), []string{"X"})
	assert.True(t, apperrors.Is(err, apperrors.ErrFetchFailed))
}

func TestMessageStore_SendReturnsAuthoritativeRecord(t *testing.T) {
	source := &MockMessageSource{
		CreateMessageFunc: func(ctx context.Context, conversationId, senderId, content string, metadata model.Metadata, clientMsgId string) (*model.Message, error) {
			assert.Equal(t, "X", conversationId)
			assert.Equal(t, "A", senderId)
			assert.NotEmpty(t, clientMsgId)
			m := msgAt("m9", conversationId, 90)
			m.SenderId = senderId
			m.Content = content
			m.ClientMsgId = clientMsgId
			return &m, nil
		},
	}
	store := NewMessageStore(source, 10)

	msg, err := store.Send(context.Background(), "X", "A", "hi", model.Metadata{}, "")
	require.NoError(t, err)
	assert.Equal(t, "m9", msg.Id)
	assert.Equal(t, "hi", msg.Content)
	assert.NotEmpty(t, msg.ClientMsgId)
}

func TestMessageStore_SendValidation(t *testing.T) {
	store := NewMessageStore(&MockMessageSource{}, 10)

	_, err := store.Send(context.Background(), "X", "A", "   ", model.Metadata{}, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParams))

	_, err = store.Send(context.Background(), "", "A", "hi", model.Metadata{}, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParams))
}

func TestMessageStore_SendAttachmentOnly(t *testing.T) {
	store := NewMessageStore(&MockMessageSource{
		CreateMessageFunc: func(ctx context.Context, conversationId, senderId, content string, metadata model.Metadata, clientMsgId string) (*model.Message, error) {
			m := msgAt("m1", conversationId, 1)
			m.Metadata = metadata
			return &m, nil
		},
	}, 10)

	md := model.Metadata{Attachments: []model.Attachment{{Type: "image", Name: "a.png", URL: "u"}}}
	msg, err := store.Send(context.Background(), "X", "A", "", md, "c-1")
	require.NoError(t, err)
	assert.Len(t, msg.Metadata.Attachments, 1)
}

func TestMessageStore_SendFailure(t *testing.T) {
	store := NewMessageStore(&MockMessageSource{
		CreateMessageFunc: func(ctx context.Context, conversationId, senderId, content string, metadata model.Metadata, clientMsgId string) (*model.Message, error) {
			return nil, errors.New("insert failed")
		},
	}, 10)

	_, err := store.Send(context.Background(), "X", "A", "hi", model.Metadata{}, "c-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrSendFailed))
}

func TestMessageStore_Edit(t *testing.T) {
	source := &MockMessageSource{
		UpdateMessageFunc: func(ctx context.Context, messageId, senderId, newContent string) (*model.Message, error) {
			if messageId == "missing" || senderId != "u2" {
				return nil, nil
			}
			if messageId == "broken" {
				return nil, errors.New("db down")
			}
			m := msgAt(messageId, "X", 10)
			m.Content = newContent
			m.IsEdited = true
			return &m, nil
		},
	}
	store := NewMessageStore(source, 10)
	ctx := context.Background()

	msg, err := store.Edit(ctx, "m1", "u2", "new text")
	require.NoError(t, err)
	assert.Equal(t, "new text", msg.Content)
	assert.True(t, msg.IsEdited)

	_, err = store.Edit(ctx, "missing", "u2", "x")
	assert.True(t, apperrors.Is(err, apperrors.ErrMessageNotFound))

	_, err = store.Edit(ctx, "broken", "u2", "x")
	assert.True(t, apperrors.Is(err, apperrors.ErrEditFailed))

	_, err = store.Edit(ctx, "m1", "u3", "x")
	assert.True(t, apperrors.Is(err, apperrors.ErrMessageNotFound), "不能编辑他人的消息")

	_, err = store.Edit(ctx, "m1", "u2", "")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParams))

	_, err = store.Edit(ctx, "m1", "", "x")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParams))
}

func TestMessageStore_MarkReadCoversAllIds(t *testing.T) {
	var got []string
	store := NewMessageStore(&MockMessageSource{
		MarkReadBatchFunc: func(ctx context.Context, conversationIds []string, userId string) error {
			got = conversationIds
			return nil
		},
	}, 10)

	require.NoError(t, store.MarkRead(context.Background(), []string{"X", "Y"}, "A"))
	assert.Equal(t, []string{"X", "Y"}, got)
	require.NoError(t, store.MarkRead(context.Background(), nil, "A"))
}
