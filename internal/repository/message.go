package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/pkg/snowflake"
)

const messageColumns = `id, conversation_id, sender_id, client_msg_id, content, metadata, is_edited, created_at`

// MessageRepository 消息仓库
type MessageRepository struct {
	db *pgxpool.Pool
	sf *snowflake.Node
}

// NewMessageRepository 创建消息仓库
func NewMessageRepository(db *pgxpool.Pool, sf *snowflake.Node) *MessageRepository {
	return &MessageRepository{db: db, sf: sf}
}

// ListMessages 获取多个会话的最近消息（合计不超过 limit 条，按时间倒序返回）
func (r *MessageRepository) ListMessages(ctx context.Context, conversationIds []string, limit int) ([]model.Message, error) {
	if len(conversationIds) == 0 {
		return []model.Message{}, nil
	}

	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = ANY($1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, conversationIds, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}

	return messages, rows.Err()
}

// CreateMessage 创建消息，返回存储层的权威副本
// 同一会话内 client_msg_id 重复时不再插入，直接返回已有的那一行
func (r *MessageRepository) CreateMessage(ctx context.Context, conversationId, senderId, content string, metadata model.Metadata, clientMsgId string) (*model.Message, error) {
	query := `
		INSERT INTO messages (id, conversation_id, sender_id, client_msg_id, content, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (conversation_id, client_msg_id) WHERE client_msg_id <> '' DO NOTHING
		RETURNING ` + messageColumns

	now := time.Now()
	row := r.db.QueryRow(ctx, query,
		r.sf.Generate().String(),
		conversationId,
		senderId,
		clientMsgId,
		content,
		metadata.Encode(),
		now,
	)

	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) && clientMsgId != "" {
		return r.findByClientMsgId(ctx, conversationId, clientMsgId)
	}
	return msg, err
}

func (r *MessageRepository) findByClientMsgId(ctx context.Context, conversationId, clientMsgId string) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 AND client_msg_id = $2`
	return scanMessage(r.db.QueryRow(ctx, query, conversationId, clientMsgId))
}

// UpdateMessage 编辑消息内容，只有发送者本人可以编辑
// 消息不存在或不属于 senderId 时返回 (nil, nil)
func (r *MessageRepository) UpdateMessage(ctx context.Context, messageId, senderId, newContent string) (*model.Message, error) {
	query := `
		UPDATE messages SET content = $2, is_edited = true, updated_at = now()
		WHERE id = $1 AND sender_id = $3
		RETURNING ` + messageColumns

	msg, err := scanMessage(r.db.QueryRow(ctx, query, messageId, newContent, senderId))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

// FindByID 根据 ID 查找消息
func (r *MessageRepository) FindByID(ctx context.Context, id string) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	return scanMessage(r.db.QueryRow(ctx, query, id))
}

// MarkRead 标记会话已读
func (r *MessageRepository) MarkRead(ctx context.Context, conversationId, userId string) error {
	query := `UPDATE conversation_participants SET last_read_at = now() WHERE conversation_id = $1 AND user_id = $2`
	_, err := r.db.Exec(ctx, query, conversationId, userId)
	return err
}

// MarkReadBatch 批量标记已读（合并后的逻辑会话包含多个底层会话）
func (r *MessageRepository) MarkReadBatch(ctx context.Context, conversationIds []string, userId string) error {
	if len(conversationIds) == 0 {
		return nil
	}

	query := `UPDATE conversation_participants SET last_read_at = now() WHERE conversation_id = $1 AND user_id = $2`
	batch := &pgx.Batch{}
	for _, id := range conversationIds {
		batch.Queue(query, id, userId)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for range conversationIds {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		msg      model.Message
		metadata []byte
	)
	err := row.Scan(
		&msg.Id,
		&msg.ConversationId,
		&msg.SenderId,
		&msg.ClientMsgId,
		&msg.Content,
		&metadata,
		&msg.IsEdited,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Metadata = model.ParseMetadata(metadata)
	return &msg, nil
}
