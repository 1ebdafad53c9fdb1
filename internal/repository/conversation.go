package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"sudooom.im.sync/internal/model"
)

// 会话列表范围
const (
	ScopeAll    = "all"
	ScopeDirect = "direct"
	ScopeGroup  = "group"
)

// ConversationRepository 会话仓库
type ConversationRepository struct {
	db *pgxpool.Pool
}

// NewConversationRepository 创建会话仓库
func NewConversationRepository(db *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// ListConversations 获取用户的会话（含参与者与最后一条消息）
func (r *ConversationRepository) ListConversations(ctx context.Context, userId, scope string) ([]model.ConversationRecord, error) {
	if scope == "" {
		scope = ScopeAll
	}

	query := `
		SELECT c.id, c.kind, c.title, lm.content, lm.created_at,
			(SELECT count(*) FROM messages m
			 WHERE m.conversation_id = c.id
			   AND m.sender_id <> $1
			   AND m.created_at > COALESCE(me.last_read_at, 'epoch'::timestamptz)) AS unread
		FROM conversations c
		JOIN conversation_participants me ON me.conversation_id = c.id AND me.user_id = $1
		LEFT JOIN LATERAL (
			SELECT content, created_at FROM messages
			WHERE conversation_id = c.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) lm ON true
		WHERE $2 = 'all' OR c.kind = $2
	`

	rows, err := r.db.Query(ctx, query, userId, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.ConversationRecord
	index := make(map[string]int)
	for rows.Next() {
		var (
			rec     model.ConversationRecord
			kind    string
			preview *string
			lastAt  *time.Time
			unread  int64
		)
		if err := rows.Scan(&rec.Id, &kind, &rec.Title, &preview, &lastAt, &unread); err != nil {
			return nil, err
		}
		rec.Kind = model.ConversationKind(kind)
		rec.LastMessageAt = lastAt
		if preview != nil {
			rec.LastMessagePreview = *preview
		}
		rec.UnreadCount = int(unread)
		index[rec.Id] = len(records)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return []model.ConversationRecord{}, nil
	}

	ids := make([]string, len(records))
	for i := range records {
		ids[i] = records[i].Id
	}

	participants, err := r.participants(ctx, ids)
	if err != nil {
		return nil, err
	}
	for convId, users := range participants {
		i, ok := index[convId]
		if !ok {
			continue
		}
		for _, u := range users {
			records[i].ParticipantIds = append(records[i].ParticipantIds, u.Id)
			records[i].Participants = append(records[i].Participants, u)
		}
	}

	return records, nil
}

// participants 批量获取会话参与者
func (r *ConversationRepository) participants(ctx context.Context, conversationIds []string) (map[string][]model.User, error) {
	query := `
		SELECT cp.conversation_id, u.id, u.display_name, u.avatar, u.email
		FROM conversation_participants cp
		JOIN users u ON u.id = cp.user_id
		WHERE cp.conversation_id = ANY($1)
		ORDER BY cp.conversation_id, u.id
	`

	rows, err := r.db.Query(ctx, query, conversationIds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]model.User)
	for rows.Next() {
		var convId string
		var u model.User
		if err := rows.Scan(&convId, &u.Id, &u.DisplayName, &u.Avatar, &u.Email); err != nil {
			return nil, err
		}
		result[convId] = append(result[convId], u)
	}

	return result, rows.Err()
}

// DirectConversationIds 获取包含该用户的全部私聊会话 ID
func (r *ConversationRepository) DirectConversationIds(ctx context.Context, userId string) ([]string, error) {
	query := `
		SELECT c.id FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE c.kind = 'direct' AND p.user_id = $1
	`

	rows, err := r.db.Query(ctx, query, userId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// ParticipantIds 获取会话成员 ID
func (r *ConversationRepository) ParticipantIds(ctx context.Context, conversationId string) ([]string, error) {
	query := `SELECT user_id FROM conversation_participants WHERE conversation_id = $1`

	rows, err := r.db.Query(ctx, query, conversationId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userId string
		if err := rows.Scan(&userId); err != nil {
			return nil, err
		}
		members = append(members, userId)
	}

	return members, rows.Err()
}
