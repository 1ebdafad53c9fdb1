package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/workerpool"
	"sudooom.im.sync/pkg/proto"
)

// Notification pg_notify 载荷
type Notification struct {
	Type           proto.ChangeType `json:"type"`
	Table          string           `json:"table"`
	Id             string           `json:"id"`
	ConversationId string           `json:"conversationId"`
}

// ParseNotification 解析触发器发出的载荷
func ParseNotification(payload string) (Notification, error) {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return n, err
	}
	if n.Id == "" || n.ConversationId == "" {
		return n, fmt.Errorf("incomplete notification: %q", payload)
	}
	switch n.Type {
	case proto.ChangeInsert, proto.ChangeUpdate:
	default:
		return n, fmt.Errorf("unsupported change type %q", n.Type)
	}
	return n, nil
}

// MessageLookup 回查消息完整行
type MessageLookup interface {
	FindByID(ctx context.Context, id string) (*model.Message, error)
}

// ParticipantLookup 查询会话成员
type ParticipantLookup interface {
	ParticipantIds(ctx context.Context, conversationId string) ([]string, error)
}

// Publisher 变更发布
type Publisher interface {
	PublishChange(ev proto.ChangeEvent) error
	PublishConversationChanged(conversationId string, userIds []string) error
}

// Relay 把数据库变更通知转发到 NATS
type Relay struct {
	db           *pgxpool.Pool
	channel      string
	messages     MessageLookup
	participants ParticipantLookup
	publisher    Publisher
	pool         *workerpool.Pool // 可选，按会话分片保证同一会话内的顺序
	retryWait    time.Duration
	logger       *slog.Logger
}

// NewRelay 创建 CDC relay
func NewRelay(db *pgxpool.Pool, channel string, messages MessageLookup, participants ParticipantLookup, publisher Publisher, pool *workerpool.Pool) *Relay {
	return &Relay{
		db:           db,
		channel:      channel,
		messages:     messages,
		participants: participants,
		publisher:    publisher,
		pool:         pool,
		retryWait:    2 * time.Second,
		logger:       slog.Default(),
	}
}

// Run 阻塞监听直到 ctx 取消；连接断开后自动重连
// 断线期间的变更不会补发，客户端依赖下一次全量加载兜底
func (r *Relay) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		err := r.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Error("CDC listener stopped, retrying", "channel", r.channel, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.retryWait):
		}
	}
	return nil
}

func (r *Relay) listen(ctx context.Context) error {
	conn, err := r.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{r.channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	r.logger.Info("CDC relay listening", "channel", r.channel)

	for {
		pn, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		n, err := ParseNotification(pn.Payload)
		if err != nil {
			r.logger.Warn("Invalid change notification", "payload", pn.Payload, "error", err)
			continue
		}
		r.dispatch(ctx, n)
	}
}

func (r *Relay) dispatch(ctx context.Context, n Notification) {
	run := func() {
		if err := r.relay(ctx, n); err != nil {
			r.logger.Warn("Failed to relay change",
				"messageId", n.Id,
				"conversationId", n.ConversationId,
				"error", err)
		}
	}

	if r.pool == nil || !r.pool.Submit(n.ConversationId, run) {
		run()
	}
}

// Handle 处理一条通知：回查完整行，发布消息变更和会话信号
func (r *Relay) Handle(ctx context.Context, payload string) error {
	n, err := ParseNotification(payload)
	if err != nil {
		return err
	}
	return r.relay(ctx, n)
}

func (r *Relay) relay(ctx context.Context, n Notification) error {
	msg, err := r.messages.FindByID(ctx, n.Id)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && msg == nil) {
		// 已被删除
		r.logger.Debug("Changed row vanished", "messageId", n.Id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load message %s: %w", n.Id, err)
	}

	if err := r.publisher.PublishChange(proto.ChangeEvent{
		Type:  n.Type,
		Table: n.Table,
		Row:   proto.ToWire(msg),
	}); err != nil {
		return err
	}

	// 编辑最后一条消息也会改变收件箱预览
	members, err := r.participants.ParticipantIds(ctx, n.ConversationId)
	if err != nil {
		return fmt.Errorf("failed to load participants: %w", err)
	}
	return r.publisher.PublishConversationChanged(n.ConversationId, members)
}
