package proto

import (
	"encoding/json"
	"time"

	"sudooom.im.sync/internal/model"
)

// ============== 变更流 (CDC -> Sync) ==============

// ChangeType 变更类型
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
)

// MessageWire 消息线上格式
type MessageWire struct {
	Id             string          `json:"id"`
	ConversationId string          `json:"conversationId"`
	SenderId       string          `json:"senderId"`
	Content        string          `json:"content"`
	CreatedAt      time.Time       `json:"createdAt"` // RFC3339Nano，保留数据库的微秒精度
	IsEdited       bool            `json:"isEdited"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	ClientMsgId    string          `json:"clientMsgId,omitempty"`
}

// ChangeEvent 消息表变更事件
type ChangeEvent struct {
	Type  ChangeType  `json:"type"`
	Table string      `json:"table"`
	Row   MessageWire `json:"row"`
}

// ConversationChanged 粗粒度"会话有变化"信号
type ConversationChanged struct {
	ConversationId string `json:"conversationId"`
	UserId         string `json:"userId"`
	At             int64  `json:"at"`
}

// ============== 广播频道 (Presence / Typing) ==============

// 广播事件名
const (
	EventTyping   = "typing"
	EventPresence = "presence"
)

// BroadcastEnvelope 广播消息封装
type BroadcastEnvelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// TypingPayload 正在输入信号
type TypingPayload struct {
	ConversationId string `json:"conversationId"`
	UserId         string `json:"userId"`
}

// PresencePayload 在线状态变更提示（收到后触发一次全量同步）
type PresencePayload struct {
	UserId string `json:"userId"`
	Online bool   `json:"online"`
}

// ============== 转换 ==============

// ToWire 模型转线上格式
func ToWire(m *model.Message) MessageWire {
	return MessageWire{
		Id:             m.Id,
		ConversationId: m.ConversationId,
		SenderId:       m.SenderId,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		IsEdited:       m.IsEdited,
		Metadata:       m.Metadata.Encode(),
		ClientMsgId:    m.ClientMsgId,
	}
}

// FromWire 线上格式转模型，元数据宽松解析
func FromWire(w *MessageWire) model.Message {
	return model.Message{
		Id:             w.Id,
		ConversationId: w.ConversationId,
		SenderId:       w.SenderId,
		Content:        w.Content,
		CreatedAt:      w.CreatedAt,
		IsEdited:       w.IsEdited,
		Metadata:       model.ParseMetadata(w.Metadata),
		ClientMsgId:    w.ClientMsgId,
	}
}
