package model

import "time"

// ConversationKind 会话类型
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct" // 私聊
	ConversationGroup  ConversationKind = "group"  // 群聊
)

// ConversationRecord 存储层的原始会话行
// 同一对私聊用户之间可能存在多行（外部数据问题），这里只做容忍
type ConversationRecord struct {
	Id                 string           `json:"id"`
	Kind               ConversationKind `json:"kind"`
	Title              *string          `json:"title"`
	ParticipantIds     []string         `json:"participantIds"`
	Participants       []User           `json:"participants"`
	LastMessageAt      *time.Time       `json:"lastMessageAt"`
	LastMessagePreview string           `json:"lastMessagePreview"`
	UnreadCount        int              `json:"unreadCount"`
}

// Counterpart 返回私聊中的对方 ID，找不到时返回空串
func (r *ConversationRecord) Counterpart(selfId string) string {
	for _, id := range r.ParticipantIds {
		if id != selfId {
			return id
		}
	}
	return ""
}

// HasParticipant 判断用户是否在会话中
func (r *ConversationRecord) HasParticipant(userId string) bool {
	for _, id := range r.ParticipantIds {
		if id == userId {
			return true
		}
	}
	return false
}

// LogicalThread 用户可见的逻辑会话
// 私聊按对方 ID 聚合，群聊按会话 ID（群聊从不合并）
type LogicalThread struct {
	Key             string           `json:"key"`
	Kind            ConversationKind `json:"kind"`
	Title           string           `json:"title"`
	Preview         string           `json:"preview"`
	Timestamp       *time.Time       `json:"timestamp"`
	PrimaryId       string           `json:"primaryId"`       // 最近活跃的底层会话
	ConversationIds []string         `json:"conversationIds"` // 全部底层会话
	Participants    []User           `json:"participants"`
	UnreadCount     int              `json:"unreadCount"`
}

// Contains 判断底层会话是否属于该逻辑会话
func (t *LogicalThread) Contains(conversationId string) bool {
	for _, id := range t.ConversationIds {
		if id == conversationId {
			return true
		}
	}
	return false
}
