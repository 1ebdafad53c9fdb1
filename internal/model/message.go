package model

import (
	"encoding/json"
	"time"
)

// Attachment 附件
type Attachment struct {
	Type string `json:"type"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ReplyRef 引用回复
type ReplyRef struct {
	Id         string `json:"id"`
	Text       string `json:"text"`
	SenderName string `json:"senderName"`
}

// Metadata 消息元数据
type Metadata struct {
	Attachments []Attachment `json:"attachments"`
	ReplyingTo  *ReplyRef    `json:"replyingTo"`
}

// Message 消息实体
type Message struct {
	Id             string    `json:"id"`
	ConversationId string    `json:"conversationId"`
	SenderId       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	IsEdited       bool      `json:"isEdited"`
	Metadata       Metadata  `json:"metadata"`
	ClientMsgId    string    `json:"clientMsgId,omitempty"`
}

// Before 时间线顺序：先按创建时间，时间相同按 ID
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.Id < other.Id
}

// ParseMetadata 宽松解析元数据
// 解析失败的字段退化为默认值（空附件列表 / 无引用），不影响整条消息
func ParseMetadata(raw []byte) Metadata {
	md := Metadata{Attachments: []Attachment{}}
	if len(raw) == 0 {
		return md
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return md
	}

	if data, ok := fields["attachments"]; ok {
		var items []json.RawMessage
		if json.Unmarshal(data, &items) == nil {
			for _, item := range items {
				var a Attachment
				if json.Unmarshal(item, &a) == nil && (a.URL != "" || a.Name != "") {
					md.Attachments = append(md.Attachments, a)
				}
			}
		}
	}

	if data, ok := fields["replyingTo"]; ok {
		var ref ReplyRef
		if json.Unmarshal(data, &ref) == nil && ref.Id != "" {
			md.ReplyingTo = &ref
		}
	}

	return md
}

// Encode 序列化元数据用于存储
func (md Metadata) Encode() []byte {
	if md.Attachments == nil {
		md.Attachments = []Attachment{}
	}
	data, _ := json.Marshal(md)
	return data
}
