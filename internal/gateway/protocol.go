package gateway

import (
	"encoding/json"

	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/session"
)

// ActionType UI 发往服务端的操作类型
type ActionType string

const (
	ActionSelect     ActionType = "select"
	ActionSend       ActionType = "send"
	ActionEdit       ActionType = "edit"
	ActionTyping     ActionType = "typing"
	ActionVisibility ActionType = "visibility"
	ActionSettings   ActionType = "settings"
)

// ReplyType 操作应答帧类型，与 session.EventType 共用 type 字段
const ReplyType = "reply"

// Action UI 操作帧
type Action struct {
	Action    ActionType                  `json:"action"`
	RequestId string                      `json:"requestId,omitempty"`
	ThreadKey string                      `json:"threadKey,omitempty"`
	Content   string                      `json:"content,omitempty"`
	Metadata  model.Metadata              `json:"metadata"`
	MessageId string                      `json:"messageId,omitempty"`
	Visible   *bool                       `json:"visible,omitempty"`
	Settings  *model.NotificationSettings `json:"settings,omitempty"`
}

// Reply 操作应答帧
// 只有带 requestId 的操作或失败的操作才会收到应答
type Reply struct {
	Type       string                      `json:"type"`
	RequestId  string                      `json:"requestId,omitempty"`
	Generation uint64                      `json:"generation,omitempty"`
	Message    *model.Message              `json:"message,omitempty"`
	Settings   *model.NotificationSettings `json:"settings,omitempty"`
	Error      *session.ErrorInfo          `json:"error,omitempty"`
}

// DecodeAction 解析操作帧
func DecodeAction(data []byte) (Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return Action{}, apperrors.ErrInvalidParams.Wrap(err)
	}
	if a.Action == "" {
		return Action{}, apperrors.ErrInvalidParams
	}
	return a, nil
}

func replyError(err error) *session.ErrorInfo {
	return &session.ErrorInfo{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
	}
}
