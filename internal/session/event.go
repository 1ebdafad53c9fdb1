package session

import (
	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
)

// EventType 推送给 UI 的事件类型
type EventType string

const (
	EventInbox        EventType = "inbox"
	EventTimeline     EventType = "timeline"
	EventPresence     EventType = "presence"
	EventTyping       EventType = "typing"
	EventNotification EventType = "notification"
	EventError        EventType = "error"
)

// Event 视图模型快照，每个事件都携带完整状态，丢弃中间事件不影响最终一致
type Event struct {
	Type         EventType                 `json:"type"`
	Generation   uint64                    `json:"generation,omitempty"`
	ThreadKey    string                    `json:"threadKey,omitempty"`
	Loading      bool                      `json:"loading,omitempty"`
	Threads      []model.LogicalThread     `json:"threads,omitempty"`
	Messages     []model.Message           `json:"messages,omitempty"`
	Online       []string                  `json:"online,omitempty"`
	Typing       []string                  `json:"typing,omitempty"`
	Notification *model.NotificationIntent `json:"notification,omitempty"`
	Error        *ErrorInfo                `json:"error,omitempty"`
}

// ErrorInfo 错误事件
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func errorInfo(err error) *ErrorInfo {
	return &ErrorInfo{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
	}
}
