package model

// ViewingState 当前打开的逻辑会话（由 UI 上报）
type ViewingState struct {
	ThreadKey string `json:"threadKey"` // 空串表示未打开任何会话
	Visible   bool   `json:"visible"`   // 应用是否处于前台
}

// NotificationSettings 通知偏好（本地持久化）
type NotificationSettings struct {
	SoundEnabled         bool `json:"soundEnabled"`
	InAppNotifications   bool `json:"inAppNotifications"`
	BrowserNotifications bool `json:"browserNotifications"`
}

// DefaultNotificationSettings 首次启动时的默认偏好
func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{
		SoundEnabled:         true,
		InAppNotifications:   true,
		BrowserNotifications: false,
	}
}

// NotificationDecision 单条消息的通知决策
type NotificationDecision struct {
	Sound bool `json:"sound"`
	InApp bool `json:"inApp"`
	OS    bool `json:"os"`
}

// Any 是否需要任何形式的通知
func (d NotificationDecision) Any() bool {
	return d.Sound || d.InApp || d.OS
}

// NotificationIntent 交给 UI 渲染的通知意图
type NotificationIntent struct {
	NotificationDecision
	ThreadKey  string `json:"threadKey"`
	MessageId  string `json:"messageId"`
	SenderId   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Preview    string `json:"preview"`
}
