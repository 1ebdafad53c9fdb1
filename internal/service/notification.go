package service

import (
	"context"
	"log/slog"
	"sync"
	"unicode/utf8"

	"sudooom.im.sync/internal/model"
)

// 通知预览最大字符数
const previewRunes = 80

// NotificationGate 决定一条入站消息是否以及如何提醒用户
type NotificationGate struct {
	store     SettingsPersister
	namespace string
	logger    *slog.Logger

	mu       sync.RWMutex
	settings model.NotificationSettings
}

// NewNotificationGate 创建通知闸门，启动时读取一次已保存的偏好，失败则使用默认值
func NewNotificationGate(ctx context.Context, store SettingsPersister, namespace string) *NotificationGate {
	g := &NotificationGate{
		store:     store,
		namespace: namespace,
		logger:    slog.Default(),
		settings:  model.DefaultNotificationSettings(),
	}

	if store != nil {
		settings, err := store.LoadNotificationSettings(ctx, namespace)
		if err != nil {
			g.logger.Warn("Failed to load notification settings, using defaults",
				"namespace", namespace,
				"error", err)
		} else {
			g.settings = settings
		}
	}
	return g
}

// Settings 当前偏好
func (g *NotificationGate) Settings() model.NotificationSettings {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.settings
}

// UpdateSettings 修改偏好并立即写回；写回失败时内存中的偏好仍然生效
func (g *NotificationGate) UpdateSettings(ctx context.Context, settings model.NotificationSettings) error {
	g.mu.Lock()
	g.settings = settings
	g.mu.Unlock()

	if g.store == nil {
		return nil
	}
	if err := g.store.SaveNotificationSettings(ctx, g.namespace, settings); err != nil {
		g.logger.Error("Failed to persist notification settings",
			"namespace", g.namespace,
			"error", err)
		return err
	}
	return nil
}

// Evaluate 计算通知意图；sender 为空时使用 senderId 作为展示名
func (g *NotificationGate) Evaluate(msg *model.Message, messageThreadKey, selfId string, viewing model.ViewingState, sender *model.User) model.NotificationIntent {
	intent := model.NotificationIntent{
		NotificationDecision: ShouldNotify(msg, messageThreadKey, selfId, viewing, g.Settings()),
		ThreadKey:            messageThreadKey,
		MessageId:            msg.Id,
		SenderId:             msg.SenderId,
		SenderName:           msg.SenderId,
		Preview:              Preview(msg),
	}
	if sender != nil && sender.DisplayName != "" {
		intent.SenderName = sender.DisplayName
	}
	return intent
}

// ShouldNotify 纯函数：自己发出的消息不提醒；
// 正在查看的会话只可能响铃；其余会话按偏好提醒，系统通知仅在应用不可见时弹出
func ShouldNotify(msg *model.Message, messageThreadKey, selfId string, viewing model.ViewingState, settings model.NotificationSettings) model.NotificationDecision {
	if msg.SenderId == selfId {
		return model.NotificationDecision{}
	}

	if viewing.ThreadKey != "" && viewing.ThreadKey == messageThreadKey {
		return model.NotificationDecision{Sound: settings.SoundEnabled}
	}

	return model.NotificationDecision{
		Sound: settings.SoundEnabled,
		InApp: settings.InAppNotifications,
		OS:    settings.BrowserNotifications && !viewing.Visible,
	}
}

// Preview 通知预览文本，无文字时用附件名代替
func Preview(msg *model.Message) string {
	text := msg.Content
	if text == "" && len(msg.Metadata.Attachments) > 0 {
		text = "[" + msg.Metadata.Attachments[0].Name + "]"
	}
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewRunes]) + "…"
}
