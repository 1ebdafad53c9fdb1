package nats

// NATS Subject 常量定义
const (
	// SubjectMessageChangePrefix 消息变更流，完整格式: im.sync.cdc.message.{conversation_id}
	SubjectMessageChangePrefix = "im.sync.cdc.message."

	// SubjectConversationChangedPrefix 粗粒度会话变更信号，完整格式: im.sync.cdc.conversation.{user_id}
	SubjectConversationChangedPrefix = "im.sync.cdc.conversation."

	// SubjectBroadcastPrefix 进程级广播频道（在线状态 / 正在输入），完整格式: im.sync.broadcast.{channel}
	SubjectBroadcastPrefix = "im.sync.broadcast."
)

// BuildMessageChangeSubject 构建会话消息变更 Subject
func BuildMessageChangeSubject(conversationId string) string {
	return SubjectMessageChangePrefix + conversationId
}

// BuildConversationChangedSubject 构建用户会话变更 Subject
func BuildConversationChangedSubject(userId string) string {
	return SubjectConversationChangedPrefix + userId
}

// BuildBroadcastSubject 构建广播频道 Subject
func BuildBroadcastSubject(channel string) string {
	return SubjectBroadcastPrefix + channel
}
