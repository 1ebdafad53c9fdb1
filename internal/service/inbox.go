package service

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
)

// InboxAggregator 把原始会话行折叠为逻辑会话列表
type InboxAggregator struct {
	source ConversationSource
	scope  string
	logger *slog.Logger

	mu       sync.RWMutex
	lastGood map[string][]model.LogicalThread
}

// NewInboxAggregator 创建收件箱聚合器
func NewInboxAggregator(source ConversationSource, scope string) *InboxAggregator {
	return &InboxAggregator{
		source:   source,
		scope:    scope,
		logger:   slog.Default(),
		lastGood: make(map[string][]model.LogicalThread),
	}
}

// Load 拉取并折叠收件箱
// 拉取失败时返回最近一次成功的结果和 ErrFetchFailed，调用方可继续使用该列表
func (a *InboxAggregator) Load(ctx context.Context, userId string) ([]model.LogicalThread, error) {
	records, err := a.source.ListConversations(ctx, userId, a.scope)
	if err != nil {
		a.logger.Error("Failed to fetch conversations",
			"userId", userId,
			"scope", a.scope,
			"error", err)

		a.mu.RLock()
		cached := a.lastGood[userId]
		a.mu.RUnlock()
		return cached, apperrors.ErrFetchFailed.Wrap(err)
	}

	threads := Fold(userId, records)

	a.mu.Lock()
	a.lastGood[userId] = threads
	a.mu.Unlock()

	a.logger.Debug("Inbox loaded",
		"userId", userId,
		"records", len(records),
		"threads", len(threads))
	return threads, nil
}

// Forget 丢弃用户的缓存结果
func (a *InboxAggregator) Forget(userId string) {
	a.mu.Lock()
	delete(a.lastGood, userId)
	a.mu.Unlock()
}

// Fold 纯函数：私聊按对方 ID 合并，保留最近活跃的一行作为展示，其余 ID 留作消息聚合
// 群聊按会话 ID 一一对应；结果按时间倒序，无时间的排最后
func Fold(userId string, records []model.ConversationRecord) []model.LogicalThread {
	index := make(map[string]int, len(records))
	threads := make([]model.LogicalThread, 0, len(records))

	for i := range records {
		rec := &records[i]
		key := threadKey(userId, rec)
		slot := string(rec.Kind) + ":" + key

		pos, ok := index[slot]
		if !ok {
			index[slot] = len(threads)
			threads = append(threads, newThread(userId, key, rec))
			continue
		}

		t := &threads[pos]
		t.UnreadCount += rec.UnreadCount
		t.ConversationIds = unionSorted(t.ConversationIds, []string{rec.Id})
		if later(rec.LastMessageAt, t.Timestamp) {
			unread, ids := t.UnreadCount, t.ConversationIds
			*t = newThread(userId, key, rec)
			t.UnreadCount, t.ConversationIds = unread, ids
		}
	}

	sort.SliceStable(threads, func(i, j int) bool {
		ti, tj := threads[i].Timestamp, threads[j].Timestamp
		if ti == nil || tj == nil {
			return ti != nil && tj == nil
		}
		return ti.After(*tj)
	})

	return threads
}

// FindThread 按 Key 查找逻辑会话
func FindThread(threads []model.LogicalThread, key string) (*model.LogicalThread, bool) {
	for i := range threads {
		if threads[i].Key == key {
			return &threads[i], true
		}
	}
	return nil, false
}

// ThreadKeyOf 返回底层会话所属的逻辑会话 Key
func ThreadKeyOf(threads []model.LogicalThread, conversationId string) (string, bool) {
	for i := range threads {
		if threads[i].Contains(conversationId) {
			return threads[i].Key, true
		}
	}
	return "", false
}

func threadKey(userId string, rec *model.ConversationRecord) string {
	if rec.Kind == model.ConversationGroup {
		return rec.Id
	}
	if counterpart := rec.Counterpart(userId); counterpart != "" {
		return counterpart
	}
	// 只有自己的私聊
	return rec.Id
}

func newThread(userId, key string, rec *model.ConversationRecord) model.LogicalThread {
	return model.LogicalThread{
		Key:             key,
		Kind:            rec.Kind,
		Title:           threadTitle(userId, key, rec),
		Preview:         rec.LastMessagePreview,
		Timestamp:       rec.LastMessageAt,
		PrimaryId:       rec.Id,
		ConversationIds: []string{rec.Id},
		Participants:    rec.Participants,
		UnreadCount:     rec.UnreadCount,
	}
}

func threadTitle(userId, key string, rec *model.ConversationRecord) string {
	if rec.Kind == model.ConversationGroup {
		if rec.Title != nil && *rec.Title != "" {
			return *rec.Title
		}
		names := make([]string, 0, len(rec.Participants))
		for _, p := range rec.Participants {
			if p.Id != userId && p.DisplayName != "" {
				names = append(names, p.DisplayName)
			}
		}
		if len(names) > 0 {
			return strings.Join(names, ", ")
		}
		return rec.Id
	}

	for _, p := range rec.Participants {
		if p.Id == key && p.DisplayName != "" {
			return p.DisplayName
		}
	}
	if rec.Title != nil && *rec.Title != "" {
		return *rec.Title
	}
	return key
}

// later 判断 a 是否严格晚于 b，nil 视为最早
func later(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}
