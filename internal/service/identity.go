package service

import (
	"context"
	"log/slog"
	"sort"

	"sudooom.im.sync/internal/model"
)

// IdentityResolver 计算"同一段关系"对应的全部底层会话
type IdentityResolver struct {
	lookup DirectConversationLookup
	logger *slog.Logger
}

// NewIdentityResolver 创建身份解析器
func NewIdentityResolver(lookup DirectConversationLookup) *IdentityResolver {
	return &IdentityResolver{
		lookup: lookup,
		logger: slog.Default(),
	}
}

// Resolve 返回同时包含 self 与 counterpart 的全部私聊会话
func (r *IdentityResolver) Resolve(ctx context.Context, selfId, counterpartId string) ([]string, error) {
	counterpartIds, err := r.lookup.DirectConversationIds(ctx, counterpartId)
	if err != nil {
		return nil, err
	}
	selfIds, err := r.lookup.DirectConversationIds(ctx, selfId)
	if err != nil {
		return nil, err
	}

	mine := make(map[string]struct{}, len(selfIds))
	for _, id := range selfIds {
		mine[id] = struct{}{}
	}

	var shared []string
	for _, id := range counterpartIds {
		if _, ok := mine[id]; ok {
			shared = append(shared, id)
			delete(mine, id)
		}
	}

	sort.Strings(shared)
	return shared, nil
}

// ResolveThread 解析逻辑会话需要订阅与加载的底层会话
// 群聊不合并；查询失败时退化为收件箱已知的 ID
func (r *IdentityResolver) ResolveThread(ctx context.Context, selfId string, thread *model.LogicalThread) []string {
	known := knownIds(thread)
	if thread.Kind == model.ConversationGroup {
		return []string{thread.PrimaryId}
	}

	resolved, err := r.Resolve(ctx, selfId, thread.Key)
	if err != nil {
		r.logger.Warn("Identity lookup failed, using inbox ids",
			"userId", selfId,
			"counterpartId", thread.Key,
			"conversationIds", known,
			"error", err)
		return known
	}

	return unionSorted(known, resolved)
}

func knownIds(thread *model.LogicalThread) []string {
	if len(thread.ConversationIds) == 0 {
		return []string{thread.PrimaryId}
	}
	return unionSorted(thread.ConversationIds, []string{thread.PrimaryId})
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
