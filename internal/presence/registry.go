package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"sudooom.im.sync/internal/config"
)

const (
	// PresenceKeyPrefix 在线集合 Redis Key 前缀
	// Key: im:sync:presence:{channel}，ZSET member={userId}:{sessionId} score=最后心跳(毫秒)
	PresenceKeyPrefix = "im:sync:presence:"
)

// BuildPresenceKey 构建在线集合 Key
func BuildPresenceKey(channel string) string {
	return PresenceKeyPrefix + channel
}

// Registry 基于 Redis 的在线登记表
type Registry struct {
	client *redis.Client
	window time.Duration // 超过该时长未心跳视为离线
	now    func() time.Time
}

// NewRegistry 创建在线登记表
func NewRegistry(client *redis.Client, window time.Duration) *Registry {
	if window <= 0 {
		window = 45 * time.Second
	}
	return &Registry{
		client: client,
		window: window,
		now:    time.Now,
	}
}

// Touch 刷新某个会话的心跳，并顺带清理过期成员
// 同一用户的多个会话各自登记，互不覆盖
func (r *Registry) Touch(ctx context.Context, channel, userId, sessionId string) error {
	key := BuildPresenceKey(channel)
	now := r.now()

	pipe := r.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: presenceMember(userId, sessionId)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", now.Add(-r.window).UnixMilli()))
	pipe.Expire(ctx, key, r.window*2)
	_, err := pipe.Exec(ctx)

	return err
}

// Remove 移除某个会话，用户的其他会话仍然在线
func (r *Registry) Remove(ctx context.Context, channel, userId, sessionId string) error {
	return r.client.ZRem(ctx, BuildPresenceKey(channel), presenceMember(userId, sessionId)).Err()
}

// Members 获取全部在线用户（全量，不做增量），多会话的用户只出现一次
func (r *Registry) Members(ctx context.Context, channel string) ([]string, error) {
	since := strconv.FormatInt(r.now().Add(-r.window).UnixMilli(), 10)
	members, err := r.client.ZRangeByScore(ctx, BuildPresenceKey(channel), &redis.ZRangeBy{
		Min: since,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	return memberUsers(members), nil
}

func presenceMember(userId, sessionId string) string {
	return userId + ":" + sessionId
}

// memberUsers 从成员中取出用户 ID，保持原有顺序并去重
func memberUsers(members []string) []string {
	seen := make(map[string]struct{}, len(members))
	users := make([]string, 0, len(members))
	for _, m := range members {
		userId := m
		if i := strings.LastIndex(m, ":"); i >= 0 {
			userId = m[:i]
		}
		if _, ok := seen[userId]; ok {
			continue
		}
		seen[userId] = struct{}{}
		users = append(users, userId)
	}
	return users
}

// Ping 健康检查
func (r *Registry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// NewRedisClient 按配置创建 Redis 客户端
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}
