package presence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sudooom.im.sync/internal/config"
)

// 注意：这些测试需要一个运行中的 Redis 实例
// 如果没有 Redis，测试将被跳过

func getTestRedisClient(t *testing.T) *redis.Client {
	client := NewRedisClient(config.RedisConfig{
		Host: "localhost",
		Port: 6379,
		DB:   15, // 使用测试专用数据库
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("跳过测试：无法连接 Redis: %v", err)
	}

	client.FlushDB(ctx)
	return client
}

func TestRegistry_MembersIsFullSnapshot(t *testing.T) {
	client := getTestRedisClient(t)
	defer client.Close()

	reg := NewRegistry(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, reg.Touch(ctx, "ch", "u1", "s1"))
	require.NoError(t, reg.Touch(ctx, "ch", "u2", "s2"))
	require.NoError(t, reg.Touch(ctx, "ch", "u1", "s1"))

	members, err := reg.Members(ctx, "ch")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, members)

	require.NoError(t, reg.Remove(ctx, "ch", "u2", "s2"))
	members, err = reg.Members(ctx, "ch")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, members)
}

func TestRegistry_StaleMembersExcluded(t *testing.T) {
	client := getTestRedisClient(t)
	defer client.Close()

	reg := NewRegistry(client, time.Minute)
	ctx := context.Background()

	base := time.Now()
	reg.now = func() time.Time { return base.Add(-2 * time.Minute) }
	require.NoError(t, reg.Touch(ctx, "ch", "old", "s1"))

	reg.now = func() time.Time { return base }
	require.NoError(t, reg.Touch(ctx, "ch", "fresh", "s2"))

	members, err := reg.Members(ctx, "ch")
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, members)
}

func TestRegistry_UserStaysOnlineWhileAnySessionRemains(t *testing.T) {
	client := getTestRedisClient(t)
	defer client.Close()

	reg := NewRegistry(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, reg.Touch(ctx, "ch", "u1", "tab-1"))
	require.NoError(t, reg.Touch(ctx, "ch", "u1", "tab-2"))

	members, err := reg.Members(ctx, "ch")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, members)

	require.NoError(t, reg.Remove(ctx, "ch", "u1", "tab-1"))
	members, err = reg.Members(ctx, "ch")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, members, "另一个标签页仍在线")

	require.NoError(t, reg.Remove(ctx, "ch", "u1", "tab-2"))
	members, err = reg.Members(ctx, "ch")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMemberUsers(t *testing.T) {
	got := memberUsers([]string{
		presenceMember("u2", "s1"),
		presenceMember("u1", "s2"),
		presenceMember("u2", "s3"),
		presenceMember("svc:worker", "s4"),
		"legacy",
	})
	assert.Equal(t, []string{"u2", "u1", "svc:worker", "legacy"}, got)
}
