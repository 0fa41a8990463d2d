package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStore_Ceiling(t *testing.T) {
	client := getTestRedis(t)
	store := NewRedisStore(client, "test:rl:"+uuid.NewString())
	ctx := context.Background()
	rule := Rule{Window: time.Minute, Ceiling: 2}
	now := time.Now()

	for i := 0; i < 2; i++ {
		ok, err := store.Allow(ctx, ClassMessage, "u1", rule, now, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := store.Allow(ctx, ClassMessage, "u1", rule, now, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Allow(ctx, ClassMessage, "u1", rule, now.Add(time.Minute), 1)
	require.NoError(t, err)
	assert.True(t, ok, "next window starts fresh")
}

func TestRedisStore_CostOverCeilingCountsNothing(t *testing.T) {
	client := getTestRedis(t)
	store := NewRedisStore(client, "test:rl:"+uuid.NewString())
	ctx := context.Background()
	rule := Rule{Window: time.Minute, Ceiling: 3}
	now := time.Now()

	ok, err := store.Allow(ctx, ClassMessage, "u1", rule, now, 2)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Allow(ctx, ClassMessage, "u1", rule, now, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Allow(ctx, ClassMessage, "u1", rule, now, 1)
	require.NoError(t, err)
	assert.True(t, ok, "the denied batch left the last slot free")
}
