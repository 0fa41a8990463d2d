package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.civic.realtime/internal/model"
)

func getTestClient(t *testing.T, nodeID string) *Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb, nodeID, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestUserLocation_LatestSessionWins(t *testing.T) {
	c := getTestClient(t, "node-a")
	ctx := context.Background()
	userID := "test-" + uuid.NewString()

	require.NoError(t, c.RegisterUserLocation(ctx, userID, "s1"))
	require.NoError(t, c.RegisterUserLocation(ctx, userID, "s2"))

	// the superseded session disconnecting must not erase s2
	removed, err := c.UnregisterUserLocation(ctx, userID, "s1")
	require.NoError(t, err)
	assert.False(t, removed)

	loc, err := c.GetUserLocation(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.Equal(t, "s2", loc.SessionID)
	assert.Equal(t, "node-a", loc.NodeID)

	removed, err = c.UnregisterUserLocation(ctx, userID, "s2")
	require.NoError(t, err)
	assert.True(t, removed)

	loc, err = c.GetUserLocation(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, loc)
}

func TestClaimNotification_OnlyOnce(t *testing.T) {
	a := getTestClient(t, "node-a")
	b := getTestClient(t, "node-b")
	ctx := context.Background()
	id := "test-" + uuid.NewString()

	ok, err := a.ClaimNotification(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.ClaimNotification(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseNotification_OnlyOwnClaim(t *testing.T) {
	a := getTestClient(t, "node-a")
	b := getTestClient(t, "node-b")
	ctx := context.Background()
	id := "test-" + uuid.NewString()

	ok, err := a.ClaimNotification(ctx, id, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// b does not own the claim, so it stays
	require.NoError(t, b.ReleaseNotification(ctx, id))
	ok, err = b.ClaimNotification(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.ReleaseNotification(ctx, id))
	ok, err = b.ClaimNotification(ctx, id, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProfileCache(t *testing.T) {
	c := getTestClient(t, "node-a")
	ctx := context.Background()
	user := model.User{ID: "test-" + uuid.NewString(), DisplayName: "Ana", Email: "ana@example.org"}

	got, err := c.GetProfile(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.SetProfile(ctx, user, time.Minute))
	got, err = c.GetProfile(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, &user, got)
}
