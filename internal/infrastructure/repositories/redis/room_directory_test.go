package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"pepehouse/internal/core/domain"
	"pepehouse/pkg/circuitbreaker"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testBreaker() *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		MaxRequestsHalfOpen: 1,
	})
}

func unreachableClient(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	return client
}

// liveClient connects to the Redis named by PEPEHOUSE_TEST_REDIS.
func liveClient(t *testing.T) *redis.Client {
	addr := os.Getenv("PEPEHOUSE_TEST_REDIS")
	if addr == "" {
		t.Skip("PEPEHOUSE_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

func testPrefix() string {
	return "pepehouse-test:" + uuid.NewString() + ":"
}

func TestRedisRoomDirectory_UnreachableRedis(t *testing.T) {
	dir := NewRedisRoomDirectory(unreachableClient(t), "pepehouse:", "node-1", time.Second, testBreaker(), zap.NewNop().Sugar())
	ctx := context.Background()

	err := dir.Claim(ctx, "r1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrRoomClaimed)

	_, err = dir.Owner(ctx, "r1")
	require.Error(t, err)

	// Two failures open the breaker; later calls fail fast.
	err = dir.Claim(ctx, "r1")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Zero(t, dir.HeldRooms())
}

func TestRedisRoomDirectory_ReleaseUnknownRoom(t *testing.T) {
	dir := NewRedisRoomDirectory(unreachableClient(t), "pepehouse:", "node-1", time.Second, testBreaker(), zap.NewNop().Sugar())
	assert.NoError(t, dir.Release(context.Background(), "never-claimed"))
}

func TestRedisRoomDirectory_ClaimLifecycle(t *testing.T) {
	client := liveClient(t)
	prefix := testPrefix()
	ctx := context.Background()

	a := NewRedisRoomDirectory(client, prefix, "node-a", 2*time.Second, testBreaker(), zap.NewNop().Sugar())
	b := NewRedisRoomDirectory(client, prefix, "node-b", 2*time.Second, testBreaker(), zap.NewNop().Sugar())
	t.Cleanup(func() { a.Close(ctx); b.Close(ctx) })

	require.NoError(t, a.Claim(ctx, "r1"))
	assert.ErrorIs(t, b.Claim(ctx, "r1"), domain.ErrRoomClaimed)

	owner, err := b.Owner(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", owner)

	require.NoError(t, a.Release(ctx, "r1"))
	owner, err = b.Owner(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, owner)

	require.NoError(t, b.Claim(ctx, "r1"))
}

func TestRedisRoomDirectory_ClaimIsRenewed(t *testing.T) {
	client := liveClient(t)
	prefix := testPrefix()
	ctx := context.Background()

	dir := NewRedisRoomDirectory(client, prefix, "node-a", time.Second, testBreaker(), zap.NewNop().Sugar())
	t.Cleanup(func() { dir.Close(ctx) })

	require.NoError(t, dir.Claim(ctx, "r1"))
	time.Sleep(2500 * time.Millisecond)

	owner, err := dir.Owner(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", owner)
}

func TestMigrate_DropsClaimsWithoutTTL(t *testing.T) {
	client := liveClient(t)
	prefix := testPrefix()
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, prefix+"room:stale", "node-x", 0).Err())
	require.NoError(t, client.Set(ctx, prefix+"room:live", "node-y", time.Minute).Err())
	t.Cleanup(func() {
		client.Del(ctx, prefix+"room:live", schemaVersionKey(prefix))
	})

	require.NoError(t, Migrate(ctx, client, prefix, zap.NewNop().Sugar()))

	assert.Equal(t, int64(0), client.Exists(ctx, prefix+"room:stale").Val())
	assert.Equal(t, int64(1), client.Exists(ctx, prefix+"room:live").Val())

	version, err := getSchemaVersion(ctx, client, prefix)
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
}
