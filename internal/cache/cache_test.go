package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hivegrid/coordinator/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, time.Hour, time.Minute, zap.NewNop()), mr
}

func TestLookupMiss(t *testing.T) {
	c, _ := newTestCache(t)

	res, err := c.LookupResult(context.Background(), "req-1", "sha:abc")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestStoreAndLookup(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.StoreResult(ctx, "req-1", "sha:abc", &CachedResult{
		Payload: "42",
		PeerID:  "peer-a",
	}))

	res, err := c.LookupResult(ctx, "req-1", "sha:abc")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "42", res.Payload)
	assert.Equal(t, "peer-a", res.PeerID)

	// Scoped per requester.
	res, err = c.LookupResult(ctx, "req-2", "sha:abc")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestCorruptEntryTreatedAsMiss(t *testing.T) {
	c, mr := newTestCache(t)

	require.NoError(t, mr.Set(model.ResultKey("req-1", "sha:abc"), "{not json"))
	res, err := c.LookupResult(context.Background(), "req-1", "sha:abc")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestAcquireInflightCollapses(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	id, created, err := c.AcquireInflight(ctx, "req-1", "sha:abc", "t1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "t1", id)

	// Identical submission rides the in-flight task.
	id, created, err = c.AcquireInflight(ctx, "req-1", "sha:abc", "t2")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "t1", id)

	// Different requester, independent sentinel.
	id, created, err = c.AcquireInflight(ctx, "req-2", "sha:abc", "t3")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "t3", id)
}

func TestReleaseInflightAllowsFreshTask(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, created, err := c.AcquireInflight(ctx, "req-1", "sha:abc", "t1")
	require.NoError(t, err)
	require.True(t, created)

	c.ReleaseInflight(ctx, "req-1", "sha:abc")

	id, created, err := c.AcquireInflight(ctx, "req-1", "sha:abc", "t2")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "t2", id)
}

func TestStoreResultClearsSentinel(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, _, err := c.AcquireInflight(ctx, "req-1", "sha:abc", "t1")
	require.NoError(t, err)

	require.NoError(t, c.StoreResult(ctx, "req-1", "sha:abc", &CachedResult{Payload: "42"}))

	// The sentinel is gone; a later identical submission starts fresh
	// (and would hit the result cache before getting here anyway).
	_, created, err := c.AcquireInflight(ctx, "req-1", "sha:abc", "t2")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestSentinelExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, _, err := c.AcquireInflight(ctx, "req-1", "sha:abc", "t1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	id, created, err := c.AcquireInflight(ctx, "req-1", "sha:abc", "t2")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "t2", id)
}
