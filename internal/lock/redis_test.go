package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func TestRedisLockConvergence(t *testing.T) {
	_, client := newTestRedis(t)

	newLock := func() Lock { return NewRedisLock(client, "suite", time.Minute, testLogger()) }
	assertConverged(t, obtainConcurrently(t, 16, newLock, distinct))
}

func TestRedisLockSharedCandidate(t *testing.T) {
	_, client := newTestRedis(t)

	newLock := func() Lock { return NewRedisLock(client, "suite", time.Minute, testLogger()) }
	results := obtainConcurrently(t, 8, newLock, shared)
	assertConverged(t, results)
	assert.Equal(t, "U1", results[0].winner)
}

func TestRedisLockLifecycle(t *testing.T) {
	server, client := newTestRedis(t)
	ctx := context.Background()
	l := NewRedisLock(client, "suite", time.Minute, testLogger())

	first, committed, err := l.ObtainIdentifier(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, committed)
	second, committed, err := l.ObtainIdentifier(ctx, "U2")
	require.NoError(t, err)
	assert.False(t, committed)
	assert.Equal(t, "U1", first)
	assert.Equal(t, "U1", second)

	count, err := server.Get("suite:instances")
	require.NoError(t, err)
	assert.Equal(t, "2", count)
	assert.Greater(t, server.TTL("suite:winner"), time.Duration(0), "winner key must expire")

	require.NoError(t, l.FinishInstance(ctx, "U1"))
	assert.True(t, server.Exists("suite:winner"))

	require.NoError(t, l.FinishInstance(ctx, "U2"))
	assert.False(t, server.Exists("suite:winner"))
	assert.False(t, server.Exists("suite:instances"))

	next, _, err := l.ObtainIdentifier(ctx, "U3")
	require.NoError(t, err)
	assert.Equal(t, "U3", next)
}

func TestRedisLockUnavailable(t *testing.T) {
	server, client := newTestRedis(t)
	server.Close()

	l := NewRedisLock(client, "suite", time.Minute, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := l.ObtainIdentifier(ctx, "U1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, l.FinishInstance(ctx, "U1"), ErrUnavailable)
}
