package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := newFakeClock()
	lim := NewRedis(client, "test")
	lim.now = clock.Now
	return lim, mr, clock
}

func TestRedisThresholdAndWindowReset(t *testing.T) {
	lim, _, clock := newTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := lim.Allow(ctx, "otp:1.2.3.4:a@x.com", time.Minute, 3)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := lim.Allow(ctx, "otp:1.2.3.4:a@x.com", time.Minute, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(time.Minute + time.Millisecond)
	ok, err = lim.Allow(ctx, "otp:1.2.3.4:a@x.com", time.Minute, 3)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisKeysAreIsolatedAndNamespaced(t *testing.T) {
	lim, mr, _ := newTestRedis(t)
	ctx := context.Background()

	ok, err := lim.Allow(ctx, "a", time.Minute, 1)
	require.NoError(t, err)
	require.True(t, ok)
	ok, _ = lim.Allow(ctx, "a", time.Minute, 1)
	require.False(t, ok)
	ok, _ = lim.Allow(ctx, "b", time.Minute, 1)
	assert.True(t, ok)

	assert.True(t, mr.Exists("test:a"))
	assert.True(t, mr.Exists("test:b"))
	assert.Greater(t, mr.TTL("test:a"), time.Duration(0))
}

func TestRedisFailsClosedWhenUnreachable(t *testing.T) {
	lim, mr, _ := newTestRedis(t)
	mr.Close()

	ok, err := lim.Allow(context.Background(), "a", time.Minute, 10)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Error(t, lim.Ping(context.Background()))
}

func TestRedisPrefixTrailingColon(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lim := NewRedis(client, "recoverdesk:rl:")
	ok, err := lim.Allow(context.Background(), "login_ip:192.0.2.1", time.Minute, 5)
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, mr.Exists("recoverdesk:rl:login_ip:192.0.2.1"))
	assert.False(t, mr.Exists("recoverdesk:rl::login_ip:192.0.2.1"))
}
