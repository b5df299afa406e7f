package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow prunes, counts and conditionally appends in one round trip.
// KEYS[1] bucket; ARGV: now_ms, cutoff_ms, window_ms, max, member.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)
if count >= tonumber(ARGV[4]) then
  redis.call('PEXPIRE', key, ARGV[3])
  return 0
end
redis.call('ZADD', key, ARGV[1], ARGV[5])
redis.call('PEXPIRE', key, ARGV[3])
return 1
`)

// Redis is a sliding-window limiter backed by a shared sorted set per key, so
// every instance behind the load balancer sees the same counts.
type Redis struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedis wraps an existing client. Keys are namespaced as prefix:key; a
// trailing colon on prefix is dropped.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	prefix = strings.TrimRight(prefix, ":")
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

// Allow implements Limiter. Redis failures surface as errors so callers fail closed.
func (r *Redis) Allow(ctx context.Context, key string, window time.Duration, max int) (bool, error) {
	if max <= 0 {
		return false, nil
	}
	now := r.now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()
	res, err := slidingWindow.Run(ctx, r.client,
		[]string{r.prefix + ":" + key},
		now, now-window.Milliseconds(), window.Milliseconds(), max, member,
	).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return res == 1, nil
}

// Ping reports whether the backing store is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
