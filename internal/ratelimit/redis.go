package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript bumps the counter and arms its expiry on the first hit of a window, atomically.
// It returns the new count and the remaining window in milliseconds.
var incrementScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisStore keeps counters in Redis so several gateway nodes can share them. Windows end when
// the key expires.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a store writing keys under prefix (e.g. "wfg:rl:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{s.prefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis increment %s: %w", key, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, time.Time{}, fmt.Errorf("redis increment %s: unexpected script result %v", key, res)
	}
	count, ok := vals[0].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("redis increment %s: non-integer count %v", key, vals[0])
	}
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 || ttlMs > window.Milliseconds() {
		ttlMs = window.Milliseconds()
	}
	elapsed := window - time.Duration(ttlMs)*time.Millisecond
	return int(count), s.now().Add(-elapsed), nil
}
