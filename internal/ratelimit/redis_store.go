package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "rl:"

// RedisStore keeps counters as Redis integers that expire with their window.
type RedisStore struct {
	rdc redis.Cmdable
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdc redis.Cmdable) *RedisStore {
	return &RedisStore{rdc: rdc}
}

func redisKey(key string, windowStart time.Time) string {
	return redisKeyPrefix + key + ":" + strconv.FormatInt(windowStart.UnixMilli(), 10)
}

// Increment runs INCR and PEXPIREAT in one MULTI/EXEC.
func (s *RedisStore) Increment(ctx context.Context, key string, windowStart, reset time.Time) (int, error) {
	k := redisKey(key, windowStart)

	var incr *redis.IntCmd
	_, err := s.rdc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.PExpireAt(ctx, k, reset)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", k, err)
	}
	return int(incr.Val()), nil
}

func (s *RedisStore) Count(ctx context.Context, key string, windowStart time.Time) (int, error) {
	k := redisKey(key, windowStart)

	n, err := s.rdc.Get(ctx, k).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get %s: %w", k, err)
	}
	return n, nil
}

// decrScript only touches a live key, so a release after expiry cannot
// leave a negative counter behind.
const decrScript = `
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0`

func (s *RedisStore) Decrement(ctx context.Context, key string, windowStart time.Time) error {
	k := redisKey(key, windowStart)
	if err := s.rdc.Eval(ctx, decrScript, []string{k}).Err(); err != nil {
		return fmt.Errorf("redis decr %s: %w", k, err)
	}
	return nil
}

// Sweep is a no-op: every window key carries its own expiry.
func (s *RedisStore) Sweep(context.Context, time.Time) (int64, error) {
	return 0, nil
}
