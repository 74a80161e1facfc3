package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript checks every window key against its limit and, only
// when all of them have room, increments them all. Running as one
// script keeps the reservation atomic across the fleet of gates.
//
// KEYS[i]       counter key per window
// ARGV[2i-1]    limit per window
// ARGV[2i]      window span in milliseconds
//
// Reply: { allowed(0/1), count1, pttl1, count2, pttl2, ... }
var reserveScript = redis.NewScript(`
local n = #KEYS
for i = 1, n do
  local count = tonumber(redis.call('GET', KEYS[i]) or '0')
  local limit = tonumber(ARGV[i * 2 - 1])
  if count >= limit then
    local res = {0}
    for j = 1, n do
      res[#res + 1] = tonumber(redis.call('GET', KEYS[j]) or '0')
      res[#res + 1] = redis.call('PTTL', KEYS[j])
    end
    return res
  end
end
local res = {1}
for i = 1, n do
  local count = redis.call('INCR', KEYS[i])
  if count == 1 then
    redis.call('PEXPIRE', KEYS[i], tonumber(ARGV[i * 2]))
  end
  res[#res + 1] = count
  res[#res + 1] = redis.call('PTTL', KEYS[i])
end
return res
`)

// RedisCounterStore keeps window counters in Redis so every gate
// process shares the same quota. Fixed windows are realized as
// counters expiring after their span; the burst window degrades to a
// short fixed window, which is close enough at seconds scale.
type RedisCounterStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// RedisCounterOption configures the RedisCounterStore.
type RedisCounterOption func(*RedisCounterStore)

// WithCounterKeyPrefix overrides the Redis key prefix.
func WithCounterKeyPrefix(prefix string) RedisCounterOption {
	return func(s *RedisCounterStore) {
		s.keyPrefix = prefix
	}
}

// NewRedisCounterStore creates a counter store over a Redis client.
func NewRedisCounterStore(client redis.UniversalClient, options ...RedisCounterOption) (*RedisCounterStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	s := &RedisCounterStore{
		client:    client,
		keyPrefix: "matterline:ratelimit",
	}

	for _, opt := range options {
		opt(s)
	}

	return s, nil
}

// Reserve implements CounterStore via a single script evaluation.
func (s *RedisCounterStore) Reserve(ctx context.Context, credentialID string, windows []WindowLimit, now time.Time) (bool, []WindowState, error) {
	keys := make([]string, len(windows))
	args := make([]interface{}, 0, len(windows)*2)
	for i, w := range windows {
		keys[i] = fmt.Sprintf("%s:%s:%s", s.keyPrefix, credentialID, w.Window)
		args = append(args, w.Limit, w.Duration.Milliseconds())
	}

	raw, err := reserveScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return false, nil, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(raw) != 1+len(windows)*2 {
		return false, nil, fmt.Errorf("rate limit script returned %d values, expected %d", len(raw), 1+len(windows)*2)
	}

	allowed := asInt64(raw[0]) == 1
	states := make([]WindowState, len(windows))
	for i, w := range windows {
		count := asInt64(raw[1+i*2])
		pttl := asInt64(raw[2+i*2])

		resetAt := now.Add(w.Duration)
		if pttl > 0 {
			resetAt = now.Add(time.Duration(pttl) * time.Millisecond)
		}

		remaining := w.Limit - int(count)
		if remaining < 0 {
			remaining = 0
		}
		states[i] = WindowState{
			Window:    w.Window,
			Limit:     w.Limit,
			Remaining: remaining,
			ResetAt:   resetAt,
			Violated:  !allowed && int(count) >= w.Limit,
		}
	}

	return allowed, states, nil
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
