package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists idempotency records as JSON values with a
// server-side TTL, so every gate process replays from the same set.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// RedisStoreOption configures the RedisStore.
type RedisStoreOption func(*RedisStore)

// WithRecordKeyPrefix overrides the Redis key prefix.
func WithRecordKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.keyPrefix = prefix
	}
}

// NewRedisStore creates a record store over a Redis client.
func NewRedisStore(client redis.UniversalClient, options ...RedisStoreOption) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	s := &RedisStore{
		client:    client,
		keyPrefix: "matterline:idempotency",
	}

	for _, opt := range options {
		opt(s)
	}

	return s, nil
}

func (s *RedisStore) redisKey(tenantID, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.keyPrefix, tenantID, key)
}

// Get implements RecordStore. Redis expiry handles the TTL, so a
// missing key is simply a miss.
func (s *RedisStore) Get(ctx context.Context, tenantID, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.redisKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency record: %w", err)
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &record, nil
}

// Put implements RecordStore with SET EX; last write wins.
func (s *RedisStore) Put(ctx context.Context, record *Record, ttl time.Duration) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}

	if err := s.client.Set(ctx, s.redisKey(record.TenantID, record.Key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write idempotency record: %w", err)
	}
	return nil
}
