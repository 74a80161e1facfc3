package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTTL is how long a stored response stays replayable.
const DefaultTTL = 24 * time.Hour

var (
	// ErrKeyReuse means the key was seen before but bound to a
	// different request. Callers surface it as a conflict.
	ErrKeyReuse = errors.New("idempotency key reused for a different request")

	// ErrInvalidKey means the key is not a version 4 UUID.
	ErrInvalidKey = errors.New("idempotency key must be a valid UUID v4")
)

// RecordStore persists idempotency records. Get returns (nil, nil) on
// a miss; expiry filtering is the cache's job so stores stay dumb.
type RecordStore interface {
	Get(ctx context.Context, tenantID, key string) (*Record, error)
	Put(ctx context.Context, record *Record, ttl time.Duration) error
}

// Cache gives repeated submissions of the same request a single
// effect: the first execution's response is stored under the client's
// key and replayed for every identical retry until it expires.
type Cache struct {
	store  RecordStore
	ttl    time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

// CacheOption configures the Cache.
type CacheOption func(*Cache)

// WithTTL overrides the retention of stored responses.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithCacheClock overrides time for tests.
func WithCacheClock(clock func() time.Time) CacheOption {
	return func(c *Cache) {
		c.clock = clock
	}
}

// NewCache creates a cache over a record store.
func NewCache(store RecordStore, options ...CacheOption) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("record store cannot be nil")
	}

	c := &Cache{
		store:  store,
		ttl:    DefaultTTL,
		clock:  time.Now,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c, nil
}

// Check looks the key up for the tenant. It returns (nil, nil) on a
// miss or an expired record, the stored response on an identical
// retry, ErrInvalidKey for malformed keys, and ErrKeyReuse when the
// key is bound to a different request.
func (c *Cache) Check(ctx context.Context, tenantID, key, method, path string, body []byte) (*CachedResponse, error) {
	if !IsValidKey(key) {
		return nil, ErrInvalidKey
	}

	record, err := c.store.Get(ctx, tenantID, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	if record == nil || record.Expired(c.clock()) {
		return nil, nil
	}

	if record.Fingerprint != Fingerprint(method, path, body) {
		return nil, ErrKeyReuse
	}

	return &CachedResponse{
		Status: record.Status,
		Body:   record.ResponseBody,
	}, nil
}

// Store remembers a completed response under the key. Callers run it
// after responding; a failure here costs replay protection for one
// key, never the request itself, so callers log and move on.
func (c *Cache) Store(ctx context.Context, tenantID, key, method, path string, body []byte, status int, responseBody []byte) error {
	if !IsValidKey(key) {
		return ErrInvalidKey
	}

	now := c.clock()
	record := &Record{
		TenantID:     tenantID,
		Key:          key,
		Fingerprint:  Fingerprint(method, path, body),
		Status:       status,
		ResponseBody: responseBody,
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.ttl),
	}

	if err := c.store.Put(ctx, record, c.ttl); err != nil {
		return fmt.Errorf("idempotency store failed: %w", err)
	}
	return nil
}
