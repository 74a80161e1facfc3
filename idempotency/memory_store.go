package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps idempotency records in process memory. Expired
// entries are dropped lazily on read and during Put housekeeping.
// Single-process deployments only; shared gates need the Redis store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

func recordKey(tenantID, key string) string {
	return tenantID + "/" + key
}

// Get implements RecordStore.
func (s *MemoryStore) Get(ctx context.Context, tenantID, key string) (*Record, error) {
	s.mu.RLock()
	record, ok := s.records[recordKey(tenantID, key)]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}

	if record.Expired(time.Now()) {
		s.mu.Lock()
		// A fresh record may have replaced the expired one between the
		// read lock and here; only drop the entry we actually saw.
		if current, ok := s.records[recordKey(tenantID, key)]; ok && current == record {
			delete(s.records, recordKey(tenantID, key))
		}
		s.mu.Unlock()
		return nil, nil
	}

	clone := *record
	return &clone, nil
}

// Put implements RecordStore. Last write wins when concurrent
// duplicates race to store under the same key.
func (s *MemoryStore) Put(ctx context.Context, record *Record, ttl time.Duration) error {
	clone := *record

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[recordKey(record.TenantID, record.Key)] = &clone

	// Opportunistic sweep so abandoned keys do not accumulate.
	now := time.Now()
	for k, r := range s.records {
		if r.Expired(now) {
			delete(s.records, k)
		}
	}
	return nil
}
