package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/matterline/matterline-go/contracts"
)

// ErrCredentialNotFound means no credential matches the presented key
// hash. Callers must answer exactly as they would for a suspended or
// revoked credential, so probing cannot distinguish the cases.
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialStore resolves API key hashes to credentials. TouchUsage
// is telemetry only and is always invoked off the request path.
type CredentialStore interface {
	LookupByHash(ctx context.Context, hash string) (*contracts.Credential, error)
	TouchUsage(ctx context.Context, credentialID string, usedAt time.Time) error
}

// HashKey derives the stored lookup hash from a raw API key. Raw keys
// never persist anywhere.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// MemoryCredentialStore is a map-backed credential store for tests and
// single-process setups.
type MemoryCredentialStore struct {
	mu     sync.RWMutex
	byHash map[string]*contracts.Credential
}

// NewMemoryCredentialStore creates an empty in-memory store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		byHash: make(map[string]*contracts.Credential),
	}
}

// Add registers a credential under its hash.
func (s *MemoryCredentialStore) Add(cred *contracts.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *cred
	s.byHash[cred.Hash] = &clone
}

// LookupByHash implements CredentialStore.
func (s *MemoryCredentialStore) LookupByHash(ctx context.Context, hash string) (*contracts.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.byHash[hash]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	clone := *cred
	return &clone, nil
}

// TouchUsage implements CredentialStore.
func (s *MemoryCredentialStore) TouchUsage(ctx context.Context, credentialID string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cred := range s.byHash {
		if cred.ID == credentialID {
			cred.UsageCount++
			t := usedAt
			cred.LastUsedAt = &t
			return nil
		}
	}
	return ErrCredentialNotFound
}
