package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Record is one completed request remembered under an idempotency key.
// The fingerprint binds the key to the exact request that produced the
// stored response; a different request reusing the key is a conflict,
// not a replay.
type Record struct {
	TenantID     string    `json:"tenantId"`
	Key          string    `json:"key"`
	Fingerprint  string    `json:"fingerprint"`
	Status       int       `json:"status"`
	ResponseBody []byte    `json:"responseBody"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Expired reports whether the record's retention has lapsed. Expired
// records are treated as misses, never as conflicts.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// CachedResponse is the replayable portion of a stored record.
type CachedResponse struct {
	Status int
	Body   []byte
}

// IsValidKey reports whether s is a syntactically valid version 4
// UUID, the only accepted idempotency key shape.
func IsValidKey(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4
}

// Fingerprint derives the request identity an idempotency key is bound
// to: method, path, and a digest of the body.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
