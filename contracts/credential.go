package contracts

import "time"

// CredentialStatus is the lifecycle state of an API credential.
type CredentialStatus string

const (
	CredentialActive    CredentialStatus = "active"
	CredentialSuspended CredentialStatus = "suspended"
	CredentialRevoked   CredentialStatus = "revoked"
)

// RateLimits holds the four admission windows configured per
// credential. Zero means the window is not enforced.
type RateLimits struct {
	PerMinute int `json:"requestsPerMinute"`
	PerHour   int `json:"requestsPerHour"`
	PerDay    int `json:"requestsPerDay"`
	Burst     int `json:"burst"`
}

// Credential is an API key record as read by the request gate. The
// gate never sees the raw key, only its hash. UsageCount and
// LastUsedAt are append-only telemetry and play no part in
// authorization decisions.
type Credential struct {
	ID         string           `json:"id"`
	Hash       string           `json:"hash"`
	TenantID   string           `json:"tenantId"`
	Scopes     []string         `json:"scopes"`
	RateLimits RateLimits       `json:"rateLimits"`
	Status     CredentialStatus `json:"status"`
	UsageCount int64            `json:"usageCount"`
	LastUsedAt *time.Time       `json:"lastUsedAt,omitempty"`
	ExpiresAt  *time.Time       `json:"expiresAt,omitempty"`
}

// Usable reports whether the credential may authenticate a request at
// the given instant.
func (c *Credential) Usable(now time.Time) bool {
	if c.Status != CredentialActive {
		return false
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return false
	}
	return true
}

// HasScope reports whether the credential carries the named scope.
func (c *Credential) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
