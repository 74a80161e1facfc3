package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matterline/matterline-go/contracts"
)

// PostgresCredentialStore reads credentials from the api_credentials
// table. The pool is owned by the caller; the store never closes it.
type PostgresCredentialStore struct {
	pool *pgxpool.Pool
}

// NewPostgresCredentialStore creates a store over an existing pool.
func NewPostgresCredentialStore(pool *pgxpool.Pool) (*PostgresCredentialStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool cannot be nil")
	}
	return &PostgresCredentialStore{pool: pool}, nil
}

// LookupByHash implements CredentialStore.
func (s *PostgresCredentialStore) LookupByHash(ctx context.Context, hash string) (*contracts.Credential, error) {
	const query = `
		SELECT id, key_hash, tenant_id, scopes, status,
		       requests_per_minute, requests_per_hour, requests_per_day, burst,
		       usage_count, last_used_at, expires_at
		FROM api_credentials
		WHERE key_hash = $1`

	var cred contracts.Credential
	err := s.pool.QueryRow(ctx, query, hash).Scan(
		&cred.ID,
		&cred.Hash,
		&cred.TenantID,
		&cred.Scopes,
		&cred.Status,
		&cred.RateLimits.PerMinute,
		&cred.RateLimits.PerHour,
		&cred.RateLimits.PerDay,
		&cred.RateLimits.Burst,
		&cred.UsageCount,
		&cred.LastUsedAt,
		&cred.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credential lookup failed: %w", err)
	}
	return &cred, nil
}

// TouchUsage implements CredentialStore with a single conditional
// statement, so concurrent gates never lose increments.
func (s *PostgresCredentialStore) TouchUsage(ctx context.Context, credentialID string, usedAt time.Time) error {
	const query = `
		UPDATE api_credentials
		SET usage_count = usage_count + 1,
		    last_used_at = GREATEST(COALESCE(last_used_at, $2), $2)
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, credentialID, usedAt)
	if err != nil {
		return fmt.Errorf("failed to touch credential usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
