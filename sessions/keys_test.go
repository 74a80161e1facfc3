package sessions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionKeyForIsDeterministic(t *testing.T) {
	k1 := SessionKeyFor("ordered-write", "Firm-123")
	k2 := SessionKeyFor("ordered-write", "Firm-123")
	assert.Equal(t, k1, k2)
}

func TestSessionKeyForNormalizesTenantID(t *testing.T) {
	// Punctuation and casing differences collapse into one session.
	assert.Equal(t,
		SessionKeyFor("ordered-write", "Firm-123"),
		SessionKeyFor("ordered-write", "firm_123"),
	)
	assert.Equal(t, "ordered-write_firm123", SessionKeyFor("Ordered-Write", "Firm.123"))
}

func TestSessionKeyForSeparatesTenants(t *testing.T) {
	assert.NotEqual(t,
		SessionKeyFor("ordered-write", "firm-1"),
		SessionKeyFor("ordered-write", "firm-2"),
	)
}

func TestSessionKeyForSeparatesDomains(t *testing.T) {
	assert.NotEqual(t,
		SessionKeyFor("ordered-write", "firm-1"),
		SessionKeyFor("document-processing", "firm-1"),
	)
}

func TestValidateEnqueueTarget(t *testing.T) {
	assert.Error(t, validateEnqueueTarget("", "firm-1"))
	assert.Error(t, validateEnqueueTarget("ordered-write", ""))
	assert.Error(t, validateEnqueueTarget("ordered-write", "---"))
	assert.NoError(t, validateEnqueueTarget("ordered-write", "firm-1"))
}
