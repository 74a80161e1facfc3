package sessions

import (
	"fmt"
	"strings"
	"unicode"
)

// SessionKeyFor derives the partition key that serializes all
// messages of one tenant within one queue domain. The derivation is
// deterministic: the same tenant and domain always map to the same
// key, so their messages share a FIFO session while other tenants run
// in parallel.
func SessionKeyFor(domain, tenantID string) string {
	return strings.ToLower(domain) + "_" + normalizeTenantID(tenantID)
}

// normalizeTenantID lowercases and strips every non-alphanumeric rune
// so punctuation or casing differences in stored tenant identifiers
// cannot split one tenant across sessions.
func normalizeTenantID(tenantID string) string {
	var b strings.Builder
	b.Grow(len(tenantID))
	for _, r := range tenantID {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func validateEnqueueTarget(domain, tenantID string) error {
	if domain == "" {
		return fmt.Errorf("queue domain cannot be empty")
	}
	if normalizeTenantID(tenantID) == "" {
		return fmt.Errorf("tenant id %q normalizes to an empty session key", tenantID)
	}
	return nil
}
