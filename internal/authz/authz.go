// Package authz decides whether an inbound caller may issue commands.
package authz

import (
	"crypto/subtle"
	"fmt"
	"strings"
)

// Caller is a caller identity in canonical E.164 form.
type Caller string

// Normalize reduces a claimed caller identity to canonical E.164 form:
// a leading "+" followed by digits, with spaces, dashes, dots and
// parentheses stripped. Comparison against the allowlist always happens
// on this form.
func Normalize(raw string) (Caller, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
			// separator noise, dropped
		default:
			return "", fmt.Errorf("invalid character %q in caller identity", r)
		}
	}

	n := b.String()
	if len(n) < 2 || n[0] != '+' {
		return "", fmt.Errorf("caller identity must be E.164 (+ followed by digits)")
	}
	return Caller(n), nil
}

// Allowlist is the immutable set of callers permitted to issue commands.
// It is built once at startup and never mutated, so lookups need no
// synchronization.
type Allowlist struct {
	callers map[Caller]struct{}
}

// NewAllowlist normalizes and collects the configured caller identities.
// A malformed entry is a configuration error and fails startup.
func NewAllowlist(numbers []string) (*Allowlist, error) {
	callers := make(map[Caller]struct{}, len(numbers))
	for _, n := range numbers {
		c, err := Normalize(n)
		if err != nil {
			return nil, fmt.Errorf("allowlist entry %q: %w", n, err)
		}
		callers[c] = struct{}{}
	}
	if len(callers) == 0 {
		return nil, fmt.Errorf("allowlist is empty")
	}
	return &Allowlist{callers: callers}, nil
}

// Authorize normalizes the claimed identity and checks it against the
// allowlist. The boolean is false both for malformed identities and for
// well-formed identities that are not listed; the gateway treats both as
// a silent reject.
func (a *Allowlist) Authorize(raw string) (Caller, bool) {
	c, err := Normalize(raw)
	if err != nil {
		return "", false
	}

	// Membership itself is a map lookup; the constant-time compare keeps
	// the matched-entry path from leaking which entry matched.
	if _, ok := a.callers[c]; !ok {
		return "", false
	}
	for listed := range a.callers {
		if subtle.ConstantTimeCompare([]byte(listed), []byte(c)) == 1 {
			return c, true
		}
	}
	return "", false
}

// Len returns the number of allowlisted callers, for startup logging.
func (a *Allowlist) Len() int { return len(a.callers) }
