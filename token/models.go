package token

import (
	"errors"
	"time"
)

// ErrAuthenticationFailed signals that both the refresh-token exchange and
// the full re-authentication fallback failed. The manager does not retry
// beyond that one refresh + one re-authenticate attempt.
var ErrAuthenticationFailed = errors.New("token: authentication failed")

// Tokens is the persisted credential state for one remote integration.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ValidFor reports whether the access token is present and expires more
// than margin in the future at instant now.
func (t Tokens) ValidFor(now time.Time, margin time.Duration) bool {
	if t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return t.ExpiresAt.After(now.Add(margin))
}
