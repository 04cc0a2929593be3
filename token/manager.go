package token

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSafetyMargin is the buffer before expiry within which a proactive
// refresh is triggered.
const DefaultSafetyMargin = 300 * time.Second

// Authenticator performs the provider-specific credential exchanges. Full
// authentication may involve an interactive/browser-automation login and is
// implemented by the vendor clients, outside this package.
type Authenticator interface {
	Authenticate(ctx context.Context) (Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

// Manager owns the token lifecycle for one remote integration: cached state,
// durable persistence, and just-in-time refresh. Every outbound call obtains
// headers through AuthHeaders rather than reading the cached token directly,
// so the safety margin is always evaluated at call time.
type Manager struct {
	provider string
	store    Store
	auth     Authenticator
	margin   time.Duration
	log      *slog.Logger

	now func() time.Time

	mu     sync.Mutex
	cached Tokens
	loaded bool
}

func NewManager(provider string, store Store, auth Authenticator, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		provider: provider,
		store:    store,
		auth:     auth,
		margin:   DefaultSafetyMargin,
		log:      log.With("provider", provider),
		now:      time.Now,
	}
}

// IsValid reports whether the current token is usable without a refresh.
func (m *Manager) IsValid(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureLoaded(ctx); err != nil {
		return false
	}
	return m.cached.ValidFor(m.now(), m.margin)
}

// AuthHeaders ensures validity, refreshing if inside the safety margin, and
// returns the bearer headers for an outbound call.
func (m *Manager) AuthHeaders(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	if !m.cached.ValidFor(m.now(), m.margin) {
		if err := m.refreshLocked(ctx); err != nil {
			return nil, err
		}
	}

	return map[string]string{
		"Authorization": "Bearer " + m.cached.AccessToken,
		"Content-Type":  "application/json",
	}, nil
}

// RefreshSafely refreshes the token when inside the safety margin. On refresh
// failure it falls back to one full re-authentication; refresh is idempotent
// with respect to already-valid tokens, so concurrent callers are safe.
func (m *Manager) RefreshSafely(ctx context.Context) (Tokens, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoaded(ctx); err != nil {
		return Tokens{}, err
	}
	if m.cached.ValidFor(m.now(), m.margin) {
		return m.cached, nil
	}
	if err := m.refreshLocked(ctx); err != nil {
		return Tokens{}, err
	}
	return m.cached, nil
}

// ExpiresIn returns the time until the current token expires, for the
// pre-emptive refresh worker's scheduling. Zero means unknown or expired.
func (m *Manager) ExpiresIn(ctx context.Context) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureLoaded(ctx); err != nil {
		return 0
	}
	d := m.cached.ExpiresAt.Sub(m.now())
	if d < 0 {
		return 0
	}
	return d
}

func (m *Manager) ensureLoaded(ctx context.Context) error {
	if m.loaded {
		return nil
	}
	t, err := m.store.Load(ctx, m.provider)
	if err != nil {
		return err
	}
	m.cached = t
	m.loaded = true
	return nil
}

// refreshLocked tries one refresh-token exchange, then one full
// re-authentication. Both failing is fatal for the current call.
func (m *Manager) refreshLocked(ctx context.Context) error {
	var (
		fresh Tokens
		err   error
	)

	if m.cached.RefreshToken != "" {
		fresh, err = m.auth.Refresh(ctx, m.cached.RefreshToken)
		if err != nil {
			m.log.Warn("token refresh failed, re-authenticating", "error", err)
		}
	} else {
		err = fmt.Errorf("token: no refresh token for %s", m.provider)
	}

	if err != nil {
		fresh, err = m.auth.Authenticate(ctx)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrAuthenticationFailed, m.provider, err)
		}
	}

	fresh = withDerivedExpiry(fresh, m.now())
	if err := m.store.Save(ctx, m.provider, fresh); err != nil {
		return err
	}
	m.cached = fresh
	m.log.Info("token updated", "expires_at", fresh.ExpiresAt)
	return nil
}

// withDerivedExpiry fills in ExpiresAt from the access token's exp claim
// when the token endpoint did not report a lifetime. The claim is read
// without signature verification; we are the token's audience, not its
// verifier.
func withDerivedExpiry(t Tokens, now time.Time) Tokens {
	if !t.ExpiresAt.IsZero() {
		return t
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(t.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			t.ExpiresAt = exp.Time
			return t
		}
	}

	// Opaque token with no reported lifetime: assume a conservative hour.
	t.ExpiresAt = now.Add(time.Hour)
	return t
}
