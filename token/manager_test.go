package token

import (
	"context"
	"errors"
	"testing"
	"time"
)

type memStore struct {
	tokens map[string]Tokens
	saves  int
}

func newMemStore() *memStore {
	return &memStore{tokens: map[string]Tokens{}}
}

func (s *memStore) Load(_ context.Context, provider string) (Tokens, error) {
	return s.tokens[provider], nil
}

func (s *memStore) Save(_ context.Context, provider string, t Tokens) error {
	s.tokens[provider] = t
	s.saves++
	return nil
}

type fakeAuthenticator struct {
	refreshed     int
	authenticated int
	refreshErr    error
	authErr       error
	issued        Tokens
}

func (f *fakeAuthenticator) Authenticate(context.Context) (Tokens, error) {
	f.authenticated++
	if f.authErr != nil {
		return Tokens{}, f.authErr
	}
	return f.issued, nil
}

func (f *fakeAuthenticator) Refresh(_ context.Context, refreshToken string) (Tokens, error) {
	f.refreshed++
	if f.refreshErr != nil {
		return Tokens{}, f.refreshErr
	}
	return f.issued, nil
}

func newTestManager(t *testing.T, store Store, auth Authenticator, now time.Time) *Manager {
	t.Helper()
	m := NewManager("messaging", store, auth, nil)
	m.now = func() time.Time { return now }
	return m
}

func TestAuthHeadersRefreshesInsideSafetyMargin(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	// 200s in the future with a 300s margin: a refresh must trigger.
	store.tokens["messaging"] = Tokens{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAt:    now.Add(200 * time.Second),
	}
	auth := &fakeAuthenticator{issued: Tokens{
		AccessToken:  "fresh",
		RefreshToken: "refresh-2",
		ExpiresAt:    now.Add(time.Hour),
	}}

	m := newTestManager(t, store, auth, now)
	headers, err := m.AuthHeaders(context.Background())
	if err != nil {
		t.Fatalf("auth headers: %v", err)
	}

	if auth.refreshed != 1 {
		t.Fatalf("expected exactly one refresh attempt, got %d", auth.refreshed)
	}
	if auth.authenticated != 0 {
		t.Fatalf("expected no full re-authentication, got %d", auth.authenticated)
	}
	if got := headers["Authorization"]; got != "Bearer fresh" {
		t.Fatalf("expected refreshed bearer header, got %q", got)
	}
	if store.saves != 1 {
		t.Fatalf("expected refreshed tokens to be persisted once, got %d saves", store.saves)
	}
}

func TestAuthHeadersSkipsRefreshOutsideMargin(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.tokens["messaging"] = Tokens{
		AccessToken:  "current",
		RefreshToken: "refresh-1",
		ExpiresAt:    now.Add(1000 * time.Second),
	}
	auth := &fakeAuthenticator{}

	m := newTestManager(t, store, auth, now)
	headers, err := m.AuthHeaders(context.Background())
	if err != nil {
		t.Fatalf("auth headers: %v", err)
	}

	if auth.refreshed != 0 || auth.authenticated != 0 {
		t.Fatalf("expected no credential exchange, got refresh=%d auth=%d", auth.refreshed, auth.authenticated)
	}
	if got := headers["Authorization"]; got != "Bearer current" {
		t.Fatalf("expected cached bearer header, got %q", got)
	}
}

func TestRefreshFailureFallsBackToAuthenticate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.tokens["messaging"] = Tokens{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		ExpiresAt:    now.Add(-time.Minute),
	}
	auth := &fakeAuthenticator{
		refreshErr: errors.New("invalid_grant"),
		issued:     Tokens{AccessToken: "reissued", RefreshToken: "refresh-3", ExpiresAt: now.Add(time.Hour)},
	}

	m := newTestManager(t, store, auth, now)
	tokens, err := m.RefreshSafely(context.Background())
	if err != nil {
		t.Fatalf("refresh safely: %v", err)
	}

	if auth.refreshed != 1 || auth.authenticated != 1 {
		t.Fatalf("expected one refresh and one re-authenticate, got refresh=%d auth=%d", auth.refreshed, auth.authenticated)
	}
	if tokens.AccessToken != "reissued" {
		t.Fatalf("expected reissued token, got %q", tokens.AccessToken)
	}
}

func TestBothExchangesFailingIsFatal(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.tokens["messaging"] = Tokens{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		ExpiresAt:    now.Add(-time.Minute),
	}
	auth := &fakeAuthenticator{
		refreshErr: errors.New("invalid_grant"),
		authErr:    errors.New("login page changed"),
	}

	m := newTestManager(t, store, auth, now)
	_, err := m.RefreshSafely(context.Background())
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if auth.refreshed != 1 || auth.authenticated != 1 {
		t.Fatalf("manager must not retry beyond one refresh + one authenticate, got refresh=%d auth=%d", auth.refreshed, auth.authenticated)
	}
}

func TestMissingTokensTriggerFullAuthentication(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	auth := &fakeAuthenticator{issued: Tokens{
		AccessToken:  "first",
		RefreshToken: "refresh-1",
		ExpiresAt:    now.Add(time.Hour),
	}}

	m := newTestManager(t, store, auth, now)
	headers, err := m.AuthHeaders(context.Background())
	if err != nil {
		t.Fatalf("auth headers: %v", err)
	}
	if auth.authenticated != 1 {
		t.Fatalf("expected one full authentication, got %d", auth.authenticated)
	}
	if headers["Authorization"] != "Bearer first" {
		t.Fatalf("unexpected header %q", headers["Authorization"])
	}
}

func TestDerivedExpiryAssumesHourForOpaqueTokens(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	got := withDerivedExpiry(Tokens{AccessToken: "opaque-token"}, now)
	if !got.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected one-hour fallback expiry, got %v", got.ExpiresAt)
	}
}

func TestValidFor(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	margin := 300 * time.Second

	cases := []struct {
		name string
		tok  Tokens
		want bool
	}{
		{"valid well before margin", Tokens{AccessToken: "a", ExpiresAt: now.Add(1000 * time.Second)}, true},
		{"inside margin", Tokens{AccessToken: "a", ExpiresAt: now.Add(200 * time.Second)}, false},
		{"expired", Tokens{AccessToken: "a", ExpiresAt: now.Add(-time.Second)}, false},
		{"no access token", Tokens{ExpiresAt: now.Add(time.Hour)}, false},
		{"zero expiry", Tokens{AccessToken: "a"}, false},
	}
	for _, tc := range cases {
		if got := tc.tok.ValidFor(now, margin); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}
