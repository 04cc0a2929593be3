package workers

import (
	"context"
	"log/slog"
	"time"

	"renewflow/token"
)

// TokenRefresher keeps provider credentials warm so no webhook ever pays the
// full re-authentication cost inline.
type TokenRefresher struct {
	managers map[string]*token.Manager
	interval time.Duration
	log      *slog.Logger
}

func NewTokenRefresher(managers map[string]*token.Manager, interval time.Duration, log *slog.Logger) *TokenRefresher {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &TokenRefresher{managers: managers, interval: interval, log: log}
}

// Run refreshes until the context ends.
func (t *TokenRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce refreshes every manager whose token would expire before the
// next tick plus the safety margin.
func (t *TokenRefresher) RefreshOnce(ctx context.Context) {
	for provider, m := range t.managers {
		remaining := m.ExpiresIn(ctx)
		if remaining > t.interval+token.DefaultSafetyMargin {
			continue
		}
		if _, err := m.RefreshSafely(ctx); err != nil {
			t.log.Error("token refresh failed", "provider", provider, "error", err)
			continue
		}
		t.log.Info("token refreshed", "provider", provider)
	}
}
