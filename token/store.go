package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists tokens so a process restart does not force a full
// re-authentication.
type Store interface {
	Load(ctx context.Context, provider string) (Tokens, error)
	Save(ctx context.Context, provider string, tokens Tokens) error
}

// PGStore implements Store over the oauth_tokens table, one row per provider.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Load returns the stored tokens for the provider. A missing row yields
// empty Tokens: the manager treats that as "authenticate from scratch".
func (s *PGStore) Load(ctx context.Context, provider string) (Tokens, error) {
	var t Tokens
	err := s.pool.QueryRow(ctx,
		`SELECT access_token, refresh_token, COALESCE(expires_at, 'epoch'::timestamptz)
		 FROM oauth_tokens WHERE provider = $1`, provider).
		Scan(&t.AccessToken, &t.RefreshToken, &t.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tokens{}, nil
		}
		return Tokens{}, fmt.Errorf("token: load %s tokens: %w", provider, err)
	}
	return t, nil
}

// Save upserts the provider row. Every token update is written through here
// before the new token is used.
func (s *PGStore) Save(ctx context.Context, provider string, tokens Tokens) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (provider) DO UPDATE
		SET access_token = EXCLUDED.access_token,
		    refresh_token = EXCLUDED.refresh_token,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = now()`,
		provider, tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt)
	if err != nil {
		return fmt.Errorf("token: save %s tokens: %w", provider, err)
	}
	return nil
}
