package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema holds the full DDL for the renewal store. Statements are idempotent
// so Migrate can run on every boot and on every test database.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS renewal_cases (
		case_id             BIGINT PRIMARY KEY,
		company_name        TEXT NOT NULL,
		contact_name        TEXT NOT NULL DEFAULT '',
		contact_phone       TEXT NOT NULL,
		deal_type           TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'queued',
		sale_id             TEXT,
		financial_event_id  TEXT,
		is_processing       BOOLEAN NOT NULL DEFAULT FALSE,
		action_executed     BOOLEAN NOT NULL DEFAULT FALSE,
		retry_count         INTEGER NOT NULL DEFAULT 0,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_interaction_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_renewal_cases_phone ON renewal_cases (contact_phone)`,
	`CREATE INDEX IF NOT EXISTS idx_renewal_cases_last_interaction ON renewal_cases (last_interaction_at)`,

	`CREATE TABLE IF NOT EXISTS inbound_events (
		event_id    TEXT PRIMARY KEY,
		case_id     BIGINT NOT NULL REFERENCES renewal_cases(case_id) ON DELETE CASCADE,
		event_type  TEXT NOT NULL,
		payload     JSONB NOT NULL DEFAULT '{}'::jsonb,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inbound_events_case ON inbound_events (case_id, received_at)`,

	`CREATE TABLE IF NOT EXISTS pending_actions (
		id         UUID PRIMARY KEY,
		case_id    BIGINT NOT NULL REFERENCES renewal_cases(case_id) ON DELETE CASCADE,
		event_id   TEXT,
		kind       TEXT NOT NULL,
		payload    JSONB NOT NULL DEFAULT '{}'::jsonb,
		processed  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_actions_case ON pending_actions (case_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS ticket_flow_queue (
		id              UUID PRIMARY KEY,
		case_id         BIGINT NOT NULL REFERENCES renewal_cases(case_id) ON DELETE CASCADE,
		contact_phone   TEXT NOT NULL,
		step            TEXT NOT NULL,
		args            JSONB NOT NULL DEFAULT '{}'::jsonb,
		status          TEXT NOT NULL DEFAULT 'waiting',
		retry_count     INTEGER NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_checked_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ticket_flow_queue_status ON ticket_flow_queue (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_ticket_flow_queue_case ON ticket_flow_queue (case_id)`,

	`CREATE TABLE IF NOT EXISTS oauth_tokens (
		provider      TEXT PRIMARY KEY,
		access_token  TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		expires_at    TIMESTAMPTZ,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the schema to the connected database.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("db: apply schema: %w", err)
		}
	}
	return nil
}
