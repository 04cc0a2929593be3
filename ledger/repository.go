package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Recorder is the ledger surface consumed by the orchestration layer.
type Recorder interface {
	RecordEvent(ctx context.Context, caseID int64, eventID, eventType string, payload []byte) (bool, error)
	IsDuplicate(ctx context.Context, eventID string) (bool, error)
	WasRecentlyNotified(ctx context.Context, caseID int64, kind string, within time.Duration) (bool, error)
	IsQueuedOrProcessed(ctx context.Context, caseID int64, eventID, kind string) (bool, error)
	EnqueueAction(ctx context.Context, caseID int64, eventID, kind string, payload []byte) (Action, error)
	PendingActions(ctx context.Context, caseID int64) ([]Action, error)
	MarkActionProcessed(ctx context.Context, actionID string) error
}

// PGRepository implements Recorder backed by PostgreSQL. Dedup rides on the
// inbound_events primary key, so it survives restarts and holds across
// multiple worker processes without a distributed lock.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// RecordEvent appends the event and reports whether it was accepted.
// A unique-constraint violation on event_id returns accepted=false with a
// nil error: duplicate delivery is the expected path, not a fault.
func (r *PGRepository) RecordEvent(ctx context.Context, caseID int64, eventID, eventType string, payload []byte) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("ledger: empty event id")
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO inbound_events (event_id, case_id, event_type, payload) VALUES ($1, $2, $3, $4)`,
		eventID, caseID, eventType, payload)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("ledger: record event: %w", err)
	}
	return true, nil
}

// IsDuplicate reports whether the event_id has already been recorded.
func (r *PGRepository) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM inbound_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ledger: check duplicate: %w", err)
	}
	return exists, nil
}

// WasRecentlyNotified reports whether a customer-facing action of the given
// kind went out for the case inside the cool-down window. Retried webhooks
// consult this before sending, so the customer never gets the same message
// twice in quick succession.
func (r *PGRepository) WasRecentlyNotified(ctx context.Context, caseID int64, kind string, within time.Duration) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pending_actions
			WHERE case_id = $1 AND kind = $2 AND created_at > now() - $3::interval
		)`, caseID, kind, within.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ledger: check recent notification: %w", err)
	}
	return exists, nil
}

// IsQueuedOrProcessed reports whether an outbound action of this kind was
// already recorded for the event, sent or not. Handlers consult it before
// sending, so a retried step never repeats a message that went out on the
// attempt that recorded it.
func (r *PGRepository) IsQueuedOrProcessed(ctx context.Context, caseID int64, eventID, kind string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pending_actions
			WHERE case_id = $1 AND event_id = $2 AND kind = $3
		)`, caseID, eventID, kind).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ledger: check queued or processed: %w", err)
	}
	return exists, nil
}

// EnqueueAction appends an outbound action for the case.
func (r *PGRepository) EnqueueAction(ctx context.Context, caseID int64, eventID, kind string, payload []byte) (Action, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	const insertSQL = `
		INSERT INTO pending_actions (id, case_id, event_id, kind, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, case_id, COALESCE(event_id, ''), kind, payload, processed, created_at`

	var a Action
	err := r.pool.QueryRow(ctx, insertSQL, uuid.NewString(), caseID, nullable(eventID), kind, payload).
		Scan(&a.ID, &a.CaseID, &a.EventID, &a.Kind, &a.Payload, &a.Processed, &a.CreatedAt)
	if err != nil {
		return Action{}, fmt.Errorf("ledger: enqueue action: %w", err)
	}
	return a, nil
}

// PendingActions returns the unprocessed actions for a case, oldest first.
func (r *PGRepository) PendingActions(ctx context.Context, caseID int64) ([]Action, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, case_id, COALESCE(event_id, ''), kind, payload, processed, created_at
		FROM pending_actions
		WHERE case_id = $1 AND processed = FALSE
		ORDER BY created_at ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list pending actions: %w", err)
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		var a Action
		if err := rows.Scan(&a.ID, &a.CaseID, &a.EventID, &a.Kind, &a.Payload, &a.Processed, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan pending action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate pending actions: %w", err)
	}
	return actions, nil
}

// MarkActionProcessed flags the action as delivered. Processed actions are
// never picked up again.
func (r *PGRepository) MarkActionProcessed(ctx context.Context, actionID string) error {
	if _, err := r.pool.Exec(ctx,
		`UPDATE pending_actions SET processed = TRUE WHERE id = $1`, actionID); err != nil {
		return fmt.Errorf("ledger: mark action processed: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
