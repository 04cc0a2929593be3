package ticketflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const invocationColumns = `id, case_id, contact_phone, step, args, status, retry_count, created_at, last_checked_at`

// Queue is the durable deferred-invocation store consumed by the guard and
// the drain worker.
type Queue interface {
	Enqueue(ctx context.Context, caseID int64, phone string, step Step, args Args) (Invocation, error)
	ListWaiting(ctx context.Context) ([]Invocation, error)
	MarkStarted(ctx context.Context, id string) error
	IncrementRetry(ctx context.Context, id string) error
}

// PGQueue implements Queue over the ticket_flow_queue table.
type PGQueue struct {
	pool     *pgxpool.Pool
	registry *Registry
}

func NewQueue(pool *pgxpool.Pool, registry *Registry) *PGQueue {
	return &PGQueue{pool: pool, registry: registry}
}

// Enqueue persists a deferred invocation with status waiting. Unknown steps
// and schema-invalid arguments are rejected here so the queue never holds
// work that cannot replay.
func (q *PGQueue) Enqueue(ctx context.Context, caseID int64, phone string, step Step, args Args) (Invocation, error) {
	if !q.registry.Known(step) {
		return Invocation{}, fmt.Errorf("%w: %s", ErrUnknownStep, step)
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return Invocation{}, fmt.Errorf("ticketflow: marshal args: %w", err)
	}
	if err := validateArgs(step, raw); err != nil {
		return Invocation{}, err
	}

	const insertSQL = `
		INSERT INTO ticket_flow_queue (id, case_id, contact_phone, step, args)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + invocationColumns

	inv, err := scanInvocation(q.pool.QueryRow(ctx, insertSQL, uuid.NewString(), caseID, phone, step, raw))
	if err != nil {
		return Invocation{}, fmt.Errorf("ticketflow: enqueue: %w", err)
	}
	return inv, nil
}

// ListWaiting returns waiting invocations oldest first, so replays for the
// same case happen in creation order within a single worker pass.
func (q *PGQueue) ListWaiting(ctx context.Context) ([]Invocation, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT `+invocationColumns+`
		FROM ticket_flow_queue
		WHERE status = 'waiting' AND retry_count < $1
		ORDER BY created_at ASC`, MaxReplayRetries)
	if err != nil {
		return nil, fmt.Errorf("ticketflow: list waiting: %w", err)
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("ticketflow: scan invocation: %w", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ticketflow: iterate waiting: %w", err)
	}
	return out, nil
}

// MarkStarted records a successful replay.
func (q *PGQueue) MarkStarted(ctx context.Context, id string) error {
	if _, err := q.pool.Exec(ctx, `
		UPDATE ticket_flow_queue
		SET status = 'started', last_checked_at = now()
		WHERE id = $1`, id); err != nil {
		return fmt.Errorf("ticketflow: mark started: %w", err)
	}
	return nil
}

// IncrementRetry bumps the retry counter after a failed replay. Rows that
// exceed MaxReplayRetries are parked as failed for operator follow-up
// instead of being retried forever.
func (q *PGQueue) IncrementRetry(ctx context.Context, id string) error {
	if _, err := q.pool.Exec(ctx, `
		UPDATE ticket_flow_queue
		SET retry_count = retry_count + 1,
		    last_checked_at = now(),
		    status = CASE WHEN retry_count + 1 >= $2 THEN 'failed' ELSE status END
		WHERE id = $1`, id, MaxReplayRetries); err != nil {
		return fmt.Errorf("ticketflow: increment retry: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row rowScanner) (Invocation, error) {
	var inv Invocation
	err := row.Scan(
		&inv.ID,
		&inv.CaseID,
		&inv.ContactPhone,
		&inv.Step,
		&inv.Args,
		&inv.Status,
		&inv.RetryCount,
		&inv.CreatedAt,
		&inv.LastCheckedAt,
	)
	if err != nil {
		return Invocation{}, err
	}
	return inv, nil
}
