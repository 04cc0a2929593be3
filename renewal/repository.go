package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const caseColumns = `case_id, company_name, contact_name, contact_phone, deal_type, status,
	sale_id, financial_event_id, is_processing, action_executed, retry_count,
	created_at, last_interaction_at`

// Store defines the case-store operations consumed by the orchestration layer.
type Store interface {
	Upsert(ctx context.Context, params UpsertParams) (Case, error)
	Transition(ctx context.Context, caseID int64, next Status, extra ExtraFields) (bool, error)
	GetByID(ctx context.Context, caseID int64) (Case, error)
	FindOpenByPhone(ctx context.Context, phone string, policy PhonePolicy) (Case, error)
	TryAcquireProcessingLock(ctx context.Context, caseID int64) (bool, error)
	ReleaseProcessingLock(ctx context.Context, caseID int64) error
	ListIdleSince(ctx context.Context, cutoff time.Time) ([]Case, error)
}

// PGRepository implements Store backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Upsert inserts the case if absent. When a case with the same case_id already
// exists, the mutable contact fields are refreshed without touching status,
// so a replayed alert never restarts a workflow.
func (r *PGRepository) Upsert(ctx context.Context, params UpsertParams) (Case, error) {
	if params.CaseID == 0 {
		return Case{}, fmt.Errorf("renewal: case id required")
	}
	if params.ContactPhone == "" {
		return Case{}, fmt.Errorf("renewal: contact phone required")
	}

	const upsertSQL = `
		INSERT INTO renewal_cases (case_id, company_name, contact_name, contact_phone, deal_type, status)
		VALUES ($1, $2, $3, $4, $5, 'queued')
		ON CONFLICT (case_id) DO UPDATE
		SET company_name = EXCLUDED.company_name,
		    contact_name = EXCLUDED.contact_name,
		    contact_phone = EXCLUDED.contact_phone,
		    deal_type = EXCLUDED.deal_type
		RETURNING ` + caseColumns

	c, err := scanCase(r.pool.QueryRow(ctx, upsertSQL,
		params.CaseID, params.CompanyName, params.ContactName, params.ContactPhone, params.DealType))
	if err != nil {
		return Case{}, fmt.Errorf("renewal: upsert case: %w", err)
	}
	return c, nil
}

// Transition moves the case to next, bumps last_interaction_at, and applies
// any extra fields. It validates enum membership only; the transition graph
// is deliberately permissive and callers own step ordering.
func (r *PGRepository) Transition(ctx context.Context, caseID int64, next Status, extra ExtraFields) (bool, error) {
	if !ValidStatus(next) {
		return false, fmt.Errorf("renewal: transition to %q: %w", next, ErrInvalidStatus)
	}

	const updateSQL = `
		UPDATE renewal_cases
		SET status = $2,
		    last_interaction_at = now(),
		    sale_id = COALESCE($3, sale_id),
		    financial_event_id = COALESCE($4, financial_event_id),
		    action_executed = COALESCE($5, action_executed)
		WHERE case_id = $1`

	tag, err := r.pool.Exec(ctx, updateSQL, caseID, next, extra.SaleID, extra.FinancialEventID, extra.ActionExecuted)
	if err != nil {
		return false, fmt.Errorf("renewal: transition case %d: %w", caseID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetByID retrieves a case by its external identifier.
func (r *PGRepository) GetByID(ctx context.Context, caseID int64) (Case, error) {
	c, err := scanCase(r.pool.QueryRow(ctx,
		`SELECT `+caseColumns+` FROM renewal_cases WHERE case_id = $1`, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrCaseNotFound
		}
		return Case{}, fmt.Errorf("renewal: get case %d: %w", caseID, err)
	}
	return c, nil
}

// FindOpenByPhone returns the most relevant non-terminal case for a phone
// number. NewestCreated picks the latest-created case; LastInteracted picks
// the one the customer most recently touched.
func (r *PGRepository) FindOpenByPhone(ctx context.Context, phone string, policy PhonePolicy) (Case, error) {
	order := "created_at DESC"
	if policy == LastInteracted {
		order = "last_interaction_at DESC"
	}

	query := `SELECT ` + caseColumns + `
		FROM renewal_cases
		WHERE contact_phone = $1
		  AND status NOT IN ('scheduling_form_sent', 'customer_retention')
		ORDER BY ` + order + `
		LIMIT 1`

	c, err := scanCase(r.pool.QueryRow(ctx, query, phone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrCaseNotFound
		}
		return Case{}, fmt.Errorf("renewal: find case by phone: %w", err)
	}
	return c, nil
}

// TryAcquireProcessingLock atomically flips is_processing false -> true.
// The single conditional UPDATE is the whole locking protocol: under
// concurrent callers exactly one sees RowsAffected()==1.
func (r *PGRepository) TryAcquireProcessingLock(ctx context.Context, caseID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE renewal_cases SET is_processing = TRUE WHERE case_id = $1 AND is_processing = FALSE`,
		caseID)
	if err != nil {
		return false, fmt.Errorf("renewal: acquire lock for case %d: %w", caseID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseProcessingLock clears the exclusive-processing flag. Callers must
// release on every exit path, including failures.
func (r *PGRepository) ReleaseProcessingLock(ctx context.Context, caseID int64) error {
	if _, err := r.pool.Exec(ctx,
		`UPDATE renewal_cases SET is_processing = FALSE WHERE case_id = $1`, caseID); err != nil {
		return fmt.Errorf("renewal: release lock for case %d: %w", caseID, err)
	}
	return nil
}

// ListIdleSince returns non-terminal cases whose last interaction predates
// cutoff. The session sweeper finalizes these as customer retention.
func (r *PGRepository) ListIdleSince(ctx context.Context, cutoff time.Time) ([]Case, error) {
	const query = `SELECT ` + caseColumns + `
		FROM renewal_cases
		WHERE last_interaction_at < $1
		  AND status NOT IN ('queued', 'scheduling_form_sent', 'customer_retention')
		ORDER BY last_interaction_at ASC`

	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("renewal: list idle cases: %w", err)
	}
	defer rows.Close()

	var cases []Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("renewal: scan idle case: %w", err)
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("renewal: iterate idle cases: %w", err)
	}
	return cases, nil
}

func scanCase(row pgx.Row) (Case, error) {
	var c Case
	err := row.Scan(
		&c.CaseID,
		&c.CompanyName,
		&c.ContactName,
		&c.ContactPhone,
		&c.DealType,
		&c.Status,
		&c.SaleID,
		&c.FinancialEventID,
		&c.IsProcessing,
		&c.ActionExecuted,
		&c.RetryCount,
		&c.CreatedAt,
		&c.LastInteractionAt,
	)
	if err != nil {
		return Case{}, err
	}
	return c, nil
}
