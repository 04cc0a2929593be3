// Package oracles holds the SQL invariants checked repeatedly while the
// stress actors run. A row returned by any oracle is a correctness failure.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_status_enum",
			SQL: `SELECT case_id, status FROM renewal_cases
                  WHERE status NOT IN ('queued','pending','info_sent','sale_creating','sale_created',
                                       'billing_generated','billing_pdf_sent','scheduling_form_sent','customer_retention')`,
		},
		{
			Name: "O2_queue_status_enum",
			SQL: `SELECT id, status FROM ticket_flow_queue
                  WHERE status NOT IN ('waiting','checking','started','failed')`,
		},
		{
			Name: "O3_queue_step_enum",
			SQL: `SELECT id, step FROM ticket_flow_queue
                  WHERE step NOT IN ('renewal_notice','customer_reply','send_proposal',
                                     'create_sale_billing','send_billing_document','send_scheduling_form')`,
		},
		{
			Name: "O4_retry_bounded",
			SQL: `SELECT id, retry_count, status FROM ticket_flow_queue
                  WHERE retry_count > 10
                     OR (retry_count >= 10 AND status = 'waiting')`,
		},
		{
			Name: "O5_event_replay",
			SQL: `SELECT event_id, COUNT(*) FROM inbound_events
                  GROUP BY event_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_stale_lock",
			SQL: `SELECT case_id FROM renewal_cases
                  WHERE is_processing AND last_interaction_at < now() - interval '5 minutes'`,
		},
		{
			Name: "O7_orphan_rows",
			SQL: `SELECT e.event_id FROM inbound_events e
                  LEFT JOIN renewal_cases c ON c.case_id = e.case_id
                  WHERE c.case_id IS NULL
                  UNION ALL
                  SELECT a.id::text FROM pending_actions a
                  LEFT JOIN renewal_cases c ON c.case_id = a.case_id
                  WHERE c.case_id IS NULL`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
