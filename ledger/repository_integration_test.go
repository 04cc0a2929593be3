package ledger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"renewflow/db"
)

// TestEventLedger_Integration verifies dedup and the pending-action queue
// against a real PostgreSQL via DATABASE_URL.
func TestEventLedger_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	caseID := time.Now().UnixNano()
	if _, err := pool.Exec(ctx,
		`INSERT INTO renewal_cases (case_id, company_name, contact_name, contact_phone, deal_type)
		 VALUES ($1, 'Oficina do Zé LTDA', 'Zé', '556299887766', 'e-CPF A3')`, caseID); err != nil {
		t.Fatalf("seed case: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		// inbound_events and pending_actions cascade from the case.
		pool.Exec(ctx2, `DELETE FROM renewal_cases WHERE case_id = $1`, caseID)
	})

	repo := NewRepository(pool)
	eventID := "itest-evt-" + time.Now().Format("20060102150405.000000000")

	accepted, err := repo.RecordEvent(ctx, caseID, eventID, "renewal_alert", []byte(`{"source":"go-test"}`))
	if err != nil {
		t.Fatalf("record event (first): %v", err)
	}
	if !accepted {
		t.Fatal("first delivery must be accepted")
	}

	// Replay: same event id is rejected without error.
	accepted, err = repo.RecordEvent(ctx, caseID, eventID, "renewal_alert", []byte(`{"source":"go-test"}`))
	if err != nil {
		t.Fatalf("record event (replay): %v", err)
	}
	if accepted {
		t.Fatal("replayed delivery must not be accepted")
	}
	dup, err := repo.IsDuplicate(ctx, eventID)
	if err != nil || !dup {
		t.Fatalf("IsDuplicate = %v, %v, want true", dup, err)
	}

	// Pending actions drain FIFO and the cool-down window sees them.
	first, err := repo.EnqueueAction(ctx, caseID, eventID, "renewal_notice", []byte(`"first"`))
	if err != nil {
		t.Fatalf("enqueue first action: %v", err)
	}
	if _, err := repo.EnqueueAction(ctx, caseID, eventID, "renewal_notice", []byte(`"second"`)); err != nil {
		t.Fatalf("enqueue second action: %v", err)
	}

	pending, err := repo.PendingActions(ctx, caseID)
	if err != nil {
		t.Fatalf("pending actions: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID {
		t.Fatalf("pending = %d rows, first = %v; want FIFO starting at the first enqueue", len(pending), pending)
	}

	notified, err := repo.WasRecentlyNotified(ctx, caseID, "renewal_notice", time.Hour)
	if err != nil || !notified {
		t.Fatalf("WasRecentlyNotified = %v, %v, want true", notified, err)
	}
	notified, err = repo.WasRecentlyNotified(ctx, caseID, "proposal_sent", time.Hour)
	if err != nil || notified {
		t.Fatalf("unrelated kind reported as notified: %v, %v", notified, err)
	}

	if err := repo.MarkActionProcessed(ctx, first.ID); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	pending, err = repo.PendingActions(ctx, caseID)
	if err != nil {
		t.Fatalf("pending after processing: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending after processing = %d, want 1", len(pending))
	}

	queued, err := repo.IsQueuedOrProcessed(ctx, caseID, eventID, "renewal_notice")
	if err != nil || !queued {
		t.Fatalf("IsQueuedOrProcessed = %v, %v, want true", queued, err)
	}
	queued, err = repo.IsQueuedOrProcessed(ctx, caseID, eventID, "proposal_sent")
	if err != nil || queued {
		t.Fatalf("unrelated kind reported as queued: %v, %v", queued, err)
	}
}
