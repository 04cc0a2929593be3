package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"renewflow/test/actors"
	"renewflow/test/chaos"
	"renewflow/test/infra"
	"renewflow/test/oracles"
	"renewflow/ticketflow"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flEvents      = flag.Int("events", 32, "distinct webhook event ids to race on")
)

// TestRenewalConcurrency hammers the ledger and case lock from many
// goroutines and continuously checks the database invariants: one acceptance
// per event id, one processing-lock holder at a time, bounded replay
// retries, enum-only statuses.
func TestRenewalConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rng := rand.New(rand.NewSource(seed))

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	caseID := seedCase(t, ctx, pool, rng)
	runID := fmt.Sprintf("stress-%d", seed)
	const phone = "556299887766"

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := ticketflow.NewRegistry(map[ticketflow.Step]ticketflow.Handler{
		ticketflow.StepRenewalNotice: flakyHandler(rng),
		ticketflow.StepSchedulingForm: func(context.Context, ticketflow.Args) error {
			return nil
		},
	})
	queue := ticketflow.NewQueue(pool, registry)
	drain := ticketflow.NewWorker(queue, registry, time.Second, log)

	tel := actors.NewTelemetry()
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.AlertSender(ctx2, pool, caseID, runID, *flEvents, tel, stop)
		})
		g.Go(func() error { return actors.LockFighter(ctx2, pool, caseID, tel, stop) })
	}
	g.Go(func() error { return actors.Transitioner(ctx2, pool, caseID, stop) })
	g.Go(func() error { return actors.ActionWriter(ctx2, pool, caseID, runID, stop) })
	g.Go(func() error { return actors.DeferredEnqueuer(ctx2, queue, caseID, phone, stop) })
	g.Go(func() error { return actors.DrainReplayer(ctx2, drain, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	// In-memory oracles the SQL checks cannot express.
	if v := tel.LockViolations.Load(); v != 0 {
		t.Fatalf("processing lock held concurrently %d times (seed=%d)", v, seed)
	}
	if dups := tel.MultipleAcceptances(); len(dups) != 0 {
		t.Fatalf("ledger accepted events more than once: %v (seed=%d)", dups, seed)
	}
	if tel.AcceptedCount() == 0 {
		t.Fatalf("no events accepted at all; actors never made progress (seed=%d)", seed)
	}
}

func flakyHandler(rng *rand.Rand) ticketflow.Handler {
	return func(context.Context, ticketflow.Args) error {
		if rng.Intn(3) == 0 {
			return errors.New("simulated downstream failure")
		}
		return nil
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func seedCase(t *testing.T, ctx context.Context, pool *pgxpool.Pool, rng *rand.Rand) int64 {
	t.Helper()
	caseID := rng.Int63()
	if _, err := pool.Exec(ctx,
		`INSERT INTO renewal_cases (case_id, company_name, contact_name, contact_phone, deal_type)
		 VALUES ($1, 'Stress LTDA', 'Stress', '556299887766', 'e-CNPJ A1')`, caseID); err != nil {
		t.Fatalf("seed case: %v", err)
	}
	return caseID
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"renewal_cases", `SELECT case_id, status, is_processing, last_interaction_at FROM renewal_cases ORDER BY last_interaction_at DESC LIMIT 20`},
		{"inbound_events", `SELECT event_id, case_id, event_type, received_at FROM inbound_events ORDER BY received_at DESC LIMIT 50`},
		{"pending_actions", `SELECT id, case_id, kind, processed, created_at FROM pending_actions ORDER BY created_at DESC LIMIT 50`},
		{"ticket_flow_queue", `SELECT id, case_id, step, status, retry_count, created_at FROM ticket_flow_queue ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
