// Package actors holds the concurrent workloads of the stress test. Each
// actor loops until stop closes, hammering one slice of the pipeline through
// the same repositories the service uses.
package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"renewflow/ledger"
	"renewflow/renewal"
	"renewflow/ticketflow"
)

// Telemetry aggregates the in-memory oracles the SQL checks cannot see:
// how often each event id was accepted and whether the processing lock was
// ever held by two actors at once.
type Telemetry struct {
	mu       sync.Mutex
	accepted map[string]int

	lockHolders    atomic.Int32
	LockViolations atomic.Int32
}

func NewTelemetry() *Telemetry {
	return &Telemetry{accepted: make(map[string]int)}
}

func (t *Telemetry) recordAcceptance(eventID string) {
	t.mu.Lock()
	t.accepted[eventID]++
	t.mu.Unlock()
}

// MultipleAcceptances returns event ids the ledger accepted more than once.
func (t *Telemetry) MultipleAcceptances() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, n := range t.accepted {
		if n > 1 {
			out = append(out, fmt.Sprintf("%s accepted %d times", id, n))
		}
	}
	return out
}

// AcceptedCount returns how many distinct event ids were accepted at all.
func (t *Telemetry) AcceptedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.accepted)
}

// AlertSender delivers webhook events from a small id pool, so most
// deliveries are replays. The ledger must accept each id exactly once no
// matter how many senders race on it.
func AlertSender(ctx context.Context, pool *pgxpool.Pool, caseID int64, runID string, events int, tel *Telemetry, stop <-chan struct{}) error {
	repo := ledger.NewRepository(pool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		eventID := fmt.Sprintf("%s-evt-%d", runID, rand.Intn(events))
		accepted, err := repo.RecordEvent(ctx, caseID, eventID, "renewal_alert", []byte(`{"stress":true}`))
		if err != nil {
			// Chaos may have killed this connection mid-statement.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(20 * time.Millisecond)
			continue
		}
		if accepted {
			tel.recordAcceptance(eventID)
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

// LockFighter battles for the case's processing flag. While holding it, the
// actor asserts it is alone; a second concurrent holder is the violation the
// whole test exists to catch.
func LockFighter(ctx context.Context, pool *pgxpool.Pool, caseID int64, tel *Telemetry, stop <-chan struct{}) error {
	repo := renewal.NewRepository(pool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		ok, err := repo.TryAcquireProcessingLock(ctx, caseID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(20 * time.Millisecond)
			continue
		}
		if ok {
			if tel.lockHolders.Add(1) > 1 {
				tel.LockViolations.Add(1)
			}
			time.Sleep(time.Duration(1+rand.Intn(5)) * time.Millisecond)
			tel.lockHolders.Add(-1)
			// The lock must come back even through chaos, or every other
			// fighter starves.
			for {
				if err := repo.ReleaseProcessingLock(ctx, caseID); err == nil {
					break
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				time.Sleep(10 * time.Millisecond)
			}
		}
		time.Sleep(time.Duration(2+rand.Intn(8)) * time.Millisecond)
	}
}

// Transitioner walks the case through random non-terminal statuses. Terminal
// statuses are excluded so the other actors keep finding an open case.
func Transitioner(ctx context.Context, pool *pgxpool.Pool, caseID int64, stop <-chan struct{}) error {
	repo := renewal.NewRepository(pool)
	statuses := []renewal.Status{
		renewal.StatusPending,
		renewal.StatusInfoSent,
		renewal.StatusSaleCreating,
		renewal.StatusSaleCreated,
		renewal.StatusBillingGenerated,
		renewal.StatusBillingPDFSent,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		next := statuses[rand.Intn(len(statuses))]
		if _, err := repo.Transition(ctx, caseID, next, renewal.ExtraFields{}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// ActionWriter enqueues outbound actions and drains them FIFO, the way the
// facade records messages around delivery.
func ActionWriter(ctx context.Context, pool *pgxpool.Pool, caseID int64, runID string, stop <-chan struct{}) error {
	repo := ledger.NewRepository(pool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := repo.EnqueueAction(ctx, caseID, runID+"-evt-0", "renewal_notice", []byte(`"stress"`)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(20 * time.Millisecond)
			continue
		}
		pending, err := repo.PendingActions(ctx, caseID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		for _, a := range pending {
			if rand.Intn(3) == 0 {
				continue
			}
			_ = repo.MarkActionProcessed(ctx, a.ID)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// DeferredEnqueuer pushes workflow steps into the replay queue with valid
// arguments, mimicking the guard's deferral path.
func DeferredEnqueuer(ctx context.Context, queue ticketflow.Queue, caseID int64, phone string, stop <-chan struct{}) error {
	steps := []ticketflow.Step{
		ticketflow.StepRenewalNotice,
		ticketflow.StepSchedulingForm,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		step := steps[rand.Intn(len(steps))]
		args := ticketflow.Args{
			CaseID:       caseID,
			Phone:        phone,
			CompanyName:  "Stress LTDA",
			ContactName:  "Stress",
			DaysToExpire: 10,
		}
		if _, err := queue.Enqueue(ctx, caseID, phone, step, args); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// DrainReplayer drains the queue with handlers that fail randomly, driving
// the retry counters toward the park threshold.
func DrainReplayer(ctx context.Context, worker *ticketflow.Worker, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := worker.DrainOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}
