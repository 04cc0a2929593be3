package ticketflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type fakeQueue struct {
	waiting   []Invocation
	enqueued  []Invocation
	started   []string
	retried   []string
	enqueueFn func(step Step, args Args) error
}

func (f *fakeQueue) Enqueue(_ context.Context, caseID int64, phone string, step Step, args Args) (Invocation, error) {
	if f.enqueueFn != nil {
		if err := f.enqueueFn(step, args); err != nil {
			return Invocation{}, err
		}
	}
	raw, _ := json.Marshal(args)
	inv := Invocation{
		ID:           "inv-" + string(step),
		CaseID:       caseID,
		ContactPhone: phone,
		Step:         step,
		Args:         raw,
		Status:       StatusWaiting,
		CreatedAt:    time.Now(),
	}
	f.enqueued = append(f.enqueued, inv)
	return inv, nil
}

func (f *fakeQueue) ListWaiting(context.Context) ([]Invocation, error) {
	return f.waiting, nil
}

func (f *fakeQueue) MarkStarted(_ context.Context, id string) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeQueue) IncrementRetry(_ context.Context, id string) error {
	f.retried = append(f.retried, id)
	return nil
}

type fakeChecker struct {
	competing bool
	err       error
}

func (f *fakeChecker) HasCompetingTicket(context.Context, string) (bool, error) {
	return f.competing, f.err
}

func mustArgs(t *testing.T, args Args) []byte {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return raw
}

func TestGuardDefersWhenCompetingTicketOpen(t *testing.T) {
	queue := &fakeQueue{}
	guard := NewGuard(queue, &fakeChecker{competing: true}, nil)

	liveCalled := false
	deferred, err := guard.Run(context.Background(), StepRenewalNotice,
		Args{CaseID: 42, Phone: "556293159124"},
		func(context.Context) error { liveCalled = true; return nil })
	if err != nil {
		t.Fatalf("guard run: %v", err)
	}

	if !deferred {
		t.Fatal("expected invocation to be deferred")
	}
	if liveCalled {
		t.Fatal("live handler must not run while a competing ticket is open")
	}
	if len(queue.enqueued) != 1 || queue.enqueued[0].Step != StepRenewalNotice {
		t.Fatalf("expected one enqueued invocation, got %+v", queue.enqueued)
	}
}

func TestGuardExecutesLiveWithoutCompetingTicket(t *testing.T) {
	queue := &fakeQueue{}
	guard := NewGuard(queue, &fakeChecker{competing: false}, nil)

	liveCalled := false
	deferred, err := guard.Run(context.Background(), StepCustomerReply,
		Args{CaseID: 42, Phone: "556293159124", Message: "sim"},
		func(context.Context) error { liveCalled = true; return nil })
	if err != nil {
		t.Fatalf("guard run: %v", err)
	}

	if deferred || !liveCalled {
		t.Fatalf("expected live execution, deferred=%v liveCalled=%v", deferred, liveCalled)
	}
	if len(queue.enqueued) != 0 {
		t.Fatalf("expected empty queue, got %d rows", len(queue.enqueued))
	}
}

func TestGuardTreatsCheckerFailureAsNotCompeting(t *testing.T) {
	queue := &fakeQueue{}
	guard := NewGuard(queue, &fakeChecker{err: errors.New("ticketing api down")}, nil)

	liveCalled := false
	deferred, err := guard.Run(context.Background(), StepSchedulingForm,
		Args{CaseID: 7, Phone: "556293159124"},
		func(context.Context) error { liveCalled = true; return nil })
	if err != nil {
		t.Fatalf("guard run: %v", err)
	}
	if deferred || !liveCalled {
		t.Fatal("expected live execution when the ticket check fails")
	}
}

func TestWorkerReplaysWaitingInvocationsInOrder(t *testing.T) {
	var executed []int64
	registry := NewRegistry(map[Step]Handler{
		StepRenewalNotice: func(_ context.Context, args Args) error {
			executed = append(executed, args.CaseID)
			return nil
		},
	})

	queue := &fakeQueue{waiting: []Invocation{
		{ID: "a", CaseID: 1, Step: StepRenewalNotice, Args: mustArgs(t, Args{CaseID: 1, Phone: "556293159124"})},
		{ID: "b", CaseID: 2, Step: StepRenewalNotice, Args: mustArgs(t, Args{CaseID: 2, Phone: "556293159125"})},
	}}

	w := NewWorker(queue, registry, time.Second, nil)
	if err := w.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(executed) != 2 || executed[0] != 1 || executed[1] != 2 {
		t.Fatalf("expected replays in creation order, got %v", executed)
	}
	if len(queue.started) != 2 {
		t.Fatalf("expected both invocations marked started, got %v", queue.started)
	}
	if len(queue.retried) != 0 {
		t.Fatalf("expected no retries, got %v", queue.retried)
	}
}

func TestWorkerFailedReplayIncrementsRetryAndContinues(t *testing.T) {
	registry := NewRegistry(map[Step]Handler{
		StepRenewalNotice: func(_ context.Context, args Args) error {
			if args.CaseID == 1 {
				return errors.New("message send failed")
			}
			return nil
		},
	})

	queue := &fakeQueue{waiting: []Invocation{
		{ID: "a", CaseID: 1, Step: StepRenewalNotice, Args: mustArgs(t, Args{CaseID: 1, Phone: "556293159124"})},
		{ID: "b", CaseID: 2, Step: StepRenewalNotice, Args: mustArgs(t, Args{CaseID: 2, Phone: "556293159125"})},
	}}

	w := NewWorker(queue, registry, time.Second, nil)
	if err := w.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(queue.retried) != 1 || queue.retried[0] != "a" {
		t.Fatalf("expected invocation a retried, got %v", queue.retried)
	}
	if len(queue.started) != 1 || queue.started[0] != "b" {
		t.Fatalf("expected invocation b started, got %v", queue.started)
	}
}

func TestWorkerNeverExecutesUnboundStep(t *testing.T) {
	registry := NewRegistry(map[Step]Handler{})
	queue := &fakeQueue{waiting: []Invocation{
		{ID: "a", CaseID: 1, Step: Step("legacy_step"), Args: mustArgs(t, Args{CaseID: 1, Phone: "556293159124"})},
	}}

	w := NewWorker(queue, registry, time.Second, nil)
	if err := w.DrainOnce(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(queue.retried) != 1 {
		t.Fatalf("expected unbound step to count as a retry, got %v", queue.retried)
	}
	if len(queue.started) != 0 {
		t.Fatalf("unbound step must not be marked started")
	}
}

func TestValidateArgs(t *testing.T) {
	ok := mustArgs(t, Args{CaseID: 42, Phone: "556293159124", CompanyName: "Acme", DealType: "corporate"})
	if err := validateArgs(StepRenewalNotice, ok); err != nil {
		t.Fatalf("expected valid args, got %v", err)
	}

	missing := mustArgs(t, Args{CaseID: 42, Phone: "556293159124"})
	if err := validateArgs(StepRenewalNotice, missing); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs for missing fields, got %v", err)
	}

	badPhone := mustArgs(t, Args{CaseID: 42, Phone: "12345", CompanyName: "Acme", DealType: "corporate"})
	if err := validateArgs(StepRenewalNotice, badPhone); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs for bad phone, got %v", err)
	}

	if err := validateArgs(Step("nope"), ok); !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("expected ErrUnknownStep, got %v", err)
	}
}
