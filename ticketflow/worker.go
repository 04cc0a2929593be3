package ticketflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// DefaultPollInterval is the drain worker's poll period. The staleness
// window of the "competing ticket has likely closed by now" assumption is
// exactly this interval.
const DefaultPollInterval = 15 * time.Second

// Worker drains the deferred queue: a single-threaded loop that replays
// waiting invocations against the handler registry at a fixed interval.
type Worker struct {
	queue    Queue
	registry *Registry
	interval time.Duration
	log      *slog.Logger
}

func NewWorker(queue Queue, registry *Registry, interval time.Duration, log *slog.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{queue: queue, registry: registry, interval: interval, log: log}
}

// Run polls until the context is canceled. Replay is unconditional once an
// invocation is due; the competing-ticket check is not repeated here.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("ticket flow worker started", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("ticket flow worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.log.Error("ticket flow drain failed", "error", err)
			}
		}
	}
}

// DrainOnce fetches all waiting invocations and replays them in creation
// order. A failed replay increments the retry counter and leaves the row
// waiting for the next pass; other rows still get their turn.
func (w *Worker) DrainOnce(ctx context.Context) error {
	waiting, err := w.queue.ListWaiting(ctx)
	if err != nil {
		return err
	}

	for _, inv := range waiting {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.replay(ctx, inv); err != nil {
			w.log.Error("deferred replay failed",
				"invocation_id", inv.ID, "case_id", inv.CaseID, "step", inv.Step, "error", err)
			if qErr := w.queue.IncrementRetry(ctx, inv.ID); qErr != nil {
				w.log.Error("retry bookkeeping failed", "invocation_id", inv.ID, "error", qErr)
			}
			continue
		}
		if err := w.queue.MarkStarted(ctx, inv.ID); err != nil {
			w.log.Error("mark started failed", "invocation_id", inv.ID, "error", err)
		} else {
			w.log.Info("deferred invocation replayed", "invocation_id", inv.ID, "case_id", inv.CaseID, "step", inv.Step)
		}
	}
	return nil
}

func (w *Worker) replay(ctx context.Context, inv Invocation) error {
	handler, err := w.registry.Resolve(inv.Step)
	if err != nil {
		// Fails closed: never execute an unbound step.
		return err
	}

	var args Args
	if err := json.Unmarshal(inv.Args, &args); err != nil {
		return errors.Join(ErrInvalidArgs, err)
	}

	return handler(ctx, args)
}
