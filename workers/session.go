// Package workers holds the background loops: deferred-step replay, idle
// session sweeping, and proactive token refresh.
package workers

import (
	"context"
	"log/slog"
	"time"

	"renewflow/renewal"
)

// CaseFinalizer closes out a case the customer stopped answering.
type CaseFinalizer interface {
	FinalizeIdleCase(ctx context.Context, c renewal.Case) error
}

// SessionSweeper finalizes cases with no interaction past the idle window.
// The messaging platform only keeps a conversation session open so long;
// a case nobody answered needs its ticket closed and a human follow-up.
type SessionSweeper struct {
	cases     renewal.Store
	finalizer CaseFinalizer
	interval  time.Duration
	idleAfter time.Duration
	log       *slog.Logger
}

func NewSessionSweeper(cases renewal.Store, finalizer CaseFinalizer, interval, idleAfter time.Duration, log *slog.Logger) *SessionSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if idleAfter <= 0 {
		idleAfter = 30 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &SessionSweeper{
		cases:     cases,
		finalizer: finalizer,
		interval:  interval,
		idleAfter: idleAfter,
		log:       log,
	}
}

// Run sweeps until the context ends.
func (s *SessionSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.log.Error("session sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce finalizes every currently idle case. One failing case does not
// stop the sweep.
func (s *SessionSweeper) SweepOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-s.idleAfter)
	idle, err := s.cases.ListIdleSince(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, c := range idle {
		if err := s.finalizer.FinalizeIdleCase(ctx, c); err != nil {
			s.log.Error("idle case finalization failed", "case_id", c.CaseID, "error", err)
			continue
		}
		s.log.Info("idle case finalized", "case_id", c.CaseID, "last_interaction", c.LastInteractionAt)
	}
	return nil
}
