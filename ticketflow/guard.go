package ticketflow

import (
	"context"
	"log/slog"
)

// CompetingTicketChecker reports whether a human agent in another department
// currently owns the conversation for a phone number. A ticket owned by the
// automation's own department does not count as competing.
type CompetingTicketChecker interface {
	HasCompetingTicket(ctx context.Context, phone string) (bool, error)
}

// Guard wraps every webhook-triggered workflow entry point: when a competing
// human ticket is open, the handler invocation is persisted for later replay
// instead of executing, and the webhook caller gets a "queued" acknowledgment.
type Guard struct {
	queue   Queue
	checker CompetingTicketChecker
	log     *slog.Logger
}

func NewGuard(queue Queue, checker CompetingTicketChecker, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{queue: queue, checker: checker, log: log}
}

// Run executes live immediately unless a competing ticket is open, in which
// case the step is enqueued and deferred=true is returned. Failing to reach
// the ticketing platform counts as "no competing ticket": deferral is a
// courtesy to the human agent, not a correctness requirement.
func (g *Guard) Run(ctx context.Context, step Step, args Args, live func(ctx context.Context) error) (bool, error) {
	competing, err := g.checker.HasCompetingTicket(ctx, args.Phone)
	if err != nil {
		g.log.Warn("competing ticket check failed, executing live", "case_id", args.CaseID, "error", err)
		competing = false
	}

	if competing {
		if _, err := g.queue.Enqueue(ctx, args.CaseID, args.Phone, step, args); err != nil {
			return false, err
		}
		g.log.Info("step deferred behind human ticket", "case_id", args.CaseID, "step", step)
		return true, nil
	}

	return false, live(ctx)
}
