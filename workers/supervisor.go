package workers

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Runner is a long-running loop that exits when its context ends.
type Runner interface {
	Run(ctx context.Context) error
}

// Supervisor runs all background loops as one unit: the first loop to fail
// cancels the rest, and Run returns that first error.
type Supervisor struct {
	runners []Runner
}

func NewSupervisor(runners ...Runner) *Supervisor {
	return &Supervisor{runners: runners}
}

func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range s.runners {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}
	return g.Wait()
}
