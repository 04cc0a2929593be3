package ticketflow

import (
	"context"
	"fmt"
)

// Handler executes one workflow step. A handler cannot tell a replayed
// invocation apart from a live one; the queue re-synthesizes the original
// arguments before calling it.
type Handler func(ctx context.Context, args Args) error

// Registry is the fixed step-to-handler table, resolved at construction
// time. There is no late string lookup: a step missing from the table is
// rejected when enqueued, not discovered at replay.
type Registry struct {
	handlers map[Step]Handler
}

func NewRegistry(handlers map[Step]Handler) *Registry {
	m := make(map[Step]Handler, len(handlers))
	for step, h := range handlers {
		m[step] = h
	}
	return &Registry{handlers: m}
}

// Resolve returns the handler bound to step.
func (r *Registry) Resolve(step Step) (Handler, error) {
	h, ok := r.handlers[step]
	if !ok || h == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, step)
	}
	return h, nil
}

// Known reports whether step is bound to a handler.
func (r *Registry) Known(step Step) bool {
	_, ok := r.handlers[step]
	return ok
}
