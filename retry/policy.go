// Package retry provides the backoff policy wrapped around every outbound
// call to a remote system. This is the only defense against transient
// network failures; there is no circuit breaker or bulkhead.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"
)

// transientError marks an error as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the policy will retry it. Collaborator clients wrap
// timeouts and connection failures; application-level rejections pass
// through unwrapped and fail immediately.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err should be retried. Explicitly wrapped
// errors and net timeout errors qualify; everything else does not.
func IsTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// Policy is an explicit retry/backoff policy object composed at the call
// site. The zero value is unusable; construct with NewPolicy.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Factor     float64
	Jitter     bool

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// NewPolicy returns the default policy: 3 retries, exponential backoff
// doubling from baseDelay, with ±50% jitter.
func NewPolicy(baseDelay time.Duration) *Policy {
	return &Policy{
		MaxRetries: 3,
		BaseDelay:  baseDelay,
		Factor:     2.0,
		Jitter:     true,
		sleep:      sleepCtx,
		rand:       rand.Float64,
	}
}

// Do executes op, retrying transient failures up to MaxRetries times with
// exponential backoff. The op runs at most MaxRetries+1 times. After
// exhaustion the last error is returned to the caller.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := p.sleepFn()(ctx, p.delay(attempt-1)); err != nil {
				return err
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// delay computes base * factor^attempt, scaled by a jitter multiplier in
// [0.5, 1.0) when jitter is on.
func (p *Policy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
	}
	if p.Jitter {
		d *= 0.5 + p.randFn()()/2
	}
	return time.Duration(d)
}

func (p *Policy) sleepFn() func(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep
	}
	return sleepCtx
}

func (p *Policy) randFn() func() float64 {
	if p.rand != nil {
		return p.rand
	}
	return rand.Float64
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
