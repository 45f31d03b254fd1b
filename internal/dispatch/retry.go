package dispatch

import (
	"context"
	"time"
)

// Defaults applied by RetryPolicy.normalize.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 60 * time.Second
)

// RetryEvent describes a retry about to happen.
type RetryEvent struct {
	ApprovalID string
	StepID     string
	Connector  string
	// Attempt is the attempt that just failed; the retry will be Attempt+1.
	Attempt int
	Delay   time.Duration
	Err     error
}

// RetryObserver is notified before every retry. It must not block for long
// and cannot influence control flow.
type RetryObserver interface {
	OnRetry(ctx context.Context, ev RetryEvent)
}

// RetryObserverFunc adapts a function to RetryObserver.
type RetryObserverFunc func(ctx context.Context, ev RetryEvent)

func (f RetryObserverFunc) OnRetry(ctx context.Context, ev RetryEvent) { f(ctx, ev) }

// RetryPolicy bounds the attempts for one plan step. MaxAttempts counts the
// first try.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Observer    RetryObserver
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	return p
}

// Delay returns BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalize()
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p RetryPolicy) notify(ctx context.Context, ev RetryEvent) {
	if p.Observer != nil {
		p.Observer.OnRetry(ctx, ev)
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
