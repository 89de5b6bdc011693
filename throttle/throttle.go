// Package throttle collapses bursts of triggers into single runs of an
// operation and never lets two runs overlap.
package throttle

import (
	"context"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Throttle debounces and serializes calls to an operation.
//
// Every trigger first waits the quiet period. Only the most recent trigger
// at that point is eligible to run; an eligible trigger then waits for any
// in-flight run and checks again that nothing newer arrived before it runs.
// A burst therefore produces at most one run in flight plus one queued.
type Throttle[T any] struct {
	quiet  time.Duration
	fn     func(context.Context, T) error
	clock  clock.Clock
	logger *zap.Logger

	latest  atomic.Uint64
	running *semaphore.Weighted
}

// Option configures a Throttle.
type Option func(*options)

type options struct {
	clock  clock.Clock
	logger *zap.Logger
}

// WithClock sets the clock used for the quiet period.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger for dropped triggers.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New returns a Throttle that runs fn after quiet has passed without a newer
// trigger.
func New[T any](quiet time.Duration, fn func(context.Context, T) error, opts ...Option) *Throttle[T] {
	o := options{clock: clock.NewClock(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Throttle[T]{
		quiet:   quiet,
		fn:      fn,
		clock:   o.clock,
		logger:  o.logger,
		running: semaphore.NewWeighted(1),
	}
}

// Trigger requests a run with arg. It reports whether this trigger ran the
// operation; a trigger superseded by a later one returns false and a nil
// error. Cancelling ctx abandons the wait.
func (t *Throttle[T]) Trigger(ctx context.Context, arg T) (bool, error) {
	gen := t.latest.Add(1)

	if err := t.wait(ctx); err != nil {
		return false, err
	}
	if t.latest.Load() != gen {
		t.logger.Debug("trigger superseded during quiet period", zap.Uint64("generation", gen))
		return false, nil
	}

	if err := t.running.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer t.running.Release(1)
	if t.latest.Load() != gen {
		t.logger.Debug("trigger superseded while a run was in flight", zap.Uint64("generation", gen))
		return false, nil
	}
	return true, t.fn(ctx, arg)
}

func (t *Throttle[T]) wait(ctx context.Context) error {
	timer := t.clock.NewTimer(t.quiet)
	defer timer.Stop()
	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
