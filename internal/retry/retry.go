// Package retry provides the polling policy shared by the device-flow
// token poll and the fork readiness poll.
//
// A Policy runs an operation until it succeeds, returns a permanent error,
// runs out of attempts or the context is done. Waiting goes through a
// [backoff.Timer] so tests can substitute a fake that never sleeps.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned (wrapped together with the last operation error)
// when MaxAttempts operations all failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes a fixed-interval poll.
type Policy struct {
	// MaxAttempts bounds the number of operation calls. 0 means unbounded,
	// in which case the operation or the context must end the poll.
	MaxAttempts int
	// Interval is the wait between two operation calls.
	Interval time.Duration
	// WaitFirst waits one interval before the first call.
	WaitFirst bool
	// Timer drives the waits. nil uses a real timer.
	Timer backoff.Timer
	// Notify is called after each failed attempt with the upcoming wait.
	Notify func(err error, next time.Duration)
}

// Permanent marks err as non-retryable. Do returns err unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

type slowDownError struct {
	err error
	by  time.Duration
}

func (e *slowDownError) Error() string { return e.err.Error() }
func (e *slowDownError) Unwrap() error { return e.err }

// SlowDown reports a retryable failure that also asks for a longer wait.
// The interval grows by "by" for the next wait and every wait after it.
func SlowDown(err error, by time.Duration) error {
	return &slowDownError{err: err, by: by}
}

// schedule is the backoff.BackOff behind a Policy.
type schedule struct {
	max      int
	base     time.Duration
	interval time.Duration
	attempts int
}

func (s *schedule) NextBackOff() time.Duration {
	if s.max > 0 && s.attempts >= s.max {
		return backoff.Stop
	}
	return s.interval
}

func (s *schedule) Reset() {
	s.interval = s.base
	s.attempts = 0
}

// Do runs op according to the policy. It returns nil on success, the
// unwrapped error of a Permanent failure, ctx.Err() on cancellation, or an
// error matching ErrExhausted when attempts ran out.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	timer := p.Timer
	if timer == nil {
		timer = &realTimer{}
	}
	defer timer.Stop()

	s := &schedule{max: p.MaxAttempts, base: p.Interval}
	s.Reset()

	if p.WaitFirst {
		if err := wait(ctx, timer, s.interval); err != nil {
			return err
		}
	}

	var (
		last      error
		permanent bool
	)
	operation := func() error {
		s.attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
			return err
		}

		var slow *slowDownError
		if errors.As(err, &slow) {
			s.interval += slow.by
		}
		return err
	}

	err := backoff.RetryNotifyWithTimer(operation, backoff.WithContext(s, ctx), p.Notify, timer)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case permanent:
		return err
	default:
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, s.attempts, last)
	}
}

func wait(ctx context.Context, timer backoff.Timer, d time.Duration) error {
	timer.Start(d)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

// realTimer is a reusable time.Timer satisfying backoff.Timer.
type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) C() <-chan time.Time {
	return t.timer.C
}

func (t *realTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = time.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *realTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
