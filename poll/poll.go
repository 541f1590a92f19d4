// Package poll provides bounded condition polling with an injectable
// clock, so every wait in the engine has an explicit deadline and tests
// can exercise timeouts without sleeping wall-clock time.
//
// Typical usage:
//
//	err := poll.Until(ctx, poll.Options{Interval: 100 * time.Millisecond, Timeout: 2 * time.Second},
//		func(ctx context.Context) (bool, error) { return surface.ConfirmationVisible(ctx) })
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when the condition did not become true before
// the deadline.
var ErrTimeout = errors.New("poll: timeout")

// Clock abstracts time for deterministic tests. The zero value of
// Options uses the real clock.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in
	// the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Options tunes a bounded poll.
type Options struct {
	// Interval between condition checks. Default: 100ms.
	Interval time.Duration
	// Timeout is the total budget. Default: 5s.
	Timeout time.Duration
	// Clock overrides the real clock.
	Clock Clock
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 100 * time.Millisecond
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
}

// Until checks cond at opts.Interval until it returns true, returns an
// error, the timeout elapses (ErrTimeout), or ctx is cancelled. The
// condition is always checked at least once, immediately.
func Until(ctx context.Context, opts Options, cond func(context.Context) (bool, error)) error {
	opts.defaults()
	deadline := opts.Clock.Now().Add(opts.Timeout)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := opts.Clock.Sleep(ctx, opts.Interval); err != nil {
			return err
		}
		// Checked after the sleep so the full budget is spent before
		// ErrTimeout is reported.
		if !opts.Clock.Now().Before(deadline) {
			return ErrTimeout
		}
	}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
