package poll

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock advances only when Sleep is called.
type fakeClock struct {
	now    time.Time
	sleeps int
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	c.sleeps++
	return nil
}

func TestUntil_ImmediateSuccess(t *testing.T) {
	// WHAT: A condition that is already true returns without sleeping.
	// WHY: Waits must have a fast path for the common case.
	clk := &fakeClock{}
	err := Until(context.Background(), Options{Clock: clk}, func(context.Context) (bool, error) {
		return true, nil
	})
	if err != nil {
		t.Fatalf("until: %v", err)
	}
	if clk.sleeps != 0 {
		t.Errorf("sleeps: got %d, want 0", clk.sleeps)
	}
}

func TestUntil_SucceedsAfterRetries(t *testing.T) {
	// WHAT: The condition is re-checked at the interval until true.
	// WHY: This is the bounded-wait primitive every component relies on.
	clk := &fakeClock{}
	calls := 0
	err := Until(context.Background(), Options{Interval: time.Second, Timeout: time.Minute, Clock: clk},
		func(context.Context) (bool, error) {
			calls++
			return calls >= 3, nil
		})
	if err != nil {
		t.Fatalf("until: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
	if clk.sleeps != 2 {
		t.Errorf("sleeps: got %d, want 2", clk.sleeps)
	}
}

func TestUntil_Timeout(t *testing.T) {
	// WHAT: A condition that never becomes true returns ErrTimeout.
	// WHY: Nothing in the engine may wait indefinitely.
	clk := &fakeClock{}
	start := clk.Now()
	err := Until(context.Background(), Options{Interval: time.Second, Timeout: 3 * time.Second, Clock: clk},
		func(context.Context) (bool, error) { return false, nil })
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err: got %v, want ErrTimeout", err)
	}
	// Budget of 3s at 1s interval: checks at t=0,1,2 then times out once
	// the full budget has elapsed, not an interval early.
	if clk.sleeps != 3 {
		t.Errorf("sleeps: got %d, want 3", clk.sleeps)
	}
	if spent := clk.Now().Sub(start); spent != 3*time.Second {
		t.Errorf("budget spent: got %v, want 3s", spent)
	}
}

func TestUntil_ConditionError(t *testing.T) {
	// WHAT: A condition error aborts the poll and is returned as-is.
	// WHY: Collaborator failures must surface, not be retried blindly.
	boom := errors.New("boom")
	err := Until(context.Background(), Options{Clock: &fakeClock{}},
		func(context.Context) (bool, error) { return false, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err: got %v, want boom", err)
	}
}

func TestUntil_ContextCancelled(t *testing.T) {
	// WHAT: A cancelled context stops the poll with ctx.Err().
	// WHY: External stop requests must interrupt in-flight waits.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Until(ctx, Options{Clock: &fakeClock{}},
		func(context.Context) (bool, error) { return false, nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err: got %v, want context.Canceled", err)
	}
}
