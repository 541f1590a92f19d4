package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/suwatbch/tbserver/ledger"
	"github.com/suwatbch/tbserver/listing"
	"github.com/suwatbch/tbserver/reserve"
	"github.com/suwatbch/tbserver/scanner"
)

// fakeClock advances instantly on every sleep so runs with many rounds
// finish in microseconds.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type memSource struct {
	mu      sync.Mutex
	pages   [][]listing.Row
	current int
}

func newMemSource(pages ...[]listing.Row) *memSource {
	return &memSource{pages: pages, current: 1}
}

func (s *memSource) CurrentPage(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

func (s *memSource) TotalPages(ctx context.Context) (int, error) {
	return len(s.pages), nil
}

func (s *memSource) Rows(ctx context.Context) ([]listing.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[s.current-1], nil
}

func (s *memSource) GoToPage(ctx context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = n
	return nil
}

func (s *memSource) Loading(ctx context.Context) (bool, error) { return false, nil }

func (s *memSource) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = 1
	return nil
}

// memSurface accepts every claim and enables confirm immediately. With
// challenge set it gates on a token that only SetChallengeToken issues.
type memSurface struct {
	lock      sync.Mutex
	challenge bool
	tokenSet  bool
	confirms  int
	dismisses int
}

func (s *memSurface) Claim(ctx context.Context, row listing.Row) error { return nil }

func (s *memSurface) ConfirmationVisible(ctx context.Context) (bool, error) { return true, nil }

func (s *memSurface) ChallengeRequired(ctx context.Context) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.challenge, nil
}

func (s *memSurface) ChallengeTokenPresent(ctx context.Context) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.tokenSet, nil
}

func (s *memSurface) ChallengeSiteKey(ctx context.Context) (string, error) {
	return "site-key-1", nil
}

func (s *memSurface) SetChallengeToken(ctx context.Context, token string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.tokenSet = true
	return nil
}

func (s *memSurface) ConfirmEnabled(ctx context.Context) (bool, error) { return true, nil }

func (s *memSurface) Confirm(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.confirms++
	return nil
}

func (s *memSurface) Dismiss(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.dismisses++
	return nil
}

func (s *memSurface) confirmCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.confirms
}

type fakeDriver struct {
	mu        sync.Mutex
	src       *memSource
	surf      listing.Surface
	pingErr   error
	navigates int
}

func (d *fakeDriver) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pingErr
}

func (d *fakeDriver) Listing(ctx context.Context) (listing.Source, listing.Surface, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.navigates > 0 {
		d.navigates--
		return nil, nil, ErrNavigated
	}
	return d.src, d.surf, nil
}

// stallSurface parks the first confirm-ready check until released and
// records the context state Dismiss was given.
type stallSurface struct {
	memSurface
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	dmu           sync.Mutex
	dismissed     bool
	dismissCtxErr error
}

func (s *stallSurface) ConfirmEnabled(ctx context.Context) (bool, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return false, nil
}

func (s *stallSurface) Dismiss(ctx context.Context) error {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	s.dismissed = true
	s.dismissCtxErr = ctx.Err()
	return nil
}

// blockingDriver parks in Ping until the run is cancelled. Used to hold
// a run open while exercising Start/Stop semantics.
type blockingDriver struct{}

func (blockingDriver) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingDriver) Listing(ctx context.Context) (listing.Source, listing.Surface, error) {
	return nil, nil, errors.New("unreachable")
}

type fakeSolver struct {
	mu    sync.Mutex
	token string
	err   error
	calls int
}

func (s *fakeSolver) Solve(ctx context.Context, pageURL, siteKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.token, s.err
}

func (s *fakeSolver) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type memRecorder struct {
	mu       sync.Mutex
	starts   int
	stops    int
	reason   string
	reserved []string
}

func (r *memRecorder) RunStarted(ctx context.Context, startedAt time.Time, testMode, dryRun bool) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	return 7, nil
}

func (r *memRecorder) RunStopped(ctx context.Context, runID int64, stoppedAt time.Time, reason string, rounds int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	r.reason = reason
	return nil
}

func (r *memRecorder) ReservationMade(ctx context.Context, runID int64, category, key, rowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserved = append(r.reserved, rowID)
	return nil
}

func testConfig(clk *fakeClock) Config {
	return Config{
		PageURL:    "https://listing.example/view",
		RoundDelay: 10 * time.Millisecond,
		Scanner: scanner.Config{
			Clock:        clk,
			PollInterval: time.Millisecond,
			PageTimeout:  20 * time.Millisecond,
		},
		Reserve: reserve.Config{
			Clock:        clk,
			PollInterval: time.Millisecond,
			ConfirmWait:  5 * time.Millisecond,
			TokenWait:    5 * time.Millisecond,
			ReadyWait:    5 * time.Millisecond,
		},
		Clock:  clk,
		Logger: slog.New(slog.DiscardHandler),
	}
}

func openRow(id, cat, key string) listing.Row {
	return listing.Row{
		ID:       id,
		Category: ledger.Category(cat),
		Key:      ledger.FilterKey(key),
		State:    listing.StateOpen,
	}
}

func waitStopped(t *testing.T, e *Engine) {
	t.Helper()
	done := e.Done()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop in time")
	}
}

// WHAT: a run over a two-page listing with exactly enough eligible rows
// to fill the capacity.
// WHY: exhaustion must stop the run by itself; no stop request needed.
func TestRunStopsWhenExhausted(t *testing.T) {
	src := newMemSource(
		[]listing.Row{
			openRow("r1", "4.2", "HBA-XYZ"),
			openRow("r2", "4.2", "ZZZ-ABC"), // key not accepted
			{ID: "r3", Category: "4.2", Key: "HBA-QQQ", State: listing.StateClosed},
		},
		[]listing.Row{
			openRow("r4", "9.6", "HBA2-DEF"),
		},
	)
	surf := &memSurface{}
	d := &fakeDriver{src: src, surf: surf}
	rec := &memRecorder{}
	e := New(d, &fakeSolver{}, rec, testConfig(&fakeClock{}))

	err := e.Start(StartParams{
		Cars:   []CarRequest{{Type: "4.2", Quantity: 1}, {Type: "9.6", Quantity: 1}},
		Routes: []string{"HBA"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStopped(t, e)

	if got := surf.confirmCount(); got != 2 {
		t.Fatalf("confirms = %d, want 2", got)
	}
	st := e.Status()
	if st.Running {
		t.Fatal("still running after exhaustion")
	}
	if st.LastReason != ReasonExhausted {
		t.Fatalf("reason = %q, want %q", st.LastReason, ReasonExhausted)
	}
	for cat, n := range st.Remaining {
		if n != 0 {
			t.Fatalf("remaining[%s] = %d, want 0", cat, n)
		}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.starts != 1 || rec.stops != 1 {
		t.Fatalf("recorder starts/stops = %d/%d, want 1/1", rec.starts, rec.stops)
	}
	if rec.reason != string(ReasonExhausted) {
		t.Fatalf("recorded reason = %q", rec.reason)
	}
	if len(rec.reserved) != 2 {
		t.Fatalf("recorded reservations = %v, want 2", rec.reserved)
	}
}

// WHAT: capacity one, two identical eligible rows on page 1 and more on
// page 2.
// WHY: the scan must stop at the first confirmation; the duplicate and
// the later page are never attempted.
func TestRunStopsMidScanOnExhaustion(t *testing.T) {
	src := newMemSource(
		[]listing.Row{
			openRow("r1", "4.2", "HBA-1"),
			openRow("r1", "4.2", "HBA-1"),
		},
		[]listing.Row{
			openRow("r9", "4.2", "HBA-9"),
		},
	)
	surf := &memSurface{}
	d := &fakeDriver{src: src, surf: surf}
	e := New(d, &fakeSolver{}, nil, testConfig(&fakeClock{}))

	err := e.Start(StartParams{
		Cars:   []CarRequest{{Type: "4.2", Quantity: 1}},
		Routes: []string{"HBA"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStopped(t, e)

	if got := surf.confirmCount(); got != 1 {
		t.Fatalf("confirms = %d, want 1", got)
	}
	if st := e.Status(); st.LastReason != ReasonExhausted {
		t.Fatalf("reason = %q, want %q", st.LastReason, ReasonExhausted)
	}
	if src.current != 1 {
		t.Fatalf("source moved to page %d, want to stay on 1", src.current)
	}
}

// WHAT: test mode with capacity left over after one scan.
// WHY: test mode caps the run at exactly one full round.
func TestRunTestModeStopsAfterOneRound(t *testing.T) {
	src := newMemSource([]listing.Row{openRow("r1", "4.2", "HBA-1")})
	surf := &memSurface{}
	d := &fakeDriver{src: src, surf: surf}
	e := New(d, &fakeSolver{}, nil, testConfig(&fakeClock{}))

	err := e.Start(StartParams{
		Cars:     []CarRequest{{Type: "4.2", Quantity: 5}},
		Routes:   []string{"HBA"},
		TestMode: true,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStopped(t, e)

	st := e.Status()
	if st.LastReason != ReasonTestMode {
		t.Fatalf("reason = %q, want %q", st.LastReason, ReasonTestMode)
	}
	if st.Round != 1 {
		t.Fatalf("round = %d, want 1", st.Round)
	}
	if got := surf.confirmCount(); got != 1 {
		t.Fatalf("confirms = %d, want 1", got)
	}
}

// WHAT: dry run over an eligible row.
// WHY: dry runs never click confirm and never consume capacity.
func TestRunDryRunLeavesLedgerUntouched(t *testing.T) {
	src := newMemSource([]listing.Row{openRow("r1", "4.2", "HBA-1")})
	surf := &memSurface{}
	d := &fakeDriver{src: src, surf: surf}
	e := New(d, &fakeSolver{}, nil, testConfig(&fakeClock{}))

	err := e.Start(StartParams{
		Cars:     []CarRequest{{Type: "4.2", Quantity: 2}},
		Routes:   []string{"HBA"},
		TestMode: true,
		DryRun:   true,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStopped(t, e)

	if got := surf.confirmCount(); got != 0 {
		t.Fatalf("confirms = %d, want 0", got)
	}
	st := e.Status()
	if st.Remaining["4.2"] != 2 {
		t.Fatalf("remaining = %d, want 2", st.Remaining["4.2"])
	}
	if st.LastReason != ReasonTestMode {
		t.Fatalf("reason = %q, want %q", st.LastReason, ReasonTestMode)
	}
}

// WHAT: a gated confirmation whose token comes from the solver.
// WHY: the solver path must end in a confirmed reservation.
func TestRunSolvesChallenge(t *testing.T) {
	src := newMemSource([]listing.Row{openRow("r1", "4.2", "HBA-1")})
	surf := &memSurface{challenge: true}
	solver := &fakeSolver{token: "tok-1"}
	d := &fakeDriver{src: src, surf: surf}
	e := New(d, solver, nil, testConfig(&fakeClock{}))

	err := e.Start(StartParams{
		Cars:   []CarRequest{{Type: "4.2", Quantity: 1}},
		Routes: []string{"HBA"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStopped(t, e)

	if got := solver.callCount(); got != 1 {
		t.Fatalf("solver calls = %d, want 1", got)
	}
	if got := surf.confirmCount(); got != 1 {
		t.Fatalf("confirms = %d, want 1", got)
	}
	if st := e.Status(); st.LastReason != ReasonExhausted {
		t.Fatalf("reason = %q, want %q", st.LastReason, ReasonExhausted)
	}
}

// WHAT: solver failure with the default halt behaviour, then with the
// continue knob set.
// WHY: an unresolved challenge stops the run unless explicitly allowed
// to continue.
func TestRunChallengeFailureHaltKnob(t *testing.T) {
	t.Run("halts by default", func(t *testing.T) {
		src := newMemSource([]listing.Row{openRow("r1", "4.2", "HBA-1")})
		surf := &memSurface{challenge: true}
		d := &fakeDriver{src: src, surf: surf}
		e := New(d, &fakeSolver{err: errors.New("no workers")}, nil, testConfig(&fakeClock{}))

		err := e.Start(StartParams{
			Cars:   []CarRequest{{Type: "4.2", Quantity: 1}},
			Routes: []string{"HBA"},
		})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		waitStopped(t, e)

		if st := e.Status(); st.LastReason != ReasonChallengeFailed {
			t.Fatalf("reason = %q, want %q", st.LastReason, ReasonChallengeFailed)
		}
		if got := surf.confirmCount(); got != 0 {
			t.Fatalf("confirms = %d, want 0", got)
		}
	})

	t.Run("continues when allowed", func(t *testing.T) {
		src := newMemSource([]listing.Row{openRow("r1", "4.2", "HBA-1")})
		surf := &memSurface{challenge: true}
		d := &fakeDriver{src: src, surf: surf}
		solver := &fakeSolver{err: errors.New("no workers")}
		cfg := testConfig(&fakeClock{})
		cfg.ContinueAfterChallengeFailure = true
		e := New(d, solver, nil, cfg)

		err := e.Start(StartParams{
			Cars:     []CarRequest{{Type: "4.2", Quantity: 1}},
			Routes:   []string{"HBA"},
			TestMode: true,
		})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		waitStopped(t, e)

		if st := e.Status(); st.LastReason != ReasonTestMode {
			t.Fatalf("reason = %q, want %q", st.LastReason, ReasonTestMode)
		}
		if got := solver.callCount(); got == 0 {
			t.Fatal("solver never engaged")
		}
	})
}

// WHAT: the driver reports the session gone on the first ping.
// WHY: a lost session stops the run before any scan happens.
func TestRunStopsOnSessionLost(t *testing.T) {
	d := &fakeDriver{pingErr: errors.New("disconnected")}
	e := New(d, &fakeSolver{}, nil, testConfig(&fakeClock{}))

	err := e.Start(StartParams{
		Cars:   []CarRequest{{Type: "4.2", Quantity: 1}},
		Routes: []string{"HBA"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStopped(t, e)

	st := e.Status()
	if st.LastReason != ReasonSessionLost {
		t.Fatalf("reason = %q, want %q", st.LastReason, ReasonSessionLost)
	}
	if st.Round != 0 {
		t.Fatalf("round = %d, want 0", st.Round)
	}
}

// WHAT: the driver had to navigate before the listing was reachable.
// WHY: a navigation round is retried and does not count as a scan.
func TestRunRetriesAfterNavigation(t *testing.T) {
	src := newMemSource([]listing.Row{openRow("r1", "4.2", "HBA-1")})
	surf := &memSurface{}
	d := &fakeDriver{src: src, surf: surf, navigates: 1}
	e := New(d, &fakeSolver{}, nil, testConfig(&fakeClock{}))

	err := e.Start(StartParams{
		Cars:     []CarRequest{{Type: "4.2", Quantity: 5}},
		Routes:   []string{"HBA"},
		TestMode: true,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStopped(t, e)

	st := e.Status()
	if st.Round != 1 {
		t.Fatalf("round = %d, want 1", st.Round)
	}
	if got := surf.confirmCount(); got != 1 {
		t.Fatalf("confirms = %d, want 1", got)
	}
}

// WHAT: malformed start parameters.
// WHY: nothing may start on bad input; the error names the sentinel.
func TestStartRejectsInvalidInput(t *testing.T) {
	e := New(&fakeDriver{}, &fakeSolver{}, nil, testConfig(&fakeClock{}))

	cases := []struct {
		name   string
		params StartParams
	}{
		{"no cars", StartParams{Routes: []string{"HBA"}}},
		{"no routes", StartParams{Cars: []CarRequest{{Type: "4.2", Quantity: 1}}}},
		{"zero quantity", StartParams{
			Cars:   []CarRequest{{Type: "4.2", Quantity: 0}},
			Routes: []string{"HBA"},
		}},
		{"empty type", StartParams{
			Cars:   []CarRequest{{Type: "", Quantity: 1}},
			Routes: []string{"HBA"},
		}},
		{"empty route", StartParams{
			Cars:   []CarRequest{{Type: "4.2", Quantity: 1}},
			Routes: []string{""},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := e.Start(tc.params); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("Start = %v, want ErrInvalidInput", err)
			}
		})
	}
	if e.Status().Running {
		t.Fatal("rejected start left a run active")
	}
}

// WHAT: Start while running, then Stop twice.
// WHY: one run at a time; stopping a stopped engine is an error the
// server layer maps to an idempotent response.
func TestStartAndStopLifecycle(t *testing.T) {
	e := New(blockingDriver{}, &fakeSolver{}, nil, testConfig(&fakeClock{}))

	params := StartParams{
		Cars:   []CarRequest{{Type: "4.2", Quantity: 1}},
		Routes: []string{"HBA"},
	}
	if err := e.Start(params); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(params); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if !e.Status().Running {
		t.Fatal("not reported as running")
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitStopped(t, e)

	st := e.Status()
	if st.Running {
		t.Fatal("still running after stop")
	}
	if st.LastReason != ReasonStopRequested {
		t.Fatalf("reason = %q, want %q", st.LastReason, ReasonStopRequested)
	}
	if err := e.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop after stop = %v, want ErrNotRunning", err)
	}
}

// WHAT: Stop arrives while an attempt is parked in the confirm-ready
// wait.
// WHY: a stop request takes effect at the next candidate boundary; the
// in-flight attempt must reach a terminal state and dismiss the dialog
// with a live context.
func TestStopLetsInFlightAttemptFinish(t *testing.T) {
	src := newMemSource([]listing.Row{openRow("r1", "4.2", "HBA-1")})
	surf := &stallSurface{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	d := &fakeDriver{src: src, surf: surf}
	e := New(d, &fakeSolver{}, nil, testConfig(&fakeClock{}))

	err := e.Start(StartParams{
		Cars:   []CarRequest{{Type: "4.2", Quantity: 1}},
		Routes: []string{"HBA"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-surf.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("attempt never reached the confirm-ready wait")
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(surf.release)
	waitStopped(t, e)

	surf.dmu.Lock()
	defer surf.dmu.Unlock()
	if !surf.dismissed {
		t.Fatal("dialog never dismissed")
	}
	if surf.dismissCtxErr != nil {
		t.Fatalf("dismiss ran with a dead context: %v", surf.dismissCtxErr)
	}
	st := e.Status()
	if st.LastReason != ReasonStopRequested {
		t.Fatalf("reason = %q, want %q", st.LastReason, ReasonStopRequested)
	}
	if got := surf.confirmCount(); got != 0 {
		t.Fatalf("confirms = %d, want 0", got)
	}
}
