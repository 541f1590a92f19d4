// Package engine orchestrates acquisition runs: it owns the run
// session, paginates the listing through the scanner, filters rows
// through the matching policy, and drives the reservation state machine
// for every eligible candidate, strictly sequentially. One session per
// run, no process-wide state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/suwatbch/tbserver/ledger"
	"github.com/suwatbch/tbserver/listing"
	"github.com/suwatbch/tbserver/match"
	"github.com/suwatbch/tbserver/poll"
	"github.com/suwatbch/tbserver/reserve"
	"github.com/suwatbch/tbserver/scanner"
)

var (
	// ErrAlreadyRunning: Start was called while a run is active.
	ErrAlreadyRunning = errors.New("engine: already running")
	// ErrNotRunning: Stop was called with no active run.
	ErrNotRunning = errors.New("engine: not running")
	// ErrInvalidInput: malformed start parameters; the run never starts.
	ErrInvalidInput = errors.New("engine: invalid input")

	// ErrNavigated is returned by Driver.Listing when it had to navigate
	// or open a tab to reach the listing; the round is retried after a
	// short delay and does not count as a scan attempt.
	ErrNavigated = errors.New("engine: navigated to listing")
)

// Sentinels used to break out of a scan early.
var (
	errScanDone      = errors.New("engine: capacity exhausted mid-scan")
	errChallengeHalt = errors.New("engine: halting on challenge failure")
)

// Driver supplies the browser-backed collaborators. Implementations
// live in the browser package; tests inject fakes.
type Driver interface {
	// Ping verifies the underlying session is still connected.
	Ping(ctx context.Context) error
	// Listing locates (or opens) the listing view and returns the
	// Source/Surface pair bound to it. Returns ErrNavigated when it had
	// to move the browser there first.
	Listing(ctx context.Context) (listing.Source, listing.Surface, error)
}

// Recorder persists run history. All methods are best-effort: the
// engine logs their errors and carries on.
type Recorder interface {
	RunStarted(ctx context.Context, startedAt time.Time, testMode, dryRun bool) (int64, error)
	RunStopped(ctx context.Context, runID int64, stoppedAt time.Time, reason string, rounds int) error
	ReservationMade(ctx context.Context, runID int64, category, key, rowID string) error
}

// StopReason is why a run ended.
type StopReason string

const (
	ReasonExhausted       StopReason = "exhausted"
	ReasonStopRequested   StopReason = "stop_requested"
	ReasonTestMode        StopReason = "test_mode"
	ReasonSessionLost     StopReason = "session_lost"
	ReasonChallengeFailed StopReason = "challenge_failed"
	ReasonError           StopReason = "error"
)

// CarRequest is one capacity entry in the start parameters.
type CarRequest struct {
	Type     string `json:"type"`
	Quantity int    `json:"quantity"`
}

// StartParams configure one run.
type StartParams struct {
	Cars     []CarRequest `json:"cars"`
	Routes   []string     `json:"routes"`
	TestMode bool         `json:"testMode"`
	DryRun   bool         `json:"dryRun"`
}

// Config tunes the engine. Zero values match the original behaviour.
type Config struct {
	// PageURL of the listing view, passed to the challenge solver.
	PageURL string
	// RoundDelay between full scans. Default: 500ms.
	RoundDelay time.Duration
	// NavigateDelay after the driver had to navigate. Default: 2s.
	NavigateDelay time.Duration
	// MatchMode for accepted keys. Zero value is prefix matching.
	MatchMode ledger.MatchMode
	// ContinueAfterChallengeFailure keeps the run alive when a
	// challenge cannot be solved. Zero value (false) halts the run.
	ContinueAfterChallengeFailure bool
	// Scanner tunes the listing scanner.
	Scanner scanner.Config
	// Reserve tunes the reservation state machine. PageURL and DryRun
	// are filled in per run.
	Reserve reserve.Config
	// Clock overrides the real clock for inter-round sleeps.
	Clock  poll.Clock
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.RoundDelay <= 0 {
		c.RoundDelay = 500 * time.Millisecond
	}
	if c.NavigateDelay <= 0 {
		c.NavigateDelay = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
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

// Status is the externally visible run state.
type Status struct {
	Running      bool                                   `json:"running"`
	Round        int                                    `json:"round"`
	Remaining    map[ledger.Category]int                `json:"remaining,omitempty"`
	Assigned     map[ledger.Category]int                `json:"assigned,omitempty"`
	AssignedKeys map[ledger.Category][]ledger.FilterKey `json:"assigned_keys,omitempty"`
	LastReason   StopReason                             `json:"last_reason,omitempty"`
}

// session is the state of one run. Created by Start, destroyed when the
// run stops; never shared across runs.
type session struct {
	led      *ledger.Ledger
	round    int
	testMode bool
	dryRun   bool
	runID    int64
	cancel   context.CancelFunc
	done     chan struct{}
}

// Engine runs at most one acquisition session at a time.
type Engine struct {
	cfg      Config
	driver   Driver
	solver   reserve.Solver
	recorder Recorder

	mu         sync.Mutex
	sess       *session
	lastReason StopReason
	lastRound  int
	lastLedger *ledger.Ledger
}

// New creates an Engine. recorder may be nil.
func New(driver Driver, solver reserve.Solver, recorder Recorder, cfg Config) *Engine {
	cfg.defaults()
	return &Engine{cfg: cfg, driver: driver, solver: solver, recorder: recorder}
}

// Start validates the parameters, builds a fresh session, and launches
// the control loop.
func (e *Engine) Start(params StartParams) error {
	led, err := buildLedger(params, e.cfg.MatchMode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		led:      led,
		testMode: params.TestMode,
		dryRun:   params.DryRun,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if e.recorder != nil {
		id, err := e.recorder.RunStarted(ctx, time.Now(), s.testMode, s.dryRun)
		if err != nil {
			e.cfg.Logger.Warn("engine: record run start", "error", err)
		} else {
			s.runID = id
		}
	}
	e.sess = s
	e.cfg.Logger.Info("engine: run started",
		"categories", len(params.Cars), "routes", len(params.Routes),
		"test_mode", s.testMode, "dry_run", s.dryRun)

	go e.run(ctx, s)
	return nil
}

// Stop requests a graceful stop. The request takes effect at the next
// candidate or round boundary; in-flight attempts reach a terminal
// state first.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return ErrNotRunning
	}
	e.sess.cancel()
	return nil
}

// Done returns a channel closed when the current run's loop has fully
// stopped, or nil when no run is active.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil
	}
	return e.sess.done
}

// Status reports the current (or last) run state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{LastReason: e.lastReason, Round: e.lastRound}
	led := e.lastLedger
	if e.sess != nil {
		st.Running = true
		st.Round = e.sess.round
		led = e.sess.led
	}
	if led != nil {
		snap := led.Snapshot()
		st.Remaining = snap.Remaining
		st.Assigned = snap.Assigned
		st.AssignedKeys = snap.AssignedKeys
	}
	return st
}

func buildLedger(params StartParams, mode ledger.MatchMode) (*ledger.Ledger, error) {
	if len(params.Cars) == 0 {
		return nil, errors.New("no cars")
	}
	if len(params.Routes) == 0 {
		return nil, errors.New("no routes")
	}
	counts := make(map[ledger.Category]int, len(params.Cars))
	for _, c := range params.Cars {
		if c.Type == "" || c.Quantity <= 0 {
			return nil, fmt.Errorf("car %q: invalid quantity %d", c.Type, c.Quantity)
		}
		counts[ledger.Category(c.Type)] += c.Quantity
	}
	keys := make([]ledger.FilterKey, 0, len(params.Routes))
	for _, r := range params.Routes {
		if r == "" {
			return nil, errors.New("empty route")
		}
		keys = append(keys, ledger.FilterKey(r))
	}
	return ledger.New(counts, keys, mode)
}

// run executes rounds until a stop condition, then finalises the
// session. Any fault that escapes a round stops the run; there is no
// auto-resume.
func (e *Engine) run(ctx context.Context, s *session) {
	reason := e.loop(ctx, s)
	e.finish(s, reason)
}

func (e *Engine) loop(ctx context.Context, s *session) StopReason {
	log := e.cfg.Logger

	for {
		if ctx.Err() != nil {
			return ReasonStopRequested
		}
		if s.led.Exhausted() {
			return ReasonExhausted
		}

		if err := e.driver.Ping(ctx); err != nil {
			if ctx.Err() != nil {
				return ReasonStopRequested
			}
			log.Error("engine: session lost", "error", err)
			return ReasonSessionLost
		}

		src, surf, err := e.driver.Listing(ctx)
		if errors.Is(err, ErrNavigated) {
			log.Info("engine: not on listing view, navigated", "delay", e.cfg.NavigateDelay)
			if e.sleep(ctx, e.cfg.NavigateDelay) != nil {
				return ReasonStopRequested
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ReasonStopRequested
			}
			log.Error("engine: listing unreachable", "error", err)
			return ReasonSessionLost
		}

		// Status() reads the round counter concurrently.
		e.mu.Lock()
		s.round++
		round := s.round
		e.mu.Unlock()
		log.Info("engine: round started", "round", round)

		scanErr := e.scanRound(ctx, s, src, surf)
		switch {
		case scanErr == nil, errors.Is(scanErr, errScanDone):
			// Full (or early-complete) scan.
		case errors.Is(scanErr, errChallengeHalt):
			return ReasonChallengeFailed
		case ctx.Err() != nil:
			return ReasonStopRequested
		case errors.Is(scanErr, scanner.ErrPageTransition), errors.Is(scanErr, scanner.ErrScanUnstable):
			// Transient scan fault: abandon the round, try again.
			log.Warn("engine: scan abandoned", "round", round, "error", scanErr)
			if e.sleep(ctx, e.cfg.RoundDelay) != nil {
				return ReasonStopRequested
			}
			continue
		default:
			log.Error("engine: round failed", "round", round, "error", scanErr)
			return ReasonError
		}

		if s.led.Exhausted() {
			return ReasonExhausted
		}
		if s.testMode {
			log.Info("engine: test mode, stopping after one round")
			return ReasonTestMode
		}
		if e.sleep(ctx, e.cfg.RoundDelay) != nil {
			return ReasonStopRequested
		}
	}
}

// scanRound walks every page once, attempting each eligible row in
// presentation order.
func (e *Engine) scanRound(ctx context.Context, s *session, src listing.Source, surf listing.Surface) error {
	log := e.cfg.Logger

	rcfg := e.cfg.Reserve
	rcfg.PageURL = e.cfg.PageURL
	rcfg.DryRun = s.dryRun
	rcfg.Logger = log
	machine := reserve.New(surf, e.solver, rcfg)

	scfg := e.cfg.Scanner
	scfg.Logger = log
	sc := scanner.New(src, scfg)

	return sc.Scan(ctx, func(ctx context.Context, b scanner.Batch) error {
		for _, row := range b.Rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, skip := match.Eligible(row, s.led)
			if !ok {
				log.Debug("engine: row skipped",
					"row_id", row.ID, "page", b.Page, "reason", skip.String())
				continue
			}

			// A stop request lands at the boundary check above. The
			// attempt itself runs detached from cancellation so it
			// always reaches a terminal state and dismisses the dialog;
			// its waits are bounded by the machine's timeouts.
			actx := context.WithoutCancel(ctx)
			outcome, err := machine.Attempt(actx, row, s.led)
			switch {
			case outcome == reserve.OutcomeConfirmed:
				log.Info("engine: reserved",
					"row_id", row.ID, "category", row.Category, "key", row.Key, "page", b.Page)
				e.recordReservation(actx, s, row)
				if s.led.Exhausted() {
					return errScanDone
				}
			case outcome == reserve.OutcomeDryRun:
				log.Info("engine: dry-run match",
					"row_id", row.ID, "category", row.Category, "key", row.Key, "page", b.Page)
			case errors.Is(err, reserve.ErrChallengeUnresolved):
				log.Error("engine: challenge unresolved", "row_id", row.ID, "error", err)
				if !e.cfg.ContinueAfterChallengeFailure {
					return errChallengeHalt
				}
			default:
				// Transient attempt failure: next candidate.
				log.Warn("engine: attempt failed", "row_id", row.ID, "error", err)
			}
		}
		return nil
	})
}

func (e *Engine) recordReservation(ctx context.Context, s *session, row listing.Row) {
	if e.recorder == nil {
		return
	}
	err := e.recorder.ReservationMade(ctx, s.runID, string(row.Category), string(row.Key), row.ID)
	if err != nil {
		e.cfg.Logger.Warn("engine: record reservation", "error", err)
	}
}

// finish emits the final summary and tears the session down.
func (e *Engine) finish(s *session, reason StopReason) {
	snap := s.led.Snapshot()
	e.cfg.Logger.Info("engine: run stopped",
		"reason", string(reason), "rounds", s.round,
		"assigned", snap.Assigned, "remaining", snap.Remaining)

	if e.recorder != nil {
		// The run context is cancelled by now on the stop path; use a
		// fresh one for the final write.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.recorder.RunStopped(rctx, s.runID, time.Now(), string(reason), s.round); err != nil {
			e.cfg.Logger.Warn("engine: record run stop", "error", err)
		}
	}

	e.mu.Lock()
	e.lastReason = reason
	e.lastRound = s.round
	e.lastLedger = s.led
	e.sess = nil
	e.mu.Unlock()
	close(s.done)
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	return e.cfg.Clock.Sleep(ctx, d)
}
