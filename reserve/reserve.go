// Package reserve drives a single opportunity through the reservation
// flow: claim, await the confirmation dialog, resolve the verification
// challenge when one gates the dialog, and confirm. Only a confirmed
// reservation touches the capacity ledger; every other terminal state
// leaves it unchanged so the row can be retried if it reappears.
package reserve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/suwatbch/tbserver/ledger"
	"github.com/suwatbch/tbserver/listing"
	"github.com/suwatbch/tbserver/poll"
)

// Outcome is the terminal state of one attempt.
type Outcome int

const (
	// OutcomeConfirmed: the reservation went through and the ledger was
	// updated.
	OutcomeConfirmed Outcome = iota
	// OutcomeDryRun: the flow reached the confirm step with confirming
	// disabled; the dialog was dismissed and the ledger untouched.
	OutcomeDryRun
	// OutcomeFailed: a terminal failure; see the returned error.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeDryRun:
		return "dry_run"
	default:
		return "failed"
	}
}

var (
	// ErrActionUnavailable: the claim action could not be activated.
	ErrActionUnavailable = errors.New("reserve: claim action unavailable")
	// ErrConfirmationTimeout: no confirmation dialog within the bound.
	ErrConfirmationTimeout = errors.New("reserve: confirmation dialog timed out")
	// ErrChallengeUnresolved: the verification challenge could not be
	// solved. The engine may escalate this to a full-run halt.
	ErrChallengeUnresolved = errors.New("reserve: challenge unresolved")
	// ErrConfirmationNotReady: the confirm action never became enabled.
	ErrConfirmationNotReady = errors.New("reserve: confirm action not ready")
)

// Solver resolves a verification challenge into a token. Implemented by
// captcha.Client.
type Solver interface {
	Solve(ctx context.Context, pageURL, siteKey string) (string, error)
}

// Config tunes the attempt timeouts.
type Config struct {
	// PageURL of the listing, passed to the solver.
	PageURL string
	// ConfirmWait bounds the wait for the confirmation dialog. Default: 2s.
	ConfirmWait time.Duration
	// TokenWait bounds the wait for a self-issued token before the
	// solver is engaged. Default: 3s.
	TokenWait time.Duration
	// ReadyWait bounds the wait for the confirm action. Default: 5s.
	ReadyWait time.Duration
	// PollInterval between surface checks. Default: 100ms.
	PollInterval time.Duration
	// DryRun skips the final confirm click and never touches the ledger.
	DryRun bool
	// Clock overrides the real clock in waits.
	Clock  poll.Clock
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.ConfirmWait <= 0 {
		c.ConfirmWait = 2 * time.Second
	}
	if c.TokenWait <= 0 {
		c.TokenWait = 3 * time.Second
	}
	if c.ReadyWait <= 0 {
		c.ReadyWait = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Machine runs reservation attempts against one surface.
type Machine struct {
	surface listing.Surface
	solver  Solver
	cfg     Config
}

// New creates a Machine.
func New(surface listing.Surface, solver Solver, cfg Config) *Machine {
	cfg.defaults()
	return &Machine{surface: surface, solver: solver, cfg: cfg}
}

// Attempt drives one row to a terminal state. On OutcomeConfirmed the
// ledger has been updated; on OutcomeFailed the returned error carries
// the reason and the ledger is untouched.
func (m *Machine) Attempt(ctx context.Context, row listing.Row, led *ledger.Ledger) (Outcome, error) {
	log := m.cfg.Logger.With("row_id", row.ID, "category", row.Category, "key", row.Key)

	if err := m.surface.Claim(ctx, row); err != nil {
		return OutcomeFailed, fmt.Errorf("%w: %v", ErrActionUnavailable, err)
	}
	log.Debug("reserve: claimed")

	if err := m.wait(ctx, m.cfg.ConfirmWait, m.surface.ConfirmationVisible); err != nil {
		if errors.Is(err, poll.ErrTimeout) {
			return OutcomeFailed, ErrConfirmationTimeout
		}
		return OutcomeFailed, fmt.Errorf("reserve: await confirmation: %w", err)
	}
	log.Debug("reserve: confirmation visible")

	required, err := m.surface.ChallengeRequired(ctx)
	if err != nil {
		m.dismiss(ctx, log)
		return OutcomeFailed, fmt.Errorf("reserve: challenge check: %w", err)
	}
	if required {
		if err := m.resolveChallenge(ctx, log); err != nil {
			m.dismiss(ctx, log)
			return OutcomeFailed, err
		}
	}

	if err := m.wait(ctx, m.cfg.ReadyWait, m.surface.ConfirmEnabled); err != nil {
		m.dismiss(ctx, log)
		if errors.Is(err, poll.ErrTimeout) {
			return OutcomeFailed, ErrConfirmationNotReady
		}
		return OutcomeFailed, fmt.Errorf("reserve: await confirm enabled: %w", err)
	}

	if m.cfg.DryRun {
		log.Info("reserve: dry run, skipping confirm")
		m.dismiss(ctx, log)
		return OutcomeDryRun, nil
	}

	if err := m.surface.Confirm(ctx); err != nil {
		m.dismiss(ctx, log)
		return OutcomeFailed, fmt.Errorf("reserve: confirm: %w", err)
	}
	if err := led.Reserve(row.Category, row.Key); err != nil {
		// The remote side accepted but the ledger refused: a policy bug
		// upstream (eligibility is checked before every attempt).
		log.Error("reserve: confirmed but ledger rejected", "error", err)
		return OutcomeFailed, fmt.Errorf("reserve: ledger: %w", err)
	}
	log.Info("reserve: confirmed")
	return OutcomeConfirmed, nil
}

// resolveChallenge waits briefly for a self-issued token, then engages
// the external solver and injects its token.
func (m *Machine) resolveChallenge(ctx context.Context, log *slog.Logger) error {
	err := m.wait(ctx, m.cfg.TokenWait, m.surface.ChallengeTokenPresent)
	if err == nil {
		log.Debug("reserve: token already present")
		return nil
	}
	if !errors.Is(err, poll.ErrTimeout) {
		return fmt.Errorf("reserve: await token: %w", err)
	}

	siteKey, err := m.surface.ChallengeSiteKey(ctx)
	if err != nil {
		return fmt.Errorf("%w: site key: %v", ErrChallengeUnresolved, err)
	}
	token, err := m.solver.Solve(ctx, m.cfg.PageURL, siteKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeUnresolved, err)
	}
	if err := m.surface.SetChallengeToken(ctx, token); err != nil {
		return fmt.Errorf("%w: inject token: %v", ErrChallengeUnresolved, err)
	}
	log.Debug("reserve: token injected")
	return nil
}

func (m *Machine) wait(ctx context.Context, timeout time.Duration, cond func(context.Context) (bool, error)) error {
	return poll.Until(ctx, poll.Options{
		Interval: m.cfg.PollInterval,
		Timeout:  timeout,
		Clock:    m.cfg.Clock,
	}, cond)
}

// dismiss closes the dialog on failure paths so the row stays retryable.
func (m *Machine) dismiss(ctx context.Context, log *slog.Logger) {
	if err := m.surface.Dismiss(ctx); err != nil {
		log.Warn("reserve: dismiss failed", "error", err)
	}
}
