// Package scanner walks every page of the current listing snapshot and
// emits ordered row batches. It re-reads the page count on every visit,
// verifies the source really is on the expected page before reading
// rows, and restarts the whole scan from page 1 whenever the source
// diverges — partial data from a misaligned page is never emitted.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/suwatbch/tbserver/listing"
	"github.com/suwatbch/tbserver/poll"
)

var (
	// ErrPageTransition means a requested page change did not complete
	// within the timeout. Transient: the round is abandoned and the
	// control loop schedules the next one.
	ErrPageTransition = errors.New("scanner: page transition timed out")
	// ErrScanUnstable means the scan restarted more times than the
	// budget allows within a single round.
	ErrScanUnstable = errors.New("scanner: too many restarts")
)

// Batch is the rows of one page, in presentation order.
type Batch struct {
	Page       int
	TotalPages int
	Rows       []listing.Row
}

// EmitFunc receives each batch. Returning an error aborts the scan and
// propagates to the caller; the engine uses this for early stop.
type EmitFunc func(ctx context.Context, b Batch) error

// Config tunes the scanner.
type Config struct {
	// PageTimeout bounds the wait for a page transition. Default: 10s.
	PageTimeout time.Duration
	// PollInterval between transition checks. Default: 250ms.
	PollInterval time.Duration
	// MaxRestarts bounds scan restarts per round. Default: 5.
	MaxRestarts int
	// Clock overrides the real clock in waits.
	Clock  poll.Clock
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.PageTimeout <= 0 {
		c.PageTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Scanner walks one listing source. It is restartable but never resumes
// from an arbitrary page.
type Scanner struct {
	src listing.Source
	cfg Config
}

// New creates a Scanner over the source.
func New(src listing.Source, cfg Config) *Scanner {
	cfg.defaults()
	return &Scanner{src: src, cfg: cfg}
}

// Scan reloads the listing and emits every page from 1 to the page
// count observed at each visit. On a current-page mismatch or a row
// read failure the scan restarts from page 1, up to the restart budget.
func (s *Scanner) Scan(ctx context.Context, emit EmitFunc) error {
	log := s.cfg.Logger

	if err := s.src.Reload(ctx); err != nil {
		return fmt.Errorf("scanner: reload: %w", err)
	}

	restarts := 0
	page := 1
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		total, err := s.src.TotalPages(ctx)
		if err != nil {
			if restarts++; restarts > s.cfg.MaxRestarts {
				return fmt.Errorf("%w: last error: %v", ErrScanUnstable, err)
			}
			log.Warn("scanner: page count read failed, restarting", "error", err)
			if err := s.restart(ctx); err != nil {
				return err
			}
			page = 1
			continue
		}
		if page > total {
			return nil
		}

		current, err := s.src.CurrentPage(ctx)
		if err == nil && current != page {
			err = fmt.Errorf("scanner: expected page %d, source shows %d", page, current)
		}
		if err == nil {
			var rows []listing.Row
			rows, err = s.src.Rows(ctx)
			if err == nil {
				if err := emit(ctx, Batch{Page: page, TotalPages: total, Rows: rows}); err != nil {
					return err
				}
				if page >= total {
					return nil
				}
				if err := s.goTo(ctx, page+1); err != nil {
					return err
				}
				page++
				continue
			}
		}

		// Misaligned page or row parse failure: discard and restart.
		if restarts++; restarts > s.cfg.MaxRestarts {
			return fmt.Errorf("%w: last error: %v", ErrScanUnstable, err)
		}
		log.Warn("scanner: restarting from page 1", "page", page, "error", err)
		if err := s.restart(ctx); err != nil {
			return err
		}
		page = 1
	}
}

// restart brings the source back to page 1.
func (s *Scanner) restart(ctx context.Context) error {
	current, err := s.src.CurrentPage(ctx)
	if err == nil && current == 1 {
		return nil
	}
	return s.goTo(ctx, 1)
}

// goTo requests page n and waits for the source to confirm the
// transition: its own current-page indicator matches n and no loading
// indicator is active.
func (s *Scanner) goTo(ctx context.Context, n int) error {
	if err := s.src.GoToPage(ctx, n); err != nil {
		return fmt.Errorf("scanner: go to page %d: %w", n, err)
	}
	err := poll.Until(ctx, poll.Options{
		Interval: s.cfg.PollInterval,
		Timeout:  s.cfg.PageTimeout,
		Clock:    s.cfg.Clock,
	}, func(ctx context.Context) (bool, error) {
		current, err := s.src.CurrentPage(ctx)
		if err != nil {
			return false, err
		}
		if current != n {
			return false, nil
		}
		loading, err := s.src.Loading(ctx)
		if err != nil {
			return false, err
		}
		return !loading, nil
	})
	if errors.Is(err, poll.ErrTimeout) {
		return fmt.Errorf("%w: page %d", ErrPageTransition, n)
	}
	if err != nil {
		return fmt.Errorf("scanner: wait for page %d: %w", n, err)
	}
	return nil
}
