// Package listing defines the candidate-row model and the two
// collaborator interfaces the engine drives: a Source that exposes the
// paginated listing and a Surface that performs the claim/confirm
// actions. Concrete implementations live in the browser package; tests
// use in-memory fakes.
package listing

import (
	"context"
	"strings"

	"github.com/suwatbch/tbserver/ledger"
)

// RowState is the claimability of a row, derived from its presentation
// state text. Anything but Open is never eligible.
type RowState int

const (
	StateUnknown RowState = iota
	StateOpen
	StateInProgress
	StateClosed
)

func (s RowState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateInProgress:
		return "in_progress"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ParseState maps the listing's state text to a RowState. The open
// wording is what the upstream page shows for a claimable row; grabbed
// and expired wordings map to InProgress and Closed. Unrecognised text
// is Unknown, which is never eligible.
func ParseState(text string) RowState {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "grab an order":
		return StateOpen
	case "order grabbed", "in progress", "grabbing":
		return StateInProgress
	case "closed", "ended", "expired":
		return StateClosed
	default:
		return StateUnknown
	}
}

// Row is one candidate opportunity. Rows are produced fresh each scan
// and never persisted or deduplicated across rounds.
type Row struct {
	ID       string
	Category ledger.Category
	Key      ledger.FilterKey
	State    RowState
}

// Source exposes the paginated listing. Page indexes are 1-based.
// Implementations surface their failures as errors; the scanner treats
// them as scan-consistency faults.
type Source interface {
	// CurrentPage returns the page the source is presently showing.
	CurrentPage(ctx context.Context) (int, error)
	// TotalPages returns the page count as currently reported. It can
	// change between calls.
	TotalPages(ctx context.Context) (int, error)
	// Rows reads the rows of the page currently shown.
	Rows(ctx context.Context) ([]Row, error)
	// GoToPage requests a transition to page n. The transition is
	// asynchronous; callers must wait for CurrentPage to confirm it.
	GoToPage(ctx context.Context, n int) error
	// Loading reports whether the source is mid-transition.
	Loading(ctx context.Context) (bool, error)
	// Reload refreshes the listing snapshot.
	Reload(ctx context.Context) error
}

// Surface performs the reservation actions for rows of one listing.
type Surface interface {
	// Claim activates the claim action on the row.
	Claim(ctx context.Context, row Row) error
	// ConfirmationVisible reports whether the confirmation dialog is up.
	ConfirmationVisible(ctx context.Context) (bool, error)
	// ChallengeRequired reports whether the confirmation dialog gates
	// the confirm action behind a human-verification token.
	ChallengeRequired(ctx context.Context) (bool, error)
	// ChallengeTokenPresent reports whether a token has already been
	// issued (e.g. the widget solved itself).
	ChallengeTokenPresent(ctx context.Context) (bool, error)
	// ChallengeSiteKey returns the site key of the challenge widget.
	ChallengeSiteKey(ctx context.Context) (string, error)
	// SetChallengeToken injects an externally solved token.
	SetChallengeToken(ctx context.Context, token string) error
	// ConfirmEnabled reports whether the confirm action is clickable.
	ConfirmEnabled(ctx context.Context) (bool, error)
	// Confirm activates the confirm action.
	Confirm(ctx context.Context) error
	// Dismiss closes the confirmation dialog, leaving the row as it was.
	Dismiss(ctx context.Context) error
}
