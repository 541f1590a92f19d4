// Package match decides whether a single listing row is worth a
// reservation attempt given the current ledger state. It is a pure
// policy: capacity is consumed elsewhere, only on a successful
// reservation, so two open rows of the same category cannot both pass
// once the category runs out.
package match

import (
	"github.com/suwatbch/tbserver/ledger"
	"github.com/suwatbch/tbserver/listing"
)

// Reason explains why a row was skipped. Eligible rows get ReasonOK.
type Reason int

const (
	ReasonOK Reason = iota
	ReasonNotOpen
	ReasonNoCapacity
	ReasonKeyRejected
)

func (r Reason) String() string {
	switch r {
	case ReasonOK:
		return "ok"
	case ReasonNotOpen:
		return "not_open"
	case ReasonNoCapacity:
		return "no_capacity"
	case ReasonKeyRejected:
		return "key_rejected"
	default:
		return "unknown"
	}
}

// Eligible reports whether the row should be attempted, with the reason
// for the verdict. Rows are expected to arrive in presentation order;
// the caller attempts them sequentially.
func Eligible(row listing.Row, l *ledger.Ledger) (bool, Reason) {
	if row.State != listing.StateOpen {
		return false, ReasonNotOpen
	}
	if !l.HasCapacity(row.Category) {
		return false, ReasonNoCapacity
	}
	if !l.IsAccepted(row.Key) {
		return false, ReasonKeyRejected
	}
	return true, ReasonOK
}
