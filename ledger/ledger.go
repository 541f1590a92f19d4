// Package ledger holds the per-run capacity state: how many units of
// each category remain, how many were reserved, and which filter keys
// were assigned where. It enforces the conservation invariant
// remaining + assigned == initial for every category.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Category is the resource class being allocated (e.g. a vehicle type).
type Category string

// FilterKey is a route/destination identifier used to decide whether an
// opportunity is in scope.
type FilterKey string

// MatchMode selects the accepted-key policy. The source data sometimes
// embeds the accepted key as the leading segment of a compound
// identifier ("PDT" inside "PDT-7TRA"), so both semantics are supported.
type MatchMode int

const (
	// MatchPrefix accepts a row key when an accepted key is a prefix of
	// it. Default: matches the behaviour the listing actually exhibits.
	MatchPrefix MatchMode = iota
	// MatchExact requires full-key set membership.
	MatchExact
)

// ParseMatchMode maps a config string to a MatchMode.
func ParseMatchMode(s string) (MatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "prefix":
		return MatchPrefix, nil
	case "exact":
		return MatchExact, nil
	default:
		return 0, fmt.Errorf("ledger: unknown match mode %q", s)
	}
}

var (
	// ErrNoCapacity is returned by Reserve when the category has no
	// remaining units. The ledger is left untouched.
	ErrNoCapacity = errors.New("ledger: no remaining capacity")
	// ErrUnknownCategory is returned by Reserve for a category the
	// ledger was not created with.
	ErrUnknownCategory = errors.New("ledger: unknown category")
)

// Ledger is the in-memory capacity record for one run. It is mutated
// only by the reservation flow, but read concurrently by the status
// endpoint, hence the mutex.
type Ledger struct {
	mu           sync.Mutex
	initial      map[Category]int
	remaining    map[Category]int
	assigned     map[Category]int
	accepted     []FilterKey
	mode         MatchMode
	assignedKeys map[Category][]FilterKey
}

// Snapshot is a point-in-time copy of the ledger for reporting.
type Snapshot struct {
	Remaining    map[Category]int         `json:"remaining"`
	Assigned     map[Category]int         `json:"assigned"`
	AssignedKeys map[Category][]FilterKey `json:"assigned_keys"`
}

// New creates a Ledger. Every category must have a positive quantity and
// at least one accepted key must be supplied.
func New(counts map[Category]int, accepted []FilterKey, mode MatchMode) (*Ledger, error) {
	if len(counts) == 0 {
		return nil, errors.New("ledger: no categories")
	}
	if len(accepted) == 0 {
		return nil, errors.New("ledger: no accepted keys")
	}
	l := &Ledger{
		initial:      make(map[Category]int, len(counts)),
		remaining:    make(map[Category]int, len(counts)),
		assigned:     make(map[Category]int, len(counts)),
		mode:         mode,
		assignedKeys: make(map[Category][]FilterKey, len(counts)),
	}
	for c, n := range counts {
		if c == "" {
			return nil, errors.New("ledger: empty category")
		}
		if n <= 0 {
			return nil, fmt.Errorf("ledger: category %q: quantity must be positive, got %d", c, n)
		}
		l.initial[c] = n
		l.remaining[c] = n
		l.assigned[c] = 0
	}
	for _, k := range accepted {
		if k == "" {
			return nil, errors.New("ledger: empty accepted key")
		}
		l.accepted = append(l.accepted, k)
	}
	return l, nil
}

// HasCapacity reports whether the category still has unassigned units.
func (l *Ledger) HasCapacity(c Category) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining[c] > 0
}

// IsAccepted reports whether the key is in scope under the configured
// match mode.
func (l *Ledger) IsAccepted(k FilterKey) bool {
	for _, a := range l.accepted {
		switch l.mode {
		case MatchExact:
			if k == a {
				return true
			}
		case MatchPrefix:
			if strings.HasPrefix(string(k), string(a)) {
				return true
			}
		}
	}
	return false
}

// Reserve consumes one unit of capacity for the category and appends the
// key to the assignment history. It fails without mutation when the
// category is unknown or exhausted.
func (l *Ledger) Reserve(c Category, k FilterKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.initial[c]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	if l.remaining[c] <= 0 {
		return fmt.Errorf("%w: %q", ErrNoCapacity, c)
	}
	l.remaining[c]--
	l.assigned[c]++
	l.assignedKeys[c] = append(l.assignedKeys[c], k)
	return nil
}

// Exhausted reports whether every category has zero remaining units.
// This is the natural run-termination signal.
func (l *Ledger) Exhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range l.remaining {
		if n > 0 {
			return false
		}
	}
	return true
}

// Snapshot returns a deep copy of the current state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{
		Remaining:    make(map[Category]int, len(l.remaining)),
		Assigned:     make(map[Category]int, len(l.assigned)),
		AssignedKeys: make(map[Category][]FilterKey, len(l.assignedKeys)),
	}
	for c, n := range l.remaining {
		s.Remaining[c] = n
	}
	for c, n := range l.assigned {
		s.Assigned[c] = n
	}
	for c, keys := range l.assignedKeys {
		s.AssignedKeys[c] = append([]FilterKey(nil), keys...)
	}
	return s
}
