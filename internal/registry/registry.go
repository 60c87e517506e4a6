// Package registry is the process-wide intent deduplication set.
//
// Every submitted intent is registered by ID before any plan is built; a
// second submit with the same ID fails with ErrDuplicate regardless of the
// first plan's outcome. Entries are the dedup witness and are never removed —
// only their state moves ACTIVE → COMPLETED or ACTIVE → FAILED. All
// operations take a single internal lock and never call out while holding it.
package registry

import (
	"errors"
	"sync"
	"time"
)

// State tracks the lifecycle of a registered intent.
type State string

const (
	StateActive    State = "ACTIVE"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// ErrDuplicate is returned when the intent ID is already registered.
var ErrDuplicate = errors.New("registry: duplicate intent")

// ErrUnknown is returned when marking an intent that was never registered.
var ErrUnknown = errors.New("registry: unknown intent")

// Entry is the registered record for one intent.
type Entry struct {
	State        State
	RegisteredTs time.Time
}

// Registry enforces at-most-one live plan per intent fingerprint.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register records the intent ID as ACTIVE. Fails with ErrDuplicate if the
// ID is already present in any state.
func (r *Registry) Register(intentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[intentID]; ok {
		return ErrDuplicate
	}
	r.entries[intentID] = Entry{State: StateActive, RegisteredTs: time.Now()}
	return nil
}

// MarkCompleted transitions an ACTIVE entry to COMPLETED.
func (r *Registry) MarkCompleted(intentID string) error {
	return r.transition(intentID, StateCompleted)
}

// MarkFailed transitions an ACTIVE entry to FAILED.
func (r *Registry) MarkFailed(intentID string) error {
	return r.transition(intentID, StateFailed)
}

func (r *Registry) transition(intentID string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[intentID]
	if !ok {
		return ErrUnknown
	}
	// Terminal states are sticky; only ACTIVE entries move.
	if e.State != StateActive {
		return nil
	}
	e.State = to
	r.entries[intentID] = e
	return nil
}

// IsRegistered reports whether the ID is present in any state.
func (r *Registry) IsRegistered(intentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[intentID]
	return ok
}

// Get returns the entry for an ID, if registered.
func (r *Registry) Get(intentID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[intentID]
	return e, ok
}

// ActiveCount returns how many entries are still ACTIVE.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.State == StateActive {
			n++
		}
	}
	return n
}

// Len returns the total number of registered intents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
