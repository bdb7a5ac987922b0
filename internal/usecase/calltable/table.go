// Package calltable tracks outgoing calls that are waiting for a response.
//
// Every entry resolves at most once: the entry is removed under the lock in
// the same step that looks it up, so a retransmitted CallResult or a late
// CallError for an id that has already been answered is dropped.
package calltable

import (
	"sync"

	"ocpp-rpc/internal/domain"
)

type entry[S, F any] struct {
	onSuccess func(S)
	onFailure func(F)
	onAbandon func(error)
}

// Option configures a Table.
type Option func(*options)

type options struct {
	rejectDuplicates bool
}

// WithRejectDuplicates makes Add fail with domain.ErrDuplicateCall when the id
// is already outstanding. The default replaces the previous entry.
func WithRejectDuplicates() Option {
	return func(o *options) { o.rejectDuplicates = true }
}

// Table is a goroutine-safe map of outstanding call ids to their continuations.
// S is the success payload type and F the failure payload type.
type Table[S, F any] struct {
	mu      sync.Mutex
	entries map[string]entry[S, F]
	opts    options
}

// New creates an empty table.
func New[S, F any](opts ...Option) *Table[S, F] {
	t := &Table[S, F]{entries: make(map[string]entry[S, F])}
	for _, o := range opts {
		o(&t.opts)
	}
	return t
}

// Add registers continuations for id. onAbandon may be nil; it runs when the
// entry is dropped by Abandon or AbandonAll instead of being answered.
func (t *Table[S, F]) Add(id string, onSuccess func(S), onFailure func(F), onAbandon func(error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists && t.opts.rejectDuplicates {
		return domain.NewDomainError("Table.Add", domain.ErrDuplicateCall, id)
	}
	t.entries[id] = entry[S, F]{onSuccess: onSuccess, onFailure: onFailure, onAbandon: onAbandon}
	return nil
}

// Success resolves id with v. It reports false, and does nothing, when id is
// not outstanding.
func (t *Table[S, F]) Success(id string, v S) bool {
	e, ok := t.take(id)
	if !ok {
		return false
	}
	if e.onSuccess != nil {
		e.onSuccess(v)
	}
	return true
}

// Failure resolves id with the failure payload v. It reports false, and does
// nothing, when id is not outstanding.
func (t *Table[S, F]) Failure(id string, v F) bool {
	e, ok := t.take(id)
	if !ok {
		return false
	}
	if e.onFailure != nil {
		e.onFailure(v)
	}
	return true
}

// Remove discards id without invoking anything. It reports whether an entry
// was present.
func (t *Table[S, F]) Remove(id string) bool {
	_, ok := t.take(id)
	return ok
}

// Abandon discards id and hands cause to its onAbandon continuation.
func (t *Table[S, F]) Abandon(id string, cause error) bool {
	e, ok := t.take(id)
	if !ok {
		return false
	}
	if e.onAbandon != nil {
		e.onAbandon(cause)
	}
	return true
}

// AbandonAll empties the table, handing cause to every onAbandon
// continuation. It returns the number of entries dropped.
func (t *Table[S, F]) AbandonAll(cause error) int {
	t.mu.Lock()
	drained := t.entries
	t.entries = make(map[string]entry[S, F])
	t.mu.Unlock()

	for _, e := range drained {
		if e.onAbandon != nil {
			e.onAbandon(cause)
		}
	}
	return len(drained)
}

// Has reports whether id is outstanding.
func (t *Table[S, F]) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

// Len returns the number of outstanding entries.
func (t *Table[S, F]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// take removes and returns the entry for id. Callbacks always run after the
// lock is released so they may call back into the table.
func (t *Table[S, F]) take(id string) (entry[S, F], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return e, ok
}
