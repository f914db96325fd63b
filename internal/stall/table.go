// Package stall implements the blocking decision coordination between
// capturing threads and the policy agent: a table of outstanding requests
// and the wait-with-timeout-and-continuation protocol executed per request.
package stall

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opgate/opgate/internal/config"
	"github.com/opgate/opgate/pkg/types"
)

// ErrDisabled is returned by Register when the table or stalling mode is
// inactive. Callers must treat it as "do not enforce".
var ErrDisabled = errors.New("stalling disabled")

// Table is the registry of outstanding blocking requests, keyed by request
// id. Register and Resolve are non-blocking; only Await suspends.
type Table struct {
	cfg     *config.Manager
	enabled atomic.Bool

	mu      sync.Mutex
	entries map[uint64]*Entry
}

func NewTable(cfg *config.Manager) *Table {
	t := &Table{cfg: cfg, entries: make(map[uint64]*Entry)}
	t.enabled.Store(true)
	return t
}

// SetEnabled activates or deactivates the table as a whole, independent of
// the stalling config flag. A disabled table fails registration and makes
// in-flight waits abort on their next round.
func (t *Table) SetEnabled(on bool) { t.enabled.Store(on) }

// Enabled reports whether the table accepts registrations.
func (t *Table) Enabled() bool { return t.enabled.Load() }

// Register inserts a new entry for a blocking event and returns it. The
// entry is visible to Resolve before the caller starts waiting, so a fast
// agent may decide it first. The returned entry must be passed to Await
// (or Remove) by the same goroutine; that call owns the removal.
func (t *Table) Register(ev *types.Event) (*Entry, error) {
	if ev == nil {
		return nil, errors.New("nil event")
	}
	if !t.enabled.Load() || !t.cfg.StallingEnabled() {
		return nil, ErrDisabled
	}

	def := types.ResponseAllow
	if t.cfg.Read().DefaultResponseDeny() {
		def = types.ResponseDeny
	}
	e := newEntry(ev, def)

	t.mu.Lock()
	t.entries[ev.RequestID] = e
	t.mu.Unlock()
	return e, nil
}

// Resolve posts the agent's decision for a request. Returns false when no
// matching entry exists — the request already timed out, was removed, or
// never stalled. That race is expected and is not an error.
func (t *Table) Resolve(requestID uint64, resp types.Response, continueTimeout time.Duration) bool {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.resolve(resp, continueTimeout)
	return true
}

// Remove deletes the entry from the table. Idempotent; Await defers it so
// every exit path of the wait protocol removes the entry exactly once.
func (t *Table) Remove(e *Entry) {
	if e == nil {
		return
	}
	t.mu.Lock()
	delete(t.entries, e.requestID)
	t.mu.Unlock()
}

// Clear wakes every waiter so it re-runs its round checks immediately.
// The table registers as a config invalidator: a stall-mode transition
// must abort in-flight waits within a scheduling quantum, not after their
// full timeout. Waiters still own entry removal; nothing is deleted here.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
}

// Len reports the number of outstanding entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Pending returns a snapshot of the outstanding blocking events, for the
// agent-facing listing surface.
func (t *Table) Pending() []*types.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*types.Event, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.event)
	}
	return out
}
