package config

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Timeout bounds for stall waits. Updates outside these are clamped, not
// rejected, matching the control-plane contract.
const (
	MinTimeout         = 10 * time.Millisecond
	MaxTimeout         = 60 * time.Second
	MaxExtendedTimeout = 5 * time.Minute

	DefaultStallTimeout    = 1 * time.Second
	DefaultContinueTimeout = 5 * time.Second
)

// Snapshot is one consistent view of the runtime settings. Read returns a
// copy; holders never observe later updates through it.
type Snapshot struct {
	Version         uint64        `json:"version"`
	StallingEnabled bool          `json:"stalling_enabled"`
	BypassEnabled   bool          `json:"bypass_enabled"`
	DefaultTimeout  time.Duration `json:"default_timeout"`
	ContinueTimeout time.Duration `json:"continue_timeout"`
	DenyOnTimeout   bool          `json:"deny_on_timeout"`
}

// DefaultResponseDeny reports whether the fail-safe default for a wait
// started under this snapshot is deny rather than allow.
func (s Snapshot) DefaultResponseDeny() bool { return s.DenyOnTimeout }

// Update is a partial change to the runtime settings. Nil fields are left
// untouched; an Update with no fields set is rejected whole.
type Update struct {
	StallingEnabled *bool          `json:"stalling_enabled,omitempty"`
	BypassEnabled   *bool          `json:"bypass_enabled,omitempty"`
	DefaultTimeout  *time.Duration `json:"default_timeout,omitempty"`
	ContinueTimeout *time.Duration `json:"continue_timeout,omitempty"`
	DenyOnTimeout   *bool          `json:"deny_on_timeout,omitempty"`
}

func (u Update) empty() bool {
	return u.StallingEnabled == nil && u.BypassEnabled == nil &&
		u.DefaultTimeout == nil && u.ContinueTimeout == nil && u.DenyOnTimeout == nil
}

// ValidationError rejects an Update that carries no recognized field.
// Out-of-range timeouts are clamped rather than rejected, so this is the
// only validation failure Apply produces.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config update rejected: %s", e.Reason)
	}
	return fmt.Sprintf("config field %s rejected: %s", e.Field, e.Reason)
}

// Invalidator is the decision-cache collaborator cleared on enforcement
// mode transitions, so memoized allow/deny results from a different mode
// are never reused.
type Invalidator interface {
	Clear()
}

// Manager owns the runtime settings. It is the only writer; readers take
// either a full Snapshot or the lock-free enabled checks used on the hot
// path of every captured operation.
type Manager struct {
	mu  sync.Mutex
	cur Snapshot

	stalling atomic.Bool
	bypass   atomic.Bool

	invalidators []Invalidator
}

// NewManager returns a Manager seeded with initial. Zero timeouts fall
// back to the package defaults; everything is clamped as in Apply.
func NewManager(initial Snapshot, invalidators ...Invalidator) *Manager {
	if initial.DefaultTimeout == 0 {
		initial.DefaultTimeout = DefaultStallTimeout
	}
	if initial.ContinueTimeout == 0 {
		initial.ContinueTimeout = DefaultContinueTimeout
	}
	initial.DefaultTimeout = clamp(initial.DefaultTimeout, MinTimeout, MaxTimeout)
	initial.ContinueTimeout = clamp(initial.ContinueTimeout, initial.DefaultTimeout, MaxExtendedTimeout)
	initial.Version = 1

	m := &Manager{cur: initial, invalidators: invalidators}
	m.stalling.Store(initial.StallingEnabled)
	m.bypass.Store(initial.BypassEnabled)
	return m
}

// AddInvalidator registers an additional collaborator to clear on
// stall-mode transitions, for collaborators constructed after the manager.
func (m *Manager) AddInvalidator(inv Invalidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidators = append(m.invalidators, inv)
}

// Read returns the current settings. Never blocks on in-flight waits.
func (m *Manager) Read() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// StallingEnabled is the lock-free hot-path check re-read on every wait round.
func (m *Manager) StallingEnabled() bool { return m.stalling.Load() }

// BypassEnabled is the lock-free hot-path check re-read on every wait round.
func (m *Manager) BypassEnabled() bool { return m.bypass.Load() }

// Apply validates and commits an update atomically, returning the snapshot
// that was in effect before. Timeouts are clamped to their bounds and the
// continuation timeout is raised to at least the (possibly just-updated)
// default timeout. A stalling-mode transition clears the decision caches.
func (m *Manager) Apply(u Update) (Snapshot, error) {
	if u.empty() {
		return Snapshot{}, &ValidationError{Reason: "no recognized field set"}
	}

	m.mu.Lock()
	prev := m.cur
	next := prev

	modeFlip := false
	if u.StallingEnabled != nil && *u.StallingEnabled != next.StallingEnabled {
		next.StallingEnabled = *u.StallingEnabled
		modeFlip = true
	}
	if u.BypassEnabled != nil && *u.BypassEnabled != next.BypassEnabled {
		next.BypassEnabled = *u.BypassEnabled
		modeFlip = true
	}
	if u.DefaultTimeout != nil {
		next.DefaultTimeout = clamp(*u.DefaultTimeout, MinTimeout, MaxTimeout)
	}
	if u.ContinueTimeout != nil {
		next.ContinueTimeout = *u.ContinueTimeout
	}
	// Continuation must never undercut the default timeout, whether the
	// update touched it or not.
	next.ContinueTimeout = clamp(next.ContinueTimeout, next.DefaultTimeout, MaxExtendedTimeout)
	if u.DenyOnTimeout != nil {
		next.DenyOnTimeout = *u.DenyOnTimeout
	}

	next.Version = prev.Version + 1
	m.cur = next
	m.stalling.Store(next.StallingEnabled)
	m.bypass.Store(next.BypassEnabled)
	invs := m.invalidators
	m.mu.Unlock()

	if modeFlip {
		for _, inv := range invs {
			inv.Clear()
		}
	}
	return prev, nil
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
