package config

import (
	"errors"
	"testing"
	"time"
)

type countingInvalidator struct {
	calls int
}

func (c *countingInvalidator) Clear() { c.calls++ }

func TestApplyEmptyUpdateRejected(t *testing.T) {
	m := NewManager(Snapshot{})
	_, err := m.Apply(Update{})
	if err == nil {
		t.Fatalf("expected rejection of update with no recognized field")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestApplyReturnsPrevious(t *testing.T) {
	m := NewManager(Snapshot{DefaultTimeout: time.Second, ContinueTimeout: 2 * time.Second})

	d := 3 * time.Second
	prev, err := m.Apply(Update{DefaultTimeout: &d})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if prev.DefaultTimeout != time.Second {
		t.Fatalf("previous snapshot wrong: %+v", prev)
	}
	cur := m.Read()
	if cur.DefaultTimeout != 3*time.Second {
		t.Fatalf("current snapshot wrong: %+v", cur)
	}
	if cur.Version != prev.Version+1 {
		t.Fatalf("version should increment, prev=%d cur=%d", prev.Version, cur.Version)
	}
}

func TestApplyClampsTimeouts(t *testing.T) {
	m := NewManager(Snapshot{})

	tiny := time.Millisecond
	if _, err := m.Apply(Update{DefaultTimeout: &tiny}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := m.Read().DefaultTimeout; got != MinTimeout {
		t.Fatalf("default not clamped up: %v", got)
	}

	huge := time.Hour
	if _, err := m.Apply(Update{DefaultTimeout: &huge}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := m.Read().DefaultTimeout; got != MaxTimeout {
		t.Fatalf("default not clamped down: %v", got)
	}

	if _, err := m.Apply(Update{ContinueTimeout: &huge}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := m.Read().ContinueTimeout; got != MaxExtendedTimeout {
		t.Fatalf("continuation not clamped to extended max: %v", got)
	}
}

func TestContinuationNeverBelowDefault(t *testing.T) {
	m := NewManager(Snapshot{DefaultTimeout: time.Second, ContinueTimeout: time.Second})

	// Lowering the continuation below the default gets raised.
	low := 100 * time.Millisecond
	if _, err := m.Apply(Update{ContinueTimeout: &low}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := m.Read(); got.ContinueTimeout < got.DefaultTimeout {
		t.Fatalf("continuation %v below default %v", got.ContinueTimeout, got.DefaultTimeout)
	}

	// Raising the default drags the continuation with it.
	d := 10 * time.Second
	if _, err := m.Apply(Update{DefaultTimeout: &d}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := m.Read(); got.ContinueTimeout < got.DefaultTimeout {
		t.Fatalf("continuation %v below default %v after default raise", got.ContinueTimeout, got.DefaultTimeout)
	}
}

func TestModeTransitionClearsInvalidators(t *testing.T) {
	inv := &countingInvalidator{}
	m := NewManager(Snapshot{StallingEnabled: false}, inv)

	// Timeout-only updates must not clear.
	d := 2 * time.Second
	if _, err := m.Apply(Update{DefaultTimeout: &d}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if inv.calls != 0 {
		t.Fatalf("timeout update cleared caches: %d", inv.calls)
	}

	on := true
	if _, err := m.Apply(Update{StallingEnabled: &on}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if inv.calls != 1 {
		t.Fatalf("enable transition should clear once, got %d", inv.calls)
	}

	// Setting the same value again is not a transition.
	if _, err := m.Apply(Update{StallingEnabled: &on}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if inv.calls != 1 {
		t.Fatalf("no-op update should not clear, got %d", inv.calls)
	}

	if _, err := m.Apply(Update{BypassEnabled: &on}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if inv.calls != 2 {
		t.Fatalf("bypass transition should clear, got %d", inv.calls)
	}
}

func TestHotPathFlagsTrackApply(t *testing.T) {
	m := NewManager(Snapshot{StallingEnabled: true})
	if !m.StallingEnabled() || m.BypassEnabled() {
		t.Fatalf("initial flags wrong")
	}
	off := false
	on := true
	if _, err := m.Apply(Update{StallingEnabled: &off, BypassEnabled: &on}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if m.StallingEnabled() || !m.BypassEnabled() {
		t.Fatalf("flags did not track apply")
	}
}

func TestAddInvalidator(t *testing.T) {
	m := NewManager(Snapshot{StallingEnabled: true})
	inv := &countingInvalidator{}
	m.AddInvalidator(inv)

	off := false
	if _, err := m.Apply(Update{StallingEnabled: &off}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if inv.calls != 1 {
		t.Fatalf("late-registered invalidator not cleared, got %d", inv.calls)
	}
}
