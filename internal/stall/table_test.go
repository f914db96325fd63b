package stall

import (
	"context"
	"testing"
	"time"

	"github.com/opgate/opgate/internal/config"
	"github.com/opgate/opgate/pkg/types"
)

func newTestTable(t *testing.T, snap config.Snapshot) (*Table, *config.Manager) {
	t.Helper()
	mgr := config.NewManager(snap)
	tbl := NewTable(mgr)
	mgr.AddInvalidator(tbl)
	return tbl, mgr
}

func enabledSnapshot(timeout time.Duration) config.Snapshot {
	return config.Snapshot{
		StallingEnabled: true,
		DefaultTimeout:  timeout,
		ContinueTimeout: timeout,
	}
}

func testEvent(id uint64) *types.Event {
	return &types.Event{
		RequestID: id,
		TID:       100,
		Kind:      types.KindExec,
		Flags:     types.FlagStall | types.FlagAudit,
		Timestamp: time.Now().UTC(),
		Exec:      &types.ExecPayload{Path: "/usr/bin/true"},
	}
}

func TestRegisterDisabled(t *testing.T) {
	tbl, mgr := newTestTable(t, config.Snapshot{StallingEnabled: false})

	if _, err := tbl.Register(testEvent(1)); err != ErrDisabled {
		t.Fatalf("expected ErrDisabled with stalling off, got %v", err)
	}

	on := true
	if _, err := mgr.Apply(config.Update{StallingEnabled: &on}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	tbl.SetEnabled(false)
	if _, err := tbl.Register(testEvent(2)); err != ErrDisabled {
		t.Fatalf("expected ErrDisabled with table off, got %v", err)
	}
}

func TestResolveUnknownIsNoOp(t *testing.T) {
	tbl, _ := newTestTable(t, enabledSnapshot(time.Second))
	if tbl.Resolve(999, types.ResponseDeny, 0) {
		t.Fatalf("Resolve of unknown id should return false")
	}
}

func TestRegisterMakesEntryVisibleBeforeWait(t *testing.T) {
	tbl, _ := newTestTable(t, enabledSnapshot(time.Second))
	entry, err := tbl.Register(testEvent(7))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// A fast agent can decide before the capture thread starts waiting.
	if !tbl.Resolve(7, types.ResponseDeny, 0) {
		t.Fatalf("Resolve should find the entry immediately after Register")
	}

	out := tbl.Await(context.Background(), entry)
	if out.Status != types.StatusDecided || out.Response != types.ResponseDeny {
		t.Fatalf("expected decided deny, got %+v", out)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	tbl, _ := newTestTable(t, enabledSnapshot(time.Second))
	entry, err := tbl.Register(testEvent(3))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	tbl.Remove(entry)
	tbl.Remove(entry)
	tbl.Remove(nil)
	if tbl.Len() != 0 {
		t.Fatalf("expected empty table, got %d", tbl.Len())
	}
}

func TestEntryRemovedOnEveryExitPath(t *testing.T) {
	cases := []struct {
		name string
		run  func(t *testing.T, tbl *Table, mgr *config.Manager, entry *Entry) types.Outcome
	}{
		{
			name: "timeout",
			run: func(t *testing.T, tbl *Table, mgr *config.Manager, entry *Entry) types.Outcome {
				return tbl.Await(context.Background(), entry)
			},
		},
		{
			name: "decision",
			run: func(t *testing.T, tbl *Table, mgr *config.Manager, entry *Entry) types.Outcome {
				tbl.Resolve(entry.RequestID(), types.ResponseAllow, 0)
				return tbl.Await(context.Background(), entry)
			},
		},
		{
			name: "interruption",
			run: func(t *testing.T, tbl *Table, mgr *config.Manager, entry *Entry) types.Outcome {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return tbl.Await(ctx, entry)
			},
		},
		{
			name: "disabled mid-wait",
			run: func(t *testing.T, tbl *Table, mgr *config.Manager, entry *Entry) types.Outcome {
				off := false
				if _, err := mgr.Apply(config.Update{StallingEnabled: &off}); err != nil {
					t.Fatalf("Apply: %v", err)
				}
				return tbl.Await(context.Background(), entry)
			},
		},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tbl, mgr := newTestTable(t, enabledSnapshot(50*time.Millisecond))
			entry, err := tbl.Register(testEvent(uint64(i + 1)))
			if err != nil {
				t.Fatalf("Register: %v", err)
			}
			tc.run(t, tbl, mgr, entry)
			if tbl.Len() != 0 {
				t.Fatalf("entry leaked on %s exit path", tc.name)
			}
			// A late decision after removal is a silent no-op.
			if tbl.Resolve(entry.RequestID(), types.ResponseDeny, 0) {
				t.Fatalf("late Resolve should be a no-op after removal")
			}
		})
	}
}

func TestPending(t *testing.T) {
	tbl, _ := newTestTable(t, enabledSnapshot(time.Second))
	for i := uint64(1); i <= 3; i++ {
		if _, err := tbl.Register(testEvent(i)); err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
	}
	if got := len(tbl.Pending()); got != 3 {
		t.Fatalf("expected 3 pending, got %d", got)
	}
}
