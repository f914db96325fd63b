package config

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestLoadFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opgate.yaml")
	data := `
stall:
  enabled: true
  default_timeout_ms: 250
ignore:
  paths:
    - "/proc/**"
    - "/sys/**"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr == "" {
		t.Fatalf("server addr default missing")
	}
	if cfg.Queue.Capacity <= 0 || cfg.Queue.LowCapacity <= 0 {
		t.Fatalf("queue capacity defaults missing: %+v", cfg.Queue)
	}
	if len(cfg.Ignore.Paths) != 2 {
		t.Fatalf("ignore paths not parsed: %+v", cfg.Ignore)
	}

	snap := cfg.RuntimeSnapshot()
	if !snap.StallingEnabled || snap.DefaultTimeout != 250*time.Millisecond {
		t.Fatalf("runtime snapshot wrong: %+v", snap)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestRuntimeUpdateRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Stall.Enabled = true
	cfg.Stall.DenyOnTimeout = true
	cfg.Stall.DefaultTimeoutMS = 500
	cfg.Stall.ContinueTimeoutMS = 100 // below default, must be raised

	m := NewManager(Snapshot{})
	if _, err := m.Apply(cfg.RuntimeUpdate()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got := m.Read()
	if !got.StallingEnabled || !got.DenyOnTimeout {
		t.Fatalf("flags not applied: %+v", got)
	}
	if got.DefaultTimeout != 500*time.Millisecond {
		t.Fatalf("default timeout wrong: %v", got.DefaultTimeout)
	}
	if got.ContinueTimeout < got.DefaultTimeout {
		t.Fatalf("continuation below default after reload apply: %+v", got)
	}
}

func TestWatcherAppliesFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opgate.yaml")
	write := func(timeoutMS int) {
		t.Helper()
		data := []byte("stall:\n  enabled: true\n  default_timeout_ms: " +
			strconv.Itoa(timeoutMS) + "\n")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write(200)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m := NewManager(cfg.RuntimeSnapshot())

	w := NewWatcher(path, m, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// Let the watcher arm before touching the file.
	time.Sleep(100 * time.Millisecond)
	write(900)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Read().DefaultTimeout == 900*time.Millisecond {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("watcher did not apply file change, current %+v", m.Read())
}
