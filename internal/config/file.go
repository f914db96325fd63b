package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the daemon configuration loaded from YAML at startup. The stall
// section seeds the runtime Manager; later edits to the file are applied
// through Manager.Apply by the reload watcher.
type File struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
	Audit   AuditConfig   `yaml:"audit"`
	Stall   StallConfig   `yaml:"stall"`
	Queue   QueueConfig   `yaml:"queue"`
	Ignore  IgnoreConfig  `yaml:"ignore"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

type AuthConfig struct {
	Type   string           `yaml:"type"` // none | api_key
	APIKey AuthAPIKeyConfig `yaml:"api_key"`
}

type AuthAPIKeyConfig struct {
	KeysFile   string `yaml:"keys_file"`
	HeaderName string `yaml:"header_name"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

type AuditConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type StallConfig struct {
	Enabled           bool  `yaml:"enabled"`
	Bypass            bool  `yaml:"bypass"`
	DefaultTimeoutMS  int64 `yaml:"default_timeout_ms"`
	ContinueTimeoutMS int64 `yaml:"continue_timeout_ms"`
	DenyOnTimeout     bool  `yaml:"deny_on_timeout"`
}

type QueueConfig struct {
	Capacity    int `yaml:"capacity"`
	LowCapacity int `yaml:"low_capacity"`
}

type IgnoreConfig struct {
	// Paths are glob patterns; file events whose path matches are flagged
	// ignore and discarded before delivery.
	Paths []string `yaml:"paths"`
}

// Default returns the built-in configuration used when no file is given.
func Default() *File {
	return &File{
		Server:  ServerConfig{Addr: "127.0.0.1:7833"},
		Auth:    AuthConfig{Type: "none"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Stall: StallConfig{
			Enabled:           true,
			DefaultTimeoutMS:  DefaultStallTimeout.Milliseconds(),
			ContinueTimeoutMS: DefaultContinueTimeout.Milliseconds(),
		},
		Queue: QueueConfig{Capacity: 1024, LowCapacity: 4096},
	}
}

// Load reads and parses a YAML config file, filling unset sections from
// Default.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = 1024
	}
	if cfg.Queue.LowCapacity <= 0 {
		cfg.Queue.LowCapacity = 4096
	}
	return cfg, nil
}

// RuntimeSnapshot converts the file's stall section into the seed for a
// runtime Manager.
func (f *File) RuntimeSnapshot() Snapshot {
	return Snapshot{
		StallingEnabled: f.Stall.Enabled,
		BypassEnabled:   f.Stall.Bypass,
		DefaultTimeout:  time.Duration(f.Stall.DefaultTimeoutMS) * time.Millisecond,
		ContinueTimeout: time.Duration(f.Stall.ContinueTimeoutMS) * time.Millisecond,
		DenyOnTimeout:   f.Stall.DenyOnTimeout,
	}
}

// RuntimeUpdate converts the stall section into an Apply-able update, used
// by the hot-reload path so clamping and cache invalidation still hold.
func (f *File) RuntimeUpdate() Update {
	def := time.Duration(f.Stall.DefaultTimeoutMS) * time.Millisecond
	cont := time.Duration(f.Stall.ContinueTimeoutMS) * time.Millisecond
	return Update{
		StallingEnabled: &f.Stall.Enabled,
		BypassEnabled:   &f.Stall.Bypass,
		DefaultTimeout:  &def,
		ContinueTimeout: &cont,
		DenyOnTimeout:   &f.Stall.DenyOnTimeout,
	}
}
