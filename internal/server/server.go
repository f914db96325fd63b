package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/opgate/opgate/internal/auth"
	"github.com/opgate/opgate/internal/caches"
	"github.com/opgate/opgate/internal/config"
	"github.com/opgate/opgate/internal/events"
	"github.com/opgate/opgate/internal/gate"
	"github.com/opgate/opgate/internal/metrics"
	"github.com/opgate/opgate/internal/queue"
	"github.com/opgate/opgate/internal/stall"
	"github.com/opgate/opgate/internal/store/sqlite"
)

// Server composes the coordinator — config manager, stall table, delivery
// queue, gate — with the agent-facing HTTP transport and the audit writer.
type Server struct {
	cfg     *config.File
	log     *slog.Logger
	runtime *config.Manager

	table  *stall.Table
	queue  *queue.Queue
	broker *events.Broker
	gate   *gate.Gate
	store  *sqlite.Store

	httpServer *http.Server
	httpLn     net.Listener

	auditCh   chan events.Record
	auditDone chan struct{}
}

func New(cfg *config.File, log *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if log == nil {
		log = slog.Default()
	}

	taskCache := caches.New[caches.TaskKey](4096, 30*time.Second)
	inodeCache := caches.New[caches.InodeKey](4096, 30*time.Second)
	runtime := config.NewManager(cfg.RuntimeSnapshot(), taskCache, inodeCache)

	table := stall.NewTable(runtime)
	// Mode transitions kick in-flight waiters so a disable takes effect
	// promptly rather than after their full timeout.
	runtime.AddInvalidator(table)
	q := queue.New(cfg.Queue.Capacity, cfg.Queue.LowCapacity)
	broker := events.NewBroker()
	collector := metrics.New()

	g, err := gate.New(gate.Options{
		Config:         runtime,
		Table:          table,
		Queue:          q,
		Broker:         broker,
		Metrics:        collector,
		Log:            log,
		TaskCache:      taskCache,
		InodeCache:     inodeCache,
		IgnorePatterns: cfg.Ignore.Paths,
	})
	if err != nil {
		return nil, err
	}

	var store *sqlite.Store
	if cfg.Audit.SQLitePath != "" {
		store, err = sqlite.Open(cfg.Audit.SQLitePath)
		if err != nil {
			return nil, err
		}
	}

	var apiKeyAuth *auth.APIKeyAuth
	if cfg.Auth.Type == "api_key" {
		apiKeyAuth, err = auth.LoadAPIKeys(cfg.Auth.APIKey.KeysFile, cfg.Auth.APIKey.HeaderName)
		if err != nil {
			if store != nil {
				_ = store.Close()
			}
			return nil, err
		}
	}

	app := &App{
		cfg:        cfg,
		runtime:    runtime,
		table:      table,
		queue:      q,
		broker:     broker,
		store:      store,
		metrics:    collector,
		apiKeyAuth: apiKeyAuth,
	}

	readTimeout := parseDurationDefault(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := parseDurationDefault(cfg.Server.WriteTimeout, 0)

	s := &Server{
		cfg:     cfg,
		log:     log,
		runtime: runtime,
		table:   table,
		queue:   q,
		broker:  broker,
		gate:    g,
		store:   store,
		httpServer: &http.Server{
			Handler:           app.Router(),
			ReadHeaderTimeout: readTimeout,
			// WriteTimeout stays 0 by default so long polls and the SSE
			// stream are not cut mid-flight.
			WriteTimeout: writeTimeout,
		},
	}
	return s, nil
}

// Gate returns the decision entry point capture collaborators call.
func (s *Server) Gate() *gate.Gate { return s.gate }

// Runtime returns the runtime config manager (for the reload watcher).
func (s *Server) Runtime() *config.Manager { return s.runtime }

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Start binds the listener and serves until Shutdown. If an audit store
// is configured, a writer goroutine persists every published record.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr, err)
	}
	s.httpLn = ln

	if s.store != nil {
		s.auditCh = s.broker.Subscribe(1024)
		s.auditDone = make(chan struct{})
		go s.writeAudit()
	}

	s.log.Info("server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", "err", err)
		}
	}()
	return nil
}

func (s *Server) writeAudit() {
	defer close(s.auditDone)
	for rec := range s.auditCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.Append(ctx, rec); err != nil {
			s.log.Warn("audit append failed", "record_id", rec.ID, "err", err)
		}
		cancel()
	}
}

// Shutdown stops the transport, deactivates the table so in-flight stalls
// abort promptly, and flushes the audit writer.
func (s *Server) Shutdown(ctx context.Context) error {
	s.table.SetEnabled(false)
	s.table.Clear()
	s.queue.SetEnabled(false)

	var firstErr error
	if s.httpLn != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if s.auditCh != nil {
		s.broker.Unsubscribe(s.auditCh)
		select {
		case <-s.auditDone:
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func parseDurationDefault(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
