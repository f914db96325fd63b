package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opgate/opgate/internal/auth"
	"github.com/opgate/opgate/internal/config"
	"github.com/opgate/opgate/internal/events"
	"github.com/opgate/opgate/internal/metrics"
	"github.com/opgate/opgate/internal/queue"
	"github.com/opgate/opgate/internal/stall"
	"github.com/opgate/opgate/internal/store/sqlite"
	"github.com/opgate/opgate/pkg/types"
)

// App holds the agent-facing HTTP handlers. The agent drains events, posts
// decisions keyed by request id, and — with the admin capability — drives
// the privileged control operation.
type App struct {
	cfg     *config.File
	runtime *config.Manager
	table   *stall.Table
	queue   *queue.Queue
	broker  *events.Broker
	store   *sqlite.Store
	metrics *metrics.Collector

	apiKeyAuth *auth.APIKeyAuth
}

type roleKey struct{}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ready\n") })
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler(metrics.HandlerOptions{
		PendingStalls: a.table.Len,
		QueueDepth: func(tier string) int {
			if tier == "low" {
				return a.queue.TierLen(queue.TierLow)
			}
			return a.queue.TierLen(queue.TierNormal)
		},
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authMiddleware)

		r.Get("/events/next", a.nextEvent)
		r.Post("/decisions", a.postDecision)
		r.Get("/stalls", a.listStalls)
		r.Get("/stream", a.streamRecords)
		r.Get("/records", a.searchRecords)

		r.Get("/config", a.getConfig)
		r.Patch("/config", a.patchConfig)
	})

	return r
}

func (a *App) authMiddleware(next http.Handler) http.Handler {
	if strings.EqualFold(a.cfg.Auth.Type, "none") || a.cfg.Auth.Type == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey{}, "admin")))
		})
	}
	if strings.EqualFold(a.cfg.Auth.Type, "api_key") {
		if a.apiKeyAuth == nil {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "api key auth enabled but keys not loaded"})
			})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(a.apiKeyAuth.HeaderName())
			if key == "" || !a.apiKeyAuth.IsAllowed(key) {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
			ctx := context.WithValue(r.Context(), roleKey{}, a.apiKeyAuth.RoleForKey(key))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unsupported auth type"})
	})
}

func roleFrom(r *http.Request) string {
	role, _ := r.Context().Value(roleKey{}).(string)
	return role
}

// nextEvent long-polls the delivery queue for one event, normal tier
// first. Returns 204 when wait_ms elapses with nothing to deliver.
func (a *App) nextEvent(w http.ResponseWriter, r *http.Request) {
	wait := 30 * time.Second
	if raw := r.URL.Query().Get("wait_ms"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid wait_ms"})
			return
		}
		wait = time.Duration(ms) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	ev, err := a.queue.Next(ctx)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type decisionRequest struct {
	RequestID         uint64         `json:"request_id"`
	Response          types.Response `json:"response"`
	ContinueTimeoutMS int64          `json:"continue_timeout_ms,omitempty"`
}

// postDecision resolves one outstanding stall. A decision for an unknown
// or already-finalized request is accepted=false, not an error: the race
// between timeout removal and a late decision is expected.
func (a *App) postDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	if req.RequestID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "request_id is required"})
		return
	}
	if req.ContinueTimeoutMS < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "continue_timeout_ms must be >= 0"})
		return
	}

	accepted := a.table.Resolve(req.RequestID, req.Response, time.Duration(req.ContinueTimeoutMS)*time.Millisecond)
	if accepted {
		a.metrics.IncDecision(responseLabel(req.Response))
		if req.Response == types.ResponseContinue {
			a.metrics.IncContinueRound()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": accepted})
}

func (a *App) listStalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.table.Pending())
}

func (a *App) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, snapshotBody(a.runtime.Read()))
}

type configPatch struct {
	StallingEnabled   *bool  `json:"stalling_enabled,omitempty"`
	BypassEnabled     *bool  `json:"bypass_enabled,omitempty"`
	DefaultTimeoutMS  *int64 `json:"default_timeout_ms,omitempty"`
	ContinueTimeoutMS *int64 `json:"continue_timeout_ms,omitempty"`
	DenyOnTimeout     *bool  `json:"deny_on_timeout,omitempty"`
}

// patchConfig is the privileged control operation: a partial update where
// omitted fields are untouched. Requires the admin capability.
func (a *App) patchConfig(w http.ResponseWriter, r *http.Request) {
	if roleFrom(r) != "admin" {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "admin capability required"})
		return
	}
	var body configPatch
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}

	u := config.Update{
		StallingEnabled: body.StallingEnabled,
		BypassEnabled:   body.BypassEnabled,
		DenyOnTimeout:   body.DenyOnTimeout,
	}
	if body.DefaultTimeoutMS != nil {
		d := time.Duration(*body.DefaultTimeoutMS) * time.Millisecond
		u.DefaultTimeout = &d
	}
	if body.ContinueTimeoutMS != nil {
		d := time.Duration(*body.ContinueTimeoutMS) * time.Millisecond
		u.ContinueTimeout = &d
	}

	prev, err := a.runtime.Apply(u)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"previous": snapshotBody(prev),
		"current":  snapshotBody(a.runtime.Read()),
	})
}

func (a *App) streamRecords(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "stream unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.broker.Subscribe(200)
	defer a.broker.Unsubscribe(ch)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("data: "))
			if err := enc.Encode(rec); err != nil {
				return
			}
			_, _ = w.Write([]byte("\n"))
			flusher.Flush()
		}
	}
}

func (a *App) searchRecords(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "audit store disabled"})
		return
	}
	q, err := parseRecordQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	recs, err := a.store.QueryRecords(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func parseRecordQuery(r *http.Request) (sqlite.Query, error) {
	var q sqlite.Query
	vals := r.URL.Query()
	if raw := vals.Get("request_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return q, errors.New("invalid request_id")
		}
		q.RequestID = id
	}
	for _, k := range vals["kind"] {
		q.Kinds = append(q.Kinds, types.Kind(k))
	}
	q.Status = vals.Get("status")
	q.PathLike = vals.Get("path_like")
	if raw := vals.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, errors.New("invalid since timestamp")
		}
		q.Since = &t
	}
	if raw := vals.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, errors.New("invalid until timestamp")
		}
		q.Until = &t
	}
	if raw := vals.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, errors.New("invalid limit")
		}
		q.Limit = n
	}
	q.Asc = vals.Get("order") == "asc"
	return q, nil
}

type snapshotView struct {
	Version           uint64 `json:"version"`
	StallingEnabled   bool   `json:"stalling_enabled"`
	BypassEnabled     bool   `json:"bypass_enabled"`
	DefaultTimeoutMS  int64  `json:"default_timeout_ms"`
	ContinueTimeoutMS int64  `json:"continue_timeout_ms"`
	DenyOnTimeout     bool   `json:"deny_on_timeout"`
}

func snapshotBody(s config.Snapshot) snapshotView {
	return snapshotView{
		Version:           s.Version,
		StallingEnabled:   s.StallingEnabled,
		BypassEnabled:     s.BypassEnabled,
		DefaultTimeoutMS:  s.DefaultTimeout.Milliseconds(),
		ContinueTimeoutMS: s.ContinueTimeout.Milliseconds(),
		DenyOnTimeout:     s.DenyOnTimeout,
	}
}

func responseLabel(r types.Response) string {
	switch r {
	case types.ResponseAllow:
		return "allow"
	case types.ResponseDeny:
		return "deny"
	case types.ResponseContinue:
		return "continue"
	}
	return "code_" + strconv.FormatInt(int64(r), 10)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
