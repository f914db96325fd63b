package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter for
// the coordinator. All counters are lock-free; the hot path never takes a
// lock to record.
type Collector struct {
	startedAt time.Time

	stallsStarted     atomic.Uint64
	stallsDecided     atomic.Uint64
	stallsTimedOut    atomic.Uint64
	stallsInterrupted atomic.Uint64
	stallsAborted     atomic.Uint64
	stallsExhausted   atomic.Uint64
	continueRounds    atomic.Uint64

	decisionsByResponse sync.Map // string -> *atomic.Uint64
	eventsByKind        sync.Map // string -> *atomic.Uint64

	queueDropsNormal atomic.Uint64
	queueDropsLow    atomic.Uint64
	cacheHits        atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

func (c *Collector) IncStallStarted() {
	if c == nil {
		return
	}
	c.stallsStarted.Add(1)
}

// ObserveOutcome records how one stall round sequence ended.
func (c *Collector) ObserveOutcome(status string) {
	if c == nil {
		return
	}
	switch status {
	case "decided":
		c.stallsDecided.Add(1)
	case "timed_out":
		c.stallsTimedOut.Add(1)
	case "interrupted":
		c.stallsInterrupted.Add(1)
	case "aborted":
		c.stallsAborted.Add(1)
	case "exhausted":
		c.stallsExhausted.Add(1)
	}
}

func (c *Collector) IncContinueRound() {
	if c == nil {
		return
	}
	c.continueRounds.Add(1)
}

func (c *Collector) IncDecision(response string) {
	if c == nil {
		return
	}
	incKeyed(&c.decisionsByResponse, response)
}

func (c *Collector) IncEvent(kind string) {
	if c == nil {
		return
	}
	incKeyed(&c.eventsByKind, kind)
}

func (c *Collector) IncQueueDrop(tier string) {
	if c == nil {
		return
	}
	if tier == "low" {
		c.queueDropsLow.Add(1)
	} else {
		c.queueDropsNormal.Add(1)
	}
}

func (c *Collector) IncCacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Add(1)
}

func incKeyed(m *sync.Map, key string) {
	if key == "" {
		key = "unknown"
	}
	ptr, _ := m.LoadOrStore(key, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

// HandlerOptions supplies live gauges sampled at scrape time.
type HandlerOptions struct {
	PendingStalls func() int
	QueueDepth    func(tier string) int
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP opgate_up Whether the opgate daemon is running.\n")
		fmt.Fprint(w, "# TYPE opgate_up gauge\n")
		fmt.Fprint(w, "opgate_up 1\n")

		counter(w, "opgate_stalls_started_total", "Blocking events registered for decision.", c.stallsStarted.Load())
		counter(w, "opgate_stalls_decided_total", "Stalls resolved by an agent decision.", c.stallsDecided.Load())
		counter(w, "opgate_stalls_timed_out_total", "Stalls resolved by deadline expiry.", c.stallsTimedOut.Load())
		counter(w, "opgate_stalls_interrupted_total", "Stalls resolved by external interruption.", c.stallsInterrupted.Load())
		counter(w, "opgate_stalls_aborted_total", "Stalls aborted by a mode change mid-wait.", c.stallsAborted.Load())
		counter(w, "opgate_stalls_exhausted_total", "Stalls that hit the continuation bound.", c.stallsExhausted.Load())
		counter(w, "opgate_continue_rounds_total", "Agent-issued continuation rounds.", c.continueRounds.Load())
		counter(w, "opgate_queue_drops_total{tier=\"normal\"}", "Events rejected by a full or disabled queue.", c.queueDropsNormal.Load())
		fmt.Fprintf(w, "opgate_queue_drops_total{tier=\"low\"} %d\n", c.queueDropsLow.Load())
		counter(w, "opgate_cache_hits_total", "Decisions served from the task/inode caches.", c.cacheHits.Load())

		keyedCounter(w, "opgate_decisions_total", "Agent decisions by response code.", "response", &c.decisionsByResponse)
		keyedCounter(w, "opgate_events_total", "Captured events by kind.", "kind", &c.eventsByKind)

		if opts.PendingStalls != nil {
			fmt.Fprint(w, "# HELP opgate_pending_stalls Outstanding blocking requests.\n")
			fmt.Fprint(w, "# TYPE opgate_pending_stalls gauge\n")
			fmt.Fprintf(w, "opgate_pending_stalls %d\n", opts.PendingStalls())
		}
		if opts.QueueDepth != nil {
			fmt.Fprint(w, "# HELP opgate_queue_depth Queued undelivered events per tier.\n")
			fmt.Fprint(w, "# TYPE opgate_queue_depth gauge\n")
			fmt.Fprintf(w, "opgate_queue_depth{tier=\"normal\"} %d\n", opts.QueueDepth("normal"))
			fmt.Fprintf(w, "opgate_queue_depth{tier=\"low\"} %d\n", opts.QueueDepth("low"))
		}

		fmt.Fprint(w, "# HELP opgate_uptime_seconds Seconds since the collector started.\n")
		fmt.Fprint(w, "# TYPE opgate_uptime_seconds gauge\n")
		fmt.Fprintf(w, "opgate_uptime_seconds %.0f\n", time.Since(c.startedAt).Seconds())
	})
}

func counter(w http.ResponseWriter, name, help string, v uint64) {
	base := name
	if i := strings.IndexByte(base, '{'); i >= 0 {
		base = base[:i]
	}
	fmt.Fprintf(w, "# HELP %s %s\n", base, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", base)
	fmt.Fprintf(w, "%s %d\n", name, v)
}

func keyedCounter(w http.ResponseWriter, name, help, label string, m *sync.Map) {
	keys := snapshotKeys(m)
	if len(keys) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, k := range keys {
		ptr, _ := m.Load(k)
		n := uint64(0)
		if ptr != nil {
			n = ptr.(*atomic.Uint64).Load()
		}
		fmt.Fprintf(w, "%s{%s=%q} %d\n", name, label, escapeLabelValue(k), n)
	}
}

func snapshotKeys(m *sync.Map) []string {
	var keys []string
	m.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

func escapeLabelValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}
