package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, c *Collector, opts HandlerOptions) string {
	t.Helper()
	srv := httptest.NewServer(c.Handler(opts))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestHandlerExportsCounters(t *testing.T) {
	c := New()
	c.IncStallStarted()
	c.IncStallStarted()
	c.ObserveOutcome("decided")
	c.ObserveOutcome("timed_out")
	c.IncContinueRound()
	c.IncDecision("deny")
	c.IncEvent("exec")
	c.IncQueueDrop("low")
	c.IncCacheHit()

	body := scrape(t, c, HandlerOptions{
		PendingStalls: func() int { return 3 },
		QueueDepth:    func(tier string) int { return 5 },
	})

	for _, want := range []string{
		"opgate_up 1",
		"opgate_stalls_started_total 2",
		"opgate_stalls_decided_total 1",
		"opgate_stalls_timed_out_total 1",
		"opgate_continue_rounds_total 1",
		`opgate_decisions_total{response="deny"} 1`,
		`opgate_events_total{kind="exec"} 1`,
		`opgate_queue_drops_total{tier="low"} 1`,
		"opgate_cache_hits_total 1",
		"opgate_pending_stalls 3",
		`opgate_queue_depth{tier="normal"} 5`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape missing %q in:\n%s", want, body)
		}
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.IncStallStarted()
	c.ObserveOutcome("decided")
	c.IncContinueRound()
	c.IncDecision("allow")
	c.IncEvent("open")
	c.IncQueueDrop("normal")
	c.IncCacheHit()
}
