// Package gate is the single entry point capturing call sites use to get
// an enforcement decision for an event: it classifies the event, consults
// the decision caches, and either stalls on the registry or takes the
// non-blocking delivery path.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/opgate/opgate/internal/caches"
	"github.com/opgate/opgate/internal/config"
	"github.com/opgate/opgate/internal/events"
	"github.com/opgate/opgate/internal/metrics"
	"github.com/opgate/opgate/internal/queue"
	"github.com/opgate/opgate/internal/stall"
	"github.com/opgate/opgate/pkg/types"
)

// Filler extracts kind-specific payload fields from the capture context.
// A false return means the event could not be described and must be
// discarded without enforcement.
type Filler interface {
	Fill(ev *types.Event) bool
}

// ErrPermissionDenied is the operation-level result a deny decision maps to.
var ErrPermissionDenied = errors.New("operation denied by policy")

// Options wires the gate's collaborators.
type Options struct {
	Config  *config.Manager
	Table   *stall.Table
	Queue   *queue.Queue
	Broker  *events.Broker
	Metrics *metrics.Collector
	Log     *slog.Logger

	TaskCache  *caches.Cache[caches.TaskKey]
	InodeCache *caches.Cache[caches.InodeKey]

	// IgnorePatterns are path globs; matching file events are flagged
	// ignore and discarded before delivery.
	IgnorePatterns []string
}

type Gate struct {
	cfg     *config.Manager
	table   *stall.Table
	queue   *queue.Queue
	broker  *events.Broker
	metrics *metrics.Collector
	log     *slog.Logger

	taskCache  *caches.Cache[caches.TaskKey]
	inodeCache *caches.Cache[caches.InodeKey]
	ignore     []glob.Glob

	reqID atomic.Uint64
}

func New(opts Options) (*Gate, error) {
	if opts.Config == nil || opts.Table == nil || opts.Queue == nil {
		return nil, errors.New("gate: config, table and queue are required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	globs := make([]glob.Glob, 0, len(opts.IgnorePatterns))
	for _, pat := range opts.IgnorePatterns {
		g, err := glob.Compile(pat, '/')
		if err != nil {
			return nil, fmt.Errorf("gate: ignore pattern %q: %w", pat, err)
		}
		globs = append(globs, g)
	}
	return &Gate{
		cfg:        opts.Config,
		table:      opts.Table,
		queue:      opts.Queue,
		broker:     opts.Broker,
		metrics:    opts.Metrics,
		log:        log,
		taskCache:  opts.TaskCache,
		inodeCache: opts.InodeCache,
		ignore:     globs,
	}, nil
}

// NewEvent allocates a request id and builds the event skeleton. Request
// ids are monotonic and never reused while outstanding.
func (g *Gate) NewEvent(kind types.Kind, tid uint32, flags types.ReportFlags) *types.Event {
	return &types.Event{
		RequestID: g.reqID.Add(1),
		TID:       tid,
		Kind:      kind,
		Flags:     flags,
		Timestamp: time.Now().UTC(),
	}
}

// Decide obtains the enforcement outcome for one captured event. It is
// the only suspension point exposed to capture sites: blocking events
// stall here until a decision, deadline, interruption, or mode change;
// everything else returns immediately. Decide owns the event — by the
// time it returns, the event has been handed to the agent, audited, or
// discarded.
func (g *Gate) Decide(ctx context.Context, ev *types.Event) types.Outcome {
	if ev == nil {
		return types.Outcome{Response: types.ResponseAllow, Status: types.StatusDiscarded}
	}
	g.metrics.IncEvent(string(ev.Kind))

	if g.shouldIgnore(ev) {
		return g.finish(ev, types.Outcome{Response: types.ResponseAllow, Status: types.StatusDiscarded})
	}

	// The agent's own operations never stall; stalling them would
	// deadlock the decision path against itself.
	if ev.Flags.Has(types.FlagSelf) {
		return g.deliver(ev)
	}

	if !ev.Blocking() || !g.cfg.StallingEnabled() || g.cfg.BypassEnabled() {
		return g.deliver(ev)
	}

	if resp, ok := g.cachedResponse(ev); ok {
		g.metrics.IncCacheHit()
		return g.finish(ev, types.Outcome{Response: resp, Status: types.StatusCached})
	}
	return g.stallFor(ctx, ev)
}

// deliver takes the fire-and-forget path: enqueue for audit and allow.
func (g *Gate) deliver(ev *types.Event) types.Outcome {
	tier := tierFor(ev.Kind)
	if g.queue.Push(ev, tier) == 0 {
		g.metrics.IncQueueDrop(tier.String())
		return g.finish(ev, types.Outcome{Response: types.ResponseAllow, Status: types.StatusDiscarded})
	}
	return g.finish(ev, types.Outcome{Response: types.ResponseAllow, Status: types.StatusAudited})
}

// stallFor registers the event and blocks on the wait protocol. The entry
// is visible to decisions as soon as Register returns, and the event is
// offered to the agent before the wait begins.
func (g *Gate) stallFor(ctx context.Context, ev *types.Event) types.Outcome {
	entry, err := g.table.Register(ev)
	if err != nil {
		// Disabled registry: do not enforce.
		return g.finish(ev, types.Outcome{Response: types.ResponseAllow, Status: types.StatusAborted})
	}

	if g.queue.Push(ev, queue.TierNormal) == 0 {
		// The agent can never see this event, so a decision can never
		// arrive. Back out instead of waiting for a guaranteed timeout.
		g.table.Remove(entry)
		g.metrics.IncQueueDrop(queue.TierNormal.String())
		return g.finish(ev, types.Outcome{Response: types.ResponseAllow, Status: types.StatusDiscarded})
	}

	g.metrics.IncStallStarted()
	out := g.table.Await(ctx, entry)
	g.metrics.ObserveOutcome(string(out.Status))

	if out.Status == types.StatusDecided {
		g.memoize(ev, out.Response)
	}
	return g.finish(ev, out)
}

// finish publishes the audit record for a terminally handled event.
func (g *Gate) finish(ev *types.Event, out types.Outcome) types.Outcome {
	if g.broker != nil && ev.Flags.Has(types.FlagAudit) {
		g.broker.Publish(events.NewRecord(ev, out))
	}
	if out.Denied() {
		g.log.Debug("operation denied", "request_id", ev.RequestID, "kind", ev.Kind, "tid", ev.TID, "status", out.Status)
	}
	return out
}

func (g *Gate) shouldIgnore(ev *types.Event) bool {
	if ev.Flags.Has(types.FlagIgnore) {
		return true
	}
	path := ev.Path()
	if path == "" {
		return false
	}
	for _, pat := range g.ignore {
		if pat.Match(path) {
			return true
		}
	}
	return false
}

func (g *Gate) cachedResponse(ev *types.Event) (types.Response, bool) {
	if ev.File != nil && ev.File.Ino != 0 && g.inodeCache != nil {
		return g.inodeCache.Get(caches.InodeKey{Dev: ev.File.Dev, Ino: ev.File.Ino})
	}
	if g.taskCache != nil {
		return g.taskCache.Get(caches.TaskKey{TID: ev.TID})
	}
	return 0, false
}

func (g *Gate) memoize(ev *types.Event, resp types.Response) {
	// Only plain allow/deny results are worth replaying.
	if resp != types.ResponseAllow && resp != types.ResponseDeny {
		return
	}
	if ev.File != nil && ev.File.Ino != 0 && g.inodeCache != nil {
		g.inodeCache.Put(caches.InodeKey{Dev: ev.File.Dev, Ino: ev.File.Ino}, resp)
		return
	}
	if g.taskCache != nil {
		g.taskCache.Put(caches.TaskKey{TID: ev.TID}, resp)
	}
}

// Enforce maps an outcome to the operation-level result surfaced to the
// intercepted call: deny becomes a permission-denied error, every other
// response passes through as success.
func Enforce(out types.Outcome) error {
	if out.Denied() {
		return fmt.Errorf("%w (response %d)", ErrPermissionDenied, out.Response)
	}
	return nil
}

// tierFor routes high-volume, low-importance kinds to the low-priority
// tier so they cannot starve audit-relevant delivery.
func tierFor(kind types.Kind) queue.Tier {
	switch kind {
	case types.KindClone, types.KindExit, types.KindClose:
		return queue.TierLow
	}
	return queue.TierNormal
}
