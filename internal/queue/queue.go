// Package queue carries events from capture sites to the agent without
// ever blocking a producer: a bounded two-tier FIFO where normal-tier
// events are always offered to the consumer before low-priority ones, so
// high-volume fork/exit chatter cannot starve audit-relevant delivery.
package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/opgate/opgate/pkg/types"
)

// Tier selects the delivery priority of an event.
type Tier int

const (
	TierNormal Tier = iota
	TierLow
)

func (t Tier) String() string {
	if t == TierLow {
		return "low"
	}
	return "normal"
}

// tierQueue is one bounded FIFO with its own lock, so pushes to one tier
// never contend with the other.
type tierQueue struct {
	mu  sync.Mutex
	buf []*types.Event
	cap int
}

// push appends ev and reports the capacity that remained at enqueue time.
// 0 means the tier was full and ev was not enqueued.
func (q *tierQueue) push(ev *types.Event) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	free := q.cap - len(q.buf)
	if free <= 0 {
		return 0
	}
	q.buf = append(q.buf, ev)
	return free
}

func (q *tierQueue) pop() *types.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	ev := q.buf[0]
	q.buf[0] = nil
	q.buf = q.buf[1:]
	return ev
}

func (q *tierQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Queue is the two-tier delivery queue drained by the policy agent.
type Queue struct {
	normal  tierQueue
	low     tierQueue
	enabled atomic.Bool

	// notify carries at most one token; consumers block on it in Next
	// instead of polling.
	notify chan struct{}
}

func New(normalCap, lowCap int) *Queue {
	if normalCap <= 0 {
		normalCap = 1024
	}
	if lowCap <= 0 {
		lowCap = 4096
	}
	q := &Queue{
		normal: tierQueue{cap: normalCap},
		low:    tierQueue{cap: lowCap},
		notify: make(chan struct{}, 1),
	}
	q.enabled.Store(true)
	return q
}

// SetEnabled turns delivery on or off. A disabled queue rejects every
// push; pending events remain drainable.
func (q *Queue) SetEnabled(on bool) { q.enabled.Store(on) }

// Push enqueues ev on the given tier and returns the capacity that
// remained at enqueue time. A return of 0 means the event was not
// enqueued — queue full or disabled — and the caller owns discarding it.
// Push never blocks.
func (q *Queue) Push(ev *types.Event, tier Tier) int {
	if ev == nil || !q.enabled.Load() {
		return 0
	}
	var free int
	if tier == TierLow {
		free = q.low.push(ev)
	} else {
		free = q.normal.push(ev)
	}
	if free > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return free
}

// DrainNext pops one event, preferring the normal tier whenever it is
// non-empty, FIFO within a tier. Returns nil when both tiers are empty.
func (q *Queue) DrainNext() *types.Event {
	if ev := q.normal.pop(); ev != nil {
		return ev
	}
	return q.low.pop()
}

// Next blocks until an event is available or ctx is done. It is the
// long-poll form of DrainNext used by the agent transport.
func (q *Queue) Next(ctx context.Context) (*types.Event, error) {
	for {
		if ev := q.DrainNext(); ev != nil {
			// Leave a token behind if more events remain, so a second
			// consumer is not left sleeping on a non-empty queue.
			if q.Len() > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return ev, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len reports the total queued events across both tiers.
func (q *Queue) Len() int { return q.normal.len() + q.low.len() }

// TierLen reports the queued events on one tier.
func (q *Queue) TierLen(tier Tier) int {
	if tier == TierLow {
		return q.low.len()
	}
	return q.normal.len()
}
