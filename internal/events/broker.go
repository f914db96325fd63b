package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Broker fans audit records out to subscribers. Publish never blocks:
// records for slow subscribers are dropped and counted, since losing a
// stream record must not slow down enforcement.
type Broker struct {
	mu      sync.RWMutex
	subs    map[chan Record]struct{}
	dropped atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan Record]struct{})}
}

func (b *Broker) Subscribe(buf int) chan Record {
	if buf <= 0 {
		buf = 100
	}
	ch := make(chan Record, buf)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	return ch
}

func (b *Broker) Unsubscribe(ch chan Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *Broker) Publish(rec Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- rec:
		default:
			count := b.dropped.Add(1)
			if count == 1 || count%100 == 0 {
				slog.Warn("events: dropped record for slow subscriber",
					"request_id", rec.Event.RequestID, "kind", rec.Event.Kind, "total_dropped", count)
			}
		}
	}
}

// DroppedCount returns the total records dropped due to slow subscribers.
func (b *Broker) DroppedCount() int64 {
	return b.dropped.Load()
}
