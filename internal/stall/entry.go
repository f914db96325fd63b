package stall

import (
	"sync"
	"time"

	"github.com/opgate/opgate/pkg/types"
)

type mode int

const (
	modeStalled mode = iota
	modeResolved
)

// Entry correlates one outstanding blocking event with its eventual
// decision. At most one Entry exists per request id; removal from the
// table happens exactly once, by the waiter that owns it.
type Entry struct {
	requestID uint64
	event     *types.Event

	mu              sync.Mutex
	mode            mode
	response        types.Response
	continueTimeout time.Duration // agent-supplied override, 0 means none

	// defaultResponse is the fail-safe in effect when the entry was
	// created; timeouts and interruptions resolve to it.
	defaultResponse types.Response

	// wake carries one token per posted decision. Buffered so Resolve
	// never blocks on a waiter that is between rounds.
	wake chan struct{}
}

func newEntry(ev *types.Event, defaultResponse types.Response) *Entry {
	return &Entry{
		requestID:       ev.RequestID,
		event:           ev,
		response:        defaultResponse,
		defaultResponse: defaultResponse,
		wake:            make(chan struct{}, 1),
	}
}

// RequestID returns the correlation key shared with the event.
func (e *Entry) RequestID() uint64 { return e.requestID }

// Event returns the blocking event this entry correlates.
func (e *Entry) Event() *types.Event { return e.event }

// resolve posts a decision and wakes the waiter. Called with the table
// lock held only for lookup; entry state has its own lock.
func (e *Entry) resolve(resp types.Response, continueTimeout time.Duration) {
	e.mu.Lock()
	e.response = resp
	e.continueTimeout = continueTimeout
	e.mode = modeResolved
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// consume reads back the posted decision and re-arms the entry for a
// possible further continuation round. Returns false if no decision is
// actually pending (stale wake token).
func (e *Entry) consume() (types.Response, time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode != modeResolved {
		return 0, 0, false
	}
	resp := e.response
	ct := e.continueTimeout
	e.mode = modeStalled
	e.continueTimeout = 0
	return resp, ct, true
}
