// Package events defines the audit records produced once an event reaches
// terminal handling, and the non-blocking fan-out that feeds live
// subscribers (the SSE stream and the audit store writer).
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/opgate/opgate/pkg/types"
)

// Record is one audited enforcement result. Unlike the Event it wraps, a
// Record is part of the observability surface, not the hot path.
type Record struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Event     *types.Event   `json:"event"`
	Outcome   types.Outcome  `json:"outcome"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// NewRecord builds an audit record for a finished event.
func NewRecord(ev *types.Event, out types.Outcome) Record {
	return Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Event:     ev,
		Outcome:   out,
	}
}
