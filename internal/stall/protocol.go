package stall

import (
	"context"
	"time"

	"github.com/opgate/opgate/pkg/types"
)

// MaxContinueRounds bounds how many times the agent may extend a single
// stall with a continue response. The round after the bound is forced to
// the exhausted outcome so an uncooperative agent cannot pin a capturing
// thread forever.
const MaxContinueRounds = 256

// Await blocks until the agent decides the entry's request, the deadline
// passes, the context is canceled, or stalling is switched off. It owns
// the entry: removal from the table is deferred, so every exit path —
// including a panic in the caller's frame above — removes the entry
// exactly once.
//
// Timeout and interruption are not errors; they resolve to the fail-safe
// default captured at registration. The live enabled/bypass checks are
// repeated on every round so an administrative toggle takes effect at the
// next wake-up rather than after the full timeout.
func (t *Table) Await(ctx context.Context, e *Entry) types.Outcome {
	defer t.Remove(e)

	timeout := t.cfg.Read().DefaultTimeout
	rounds := 0

	for {
		if !t.enabled.Load() || !t.cfg.StallingEnabled() || t.cfg.BypassEnabled() {
			return types.Outcome{Response: types.ResponseAllow, Status: types.StatusAborted}
		}

		// The fallback if this round times out is recomputed from the
		// entry's stored default, continuation or not.
		response := e.defaultResponse

		resp, continueTimeout, status := t.waitRound(ctx, e, timeout)
		switch status {
		case types.StatusTimedOut, types.StatusInterrupted:
			return types.Outcome{Response: response, Status: status}
		case types.StatusAborted:
			return types.Outcome{Response: types.ResponseAllow, Status: types.StatusAborted}
		}

		if resp == types.ResponseContinue {
			rounds++
			if rounds > MaxContinueRounds {
				return types.Outcome{Response: types.ResponseAllow, Status: types.StatusExhausted}
			}
			if continueTimeout > 0 {
				timeout = continueTimeout
			} else {
				timeout = t.cfg.Read().ContinueTimeout
			}
			continue
		}
		return types.Outcome{Response: resp, Status: types.StatusDecided}
	}
}

// waitRound blocks for one round. A wake token that finds the entry
// un-resolved is either a mode-change kick from Clear — re-run the live
// checks — or a stale token from a prior round, in which case the same
// timer stays armed, mirroring condition-variable predicate rechecking.
func (t *Table) waitRound(ctx context.Context, e *Entry, timeout time.Duration) (types.Response, time.Duration, types.StallStatus) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-e.wake:
			resp, continueTimeout, ok := e.consume()
			if !ok {
				if !t.enabled.Load() || !t.cfg.StallingEnabled() || t.cfg.BypassEnabled() {
					return 0, 0, types.StatusAborted
				}
				continue
			}
			return resp, continueTimeout, types.StatusDecided
		case <-timer.C:
			return 0, 0, types.StatusTimedOut
		case <-ctx.Done():
			return 0, 0, types.StatusInterrupted
		}
	}
}
