package types

// Response is the decision code posted by the agent for one request.
// Codes above ResponseContinue are passed through to the enforcement
// outcome verbatim; the coordinator does not interpret them.
type Response int32

const (
	ResponseAllow    Response = 0
	ResponseDeny     Response = 1
	ResponseContinue Response = 2
)

// StallStatus records how a stall round sequence ended.
type StallStatus string

const (
	// StatusDecided means the agent posted a final decision in time.
	StatusDecided StallStatus = "decided"
	// StatusTimedOut means the deadline elapsed with no decision; the
	// outcome carries the default response in effect when the wait began.
	StatusTimedOut StallStatus = "timed_out"
	// StatusInterrupted means the wait was interrupted externally; the
	// outcome carries the default response.
	StatusInterrupted StallStatus = "interrupted"
	// StatusAborted means stalling was disabled or bypassed while the
	// request was in flight; the operation proceeds unenforced.
	StatusAborted StallStatus = "aborted"
	// StatusExhausted means the agent exceeded the continuation bound;
	// the operation proceeds unenforced.
	StatusExhausted StallStatus = "exhausted"
	// StatusAudited means the event took the non-blocking delivery path.
	StatusAudited StallStatus = "audited"
	// StatusCached means a prior decision for the same task or inode was
	// reused without stalling.
	StatusCached StallStatus = "cached"
	// StatusDiscarded means the event was dropped before delivery
	// (ignore match, filler failure, or a full queue).
	StatusDiscarded StallStatus = "discarded"
)

// Outcome is the enforcement result surfaced to the capturing call site.
// Nothing in the coordinator is fatal; every failure degrades to a safe
// default carried here.
type Outcome struct {
	Response Response    `json:"response"`
	Status   StallStatus `json:"status"`
}

// Denied reports whether the operation must be refused with a
// permission-denied result.
func (o Outcome) Denied() bool { return o.Response == ResponseDeny }
