// Package processing turns stored sandbox messages into their side effects:
// attachment ingestion, client notifications and structured tool output. The
// processor reports a tagged outcome instead of panicking or overloading
// error values, so the batch worker can tell a retryable failure from a
// session-fatal one.
package processing

// Outcome classifies what a processed message means for the rest of the
// batch.
type Outcome int

const (
	// OutcomeOk: side effects applied, continue with the next message.
	OutcomeOk Outcome = iota
	// OutcomeSuspended: the sandbox suspended the task; the message is a
	// recorded no-op and the batch continues.
	OutcomeSuspended
	// OutcomeFatal: the sandbox session is broken; the worker stops the
	// batch and flags the task for termination.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "ok"
	case OutcomeSuspended:
		return "suspended"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}
