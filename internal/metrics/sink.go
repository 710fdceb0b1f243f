package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Store metrics
	AcquireCompleted(acquired int, duration time.Duration, err error)
	ClaimRaceLost()
	MisfireResolved(resolution string)
	TriggerFired()
	TriggerCompleted(instruction string)
	LedgerSizeUpdate(size int)

	// Recovery metrics
	RecoveryCompleted(records int, err error)

	// Runtime metrics
	JobsInFlightIncr()
	JobsInFlightDecr()
	JobOutcome(outcome string)
	SignalReceived()
}

// Resolution constants for MisfireResolved.
const (
	ResolutionFiredNow    = "fired_now"
	ResolutionRescheduled = "rescheduled"
	ResolutionCompleted   = "completed"
)

// Outcome constants for JobOutcome.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomePanic   = "panic"
)
