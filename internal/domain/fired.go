package domain

import "time"

// FiredState is the lifecycle state of a ledger entry.
type FiredState string

const (
	FiredAcquired  FiredState = "acquired"
	FiredExecuting FiredState = "executing"
)

// FiredRecord marks a trigger as claimed or executing somewhere in the
// cluster. Records are keyed by FireID in the ledger and are the basis for
// non-concurrency blocking and crash recovery.
type FiredRecord struct {
	FireID     string
	TriggerKey Key
	JobKey     Key
	NodeID     string

	State FiredState

	// ScheduledTime is the occurrence being fired; FireTime is when the
	// acquiring node claimed it.
	ScheduledTime time.Time
	FireTime      time.Time

	// Copied from the job at acquisition so recovery and blocking do not
	// need a job lookup for a job that may have been deleted since.
	DisallowConcurrent bool
	RequestsRecovery   bool
}
