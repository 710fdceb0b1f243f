package domain

import (
	"time"

	"github.com/rubyAppSec/quartz/internal/schedule"
)

// TriggerState is the persisted lifecycle state of a trigger. There is no
// persisted "blocked" state: blocking by a non-concurrent job is evaluated
// live against the blocked-job set at acquisition time.
type TriggerState string

const (
	StateWaiting   TriggerState = "waiting"
	StateAcquired  TriggerState = "acquired"
	StateExecuting TriggerState = "executing"
	StatePaused    TriggerState = "paused"
	StateComplete  TriggerState = "complete"
	StateError     TriggerState = "error"
)

// MisfireInstruction selects how a trigger whose fire time passed beyond the
// misfire threshold is resolved.
type MisfireInstruction string

const (
	// MisfireSmart defers to the default policy for the trigger's schedule
	// kind: fire-once-now for simple schedules, do-nothing otherwise.
	MisfireSmart MisfireInstruction = "smart"

	// MisfireFireOnceNow fires the missed occurrence immediately.
	MisfireFireOnceNow MisfireInstruction = "fire_once_now"

	// MisfireDoNothing skips the missed occurrence and advances to the next
	// scheduled time strictly after now.
	MisfireDoNothing MisfireInstruction = "do_nothing"
)

// CompletedInstruction is reported by the execution layer when a job run
// finishes and drives the trigger's completion transition.
type CompletedInstruction string

const (
	InstructionReschedule            CompletedInstruction = "reschedule"
	InstructionDelete                CompletedInstruction = "delete"
	InstructionSetTriggerComplete    CompletedInstruction = "set_trigger_complete"
	InstructionSetTriggerError       CompletedInstruction = "set_trigger_error"
	InstructionSetAllJobTriggersError CompletedInstruction = "set_all_job_triggers_error"
)

// Trigger binds a schedule to a job. The store owns State, NextFireTime,
// PrevFireTime, TimesTriggered and FireInstanceID; callers set the rest.
type Trigger struct {
	Key    Key
	JobKey Key

	Schedule schedule.Schedule
	Misfire  MisfireInstruction

	// Priority breaks ties between triggers due at the same instant;
	// higher fires first. Zero is a valid (lowest reasonable) priority.
	Priority int

	// RetainAfterComplete keeps the exhausted trigger around in state
	// complete instead of deleting it.
	RetainAfterComplete bool

	State          TriggerState
	NextFireTime   *time.Time
	PrevFireTime   *time.Time
	TimesTriggered int

	// FireInstanceID is set on acquisition and identifies one firing of
	// this trigger in the fired-trigger ledger. It disambiguates the same
	// trigger acquired again across a crash or release boundary.
	FireInstanceID string
}

// NextAfter computes the first fire time of the trigger's schedule strictly
// after the given time, or nil when the schedule is exhausted.
func (t *Trigger) NextAfter(after time.Time) (*time.Time, error) {
	return t.Schedule.Next(after)
}
