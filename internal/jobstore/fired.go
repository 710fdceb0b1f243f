package jobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/rubyAppSec/quartz/internal/domain"
	"github.com/rubyAppSec/quartz/internal/toolkit"
)

// FiredDisposition classifies the per-trigger outcome of TriggersFired.
type FiredDisposition string

const (
	// DispositionProceed: the trigger is executing; run the job.
	DispositionProceed FiredDisposition = "proceed"

	// DispositionJobBlocked: a non-concurrent job is already executing
	// elsewhere; the caller should release the trigger.
	DispositionJobBlocked FiredDisposition = "job_blocked"

	// DispositionErrorRetrievingJob: the job definition is gone; the
	// trigger was parked in error state.
	DispositionErrorRetrievingJob FiredDisposition = "error_retrieving_job"

	// DispositionNotAcquired: this node no longer owns the trigger
	// (released, recovered, or deleted since acquisition); do nothing.
	DispositionNotAcquired FiredDisposition = "not_acquired"
)

// FiredResult is one entry of TriggersFired's per-trigger outcomes.
type FiredResult struct {
	Disposition FiredDisposition
	Trigger     *domain.Trigger
	Job         *domain.Job
	Err         error
}

// TriggersFired transitions acquired triggers to executing as the execution
// layer picks them up. For each proceeding trigger the ledger entry moves
// to executing, the trigger's previous-fire bookkeeping advances, and a
// non-concurrent job is atomically marked blocked — losing that
// check-and-block to another node yields DispositionJobBlocked.
func (s *ClusteredStore) TriggersFired(ctx context.Context, triggers []domain.Trigger) ([]FiredResult, error) {
	results := make([]FiredResult, 0, len(triggers))
	for i := range triggers {
		res, err := s.triggerFired(ctx, &triggers[i])
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *ClusteredStore) triggerFired(ctx context.Context, trig *domain.Trigger) (FiredResult, error) {
	notAcquired := FiredResult{Disposition: DispositionNotAcquired}

	cur, ver, err := s.cols.Triggers.Get(ctx, keyID(trig.Key))
	if errors.Is(err, toolkit.ErrNotFound) {
		return notAcquired, s.dropAcquiredFiring(ctx, trig.FireInstanceID)
	}
	if err != nil {
		return notAcquired, persistErr("triggers fired", err)
	}
	if cur.State != domain.StateAcquired || cur.FireInstanceID != trig.FireInstanceID {
		// Ownership was lost since the claim (paused, recovered or
		// reclaimed); the acquisition's ledger record must not outlive it.
		return notAcquired, s.dropAcquiredFiring(ctx, trig.FireInstanceID)
	}

	rec, _, err := s.cols.Fired.Get(ctx, trig.FireInstanceID)
	if errors.Is(err, toolkit.ErrNotFound) {
		return notAcquired, nil
	}
	if err != nil {
		return notAcquired, persistErr("triggers fired", err)
	}

	job, err := s.RetrieveJob(ctx, cur.JobKey)
	if err != nil {
		return notAcquired, err
	}
	if job == nil {
		if _, err := s.updateTrigger(ctx, cur.Key, func(t *domain.Trigger) bool {
			t.State = domain.StateError
			t.FireInstanceID = ""
			return true
		}); err != nil {
			return notAcquired, err
		}
		if _, err := s.cols.Fired.Delete(ctx, trig.FireInstanceID); err != nil {
			return notAcquired, persistErr("triggers fired", err)
		}
		s.updateLedgerGauge(ctx)
		return FiredResult{
			Disposition: DispositionErrorRetrievingJob,
			Err:         fmt.Errorf("%w: %s", ErrJobNotFound, cur.JobKey),
		}, nil
	}

	if job.DisallowConcurrent {
		// Atomic check-and-block: the CAS with expectation "absent" is what
		// guarantees at most one executing record per non-concurrent job.
		_, err := s.cols.Blocked.CompareAndSet(ctx, keyID(job.Key), 0, trig.FireInstanceID)
		if errors.Is(err, toolkit.ErrConflict) {
			return FiredResult{Disposition: DispositionJobBlocked, Trigger: &cur, Job: job}, nil
		}
		if err != nil {
			return notAcquired, persistErr("triggers fired: block job", err)
		}
	}

	fired := cur
	fired.State = domain.StateExecuting
	fired.PrevFireTime = cur.NextFireTime
	fired.TimesTriggered++
	if _, err := s.cols.Triggers.CompareAndSet(ctx, keyID(cur.Key), ver, fired); err != nil {
		if job.DisallowConcurrent {
			s.unblockIfOwner(ctx, job.Key, trig.FireInstanceID)
		}
		if errors.Is(err, toolkit.ErrConflict) {
			return notAcquired, nil
		}
		return notAcquired, persistErr("triggers fired", err)
	}

	rec.State = domain.FiredExecuting
	if _, err := s.cols.Fired.Put(ctx, rec.FireID, rec); err != nil {
		return notAcquired, persistErr("triggers fired: ledger", err)
	}

	s.metrics.TriggerFired()
	return FiredResult{Disposition: DispositionProceed, Trigger: &fired, Job: job}, nil
}

// TriggeredJobComplete is the completion callback from the execution layer.
// It removes the ledger entry, lifts the non-concurrency block when this
// was the job's last executing record, and applies the instruction to the
// trigger per its lifecycle table.
func (s *ClusteredStore) TriggeredJobComplete(ctx context.Context, trig domain.Trigger, instruction domain.CompletedInstruction) error {
	if trig.FireInstanceID != "" {
		if _, err := s.cols.Fired.Delete(ctx, trig.FireInstanceID); err != nil {
			return persistErr("job complete: ledger", err)
		}
		s.updateLedgerGauge(ctx)
	}

	job, err := s.RetrieveJob(ctx, trig.JobKey)
	if err != nil {
		return err
	}
	if job != nil && job.DisallowConcurrent {
		if err := s.unblockIfIdle(ctx, job.Key); err != nil {
			return err
		}
	}

	if err := s.applyCompletion(ctx, &trig, instruction); err != nil {
		return err
	}
	s.metrics.TriggerCompleted(string(instruction))
	return nil
}

func (s *ClusteredStore) applyCompletion(ctx context.Context, trig *domain.Trigger, instruction domain.CompletedInstruction) error {
	switch instruction {
	case domain.InstructionDelete:
		cur, err := s.RetrieveTrigger(ctx, trig.Key)
		if err != nil || cur == nil {
			return err
		}
		return s.deleteTrigger(ctx, cur)

	case domain.InstructionSetTriggerComplete:
		_, err := s.updateTrigger(ctx, trig.Key, func(t *domain.Trigger) bool {
			t.State = domain.StateComplete
			t.FireInstanceID = ""
			return true
		})
		return err

	case domain.InstructionSetTriggerError:
		_, err := s.updateTrigger(ctx, trig.Key, func(t *domain.Trigger) bool {
			t.State = domain.StateError
			t.FireInstanceID = ""
			return true
		})
		return err

	case domain.InstructionSetAllJobTriggersError:
		siblings, err := s.GetTriggersForJob(ctx, trig.JobKey)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			s.cols.Index.Remove(ctx, indexMember(sib.Priority, sib.Key))
			if _, err := s.updateTrigger(ctx, sib.Key, func(t *domain.Trigger) bool {
				t.State = domain.StateError
				t.FireInstanceID = ""
				return true
			}); err != nil {
				return err
			}
		}
		return nil

	default: // reschedule
		return s.rescheduleAfterFire(ctx, trig)
	}
}

// rescheduleAfterFire computes the occurrence after the one just fired and
// returns the trigger to waiting, or finalizes it when the schedule is
// exhausted. An execution that outlasted its interval lands the new fire
// time in the past; the next acquisition resolves it as a misfire, which is
// the intended behavior, not an anomaly.
func (s *ClusteredStore) rescheduleAfterFire(ctx context.Context, trig *domain.Trigger) error {
	cur, ver, err := s.cols.Triggers.Get(ctx, keyID(trig.Key))
	if errors.Is(err, toolkit.ErrNotFound) {
		return nil
	}
	if err != nil {
		return persistErr("job complete", err)
	}
	if cur.FireInstanceID != trig.FireInstanceID || cur.State != domain.StateExecuting {
		// A different firing owns the record now (recovered or replaced).
		return nil
	}

	after := s.clock()
	if cur.NextFireTime != nil {
		after = *cur.NextFireTime
	}
	next, err := cur.Schedule.Next(after)
	if err != nil {
		return err
	}
	if next == nil {
		return s.finalizeExhausted(ctx, &cur, ver)
	}

	cur.NextFireTime = next
	cur.State = domain.StateWaiting
	cur.FireInstanceID = ""
	if _, err := s.cols.Triggers.CompareAndSet(ctx, keyID(cur.Key), ver, cur); err != nil {
		if errors.Is(err, toolkit.ErrConflict) {
			return nil
		}
		return persistErr("job complete", err)
	}
	if err := s.indexTrigger(ctx, &cur); err != nil {
		return err
	}
	s.signaler.SignalSchedulingChange(*next)
	return nil
}

// unblockIfIdle removes the job's block when no executing ledger record
// references it anymore, making its triggers eligible on the next scan.
func (s *ClusteredStore) unblockIfIdle(ctx context.Context, jobKey domain.Key) error {
	ids, err := s.cols.Fired.Keys(ctx)
	if err != nil {
		return persistErr("unblock", err)
	}
	for _, id := range ids {
		rec, _, err := s.cols.Fired.Get(ctx, id)
		if errors.Is(err, toolkit.ErrNotFound) {
			continue
		}
		if err != nil {
			return persistErr("unblock", err)
		}
		if rec.JobKey == jobKey && rec.State == domain.FiredExecuting {
			return nil
		}
	}
	if _, err := s.cols.Blocked.Delete(ctx, keyID(jobKey)); err != nil {
		return persistErr("unblock", err)
	}
	s.signaler.SignalSchedulingChange(s.clock())
	return nil
}

// unblockIfOwner removes a block only when it was placed by this firing;
// used to roll back a failed fire transition.
func (s *ClusteredStore) unblockIfOwner(ctx context.Context, jobKey domain.Key, fireID string) {
	owner, _, err := s.cols.Blocked.Get(ctx, keyID(jobKey))
	if err == nil && owner == fireID {
		s.cols.Blocked.Delete(ctx, keyID(jobKey))
	}
}
