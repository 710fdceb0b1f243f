package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/rubyAppSec/quartz/internal/domain"
	"github.com/rubyAppSec/quartz/internal/metrics"
	"github.com/rubyAppSec/quartz/internal/schedule"
	"github.com/rubyAppSec/quartz/internal/toolkit"
)

// resolveMisfire runs strictly after a successful claim — so only one node
// resolves a given misfire — and strictly before the trigger is handed to
// the execution layer. It reports whether the trigger should be fired this
// pass. When it returns false the trigger was rewritten per its misfire
// instruction (back to waiting at the next occurrence, or finalized) and
// the caller moves on to the next candidate.
//
// The trigger is owned by this node (state acquired); writes go through CAS
// with the claim's version, so a concurrent pause or delete still wins
// cleanly, in which case the trigger is simply not fired.
func (s *ClusteredStore) resolveMisfire(ctx context.Context, trig *domain.Trigger, ver *int64) (bool, error) {
	now := s.clock()
	if trig.NextFireTime == nil {
		return false, s.finalizeExhausted(ctx, trig, *ver)
	}
	if now.Sub(*trig.NextFireTime) <= s.misfireThreshold {
		return true, nil
	}

	switch s.effectiveMisfire(trig) {
	case domain.MisfireFireOnceNow:
		trig.NextFireTime = &now
		newVer, err := s.cols.Triggers.CompareAndSet(ctx, keyID(trig.Key), *ver, *trig)
		if errors.Is(err, toolkit.ErrConflict) {
			return false, nil
		}
		if err != nil {
			return false, persistErr("misfire: fire once now", err)
		}
		*ver = newVer
		s.metrics.MisfireResolved(metrics.ResolutionFiredNow)
		return true, nil

	default: // do nothing: skip the missed occurrence
		next, err := trig.Schedule.Next(now)
		if err != nil {
			return false, err
		}
		if next == nil {
			s.metrics.MisfireResolved(metrics.ResolutionCompleted)
			return false, s.finalizeExhausted(ctx, trig, *ver)
		}
		trig.NextFireTime = next
		trig.State = domain.StateWaiting
		trig.FireInstanceID = ""
		if _, err := s.cols.Triggers.CompareAndSet(ctx, keyID(trig.Key), *ver, *trig); err != nil {
			if errors.Is(err, toolkit.ErrConflict) {
				return false, nil
			}
			return false, persistErr("misfire: reschedule", err)
		}
		if err := s.indexTrigger(ctx, trig); err != nil {
			return false, err
		}
		s.metrics.MisfireResolved(metrics.ResolutionRescheduled)
		return false, nil
	}
}

// effectiveMisfire resolves the smart policy to a concrete instruction:
// simple schedules re-fire the missed occurrence immediately, calendar and
// cron schedules skip to the next alignment.
func (s *ClusteredStore) effectiveMisfire(trig *domain.Trigger) domain.MisfireInstruction {
	if trig.Misfire != domain.MisfireSmart && trig.Misfire != "" {
		return trig.Misfire
	}
	if trig.Schedule.Kind == schedule.KindSimple {
		return domain.MisfireFireOnceNow
	}
	return domain.MisfireDoNothing
}

// misfireThresholdExceeded reports whether the trigger's fire time is
// further in the past than the configured grace period.
func (s *ClusteredStore) misfireThresholdExceeded(trig *domain.Trigger, now time.Time) bool {
	return trig.NextFireTime != nil && now.Sub(*trig.NextFireTime) > s.misfireThreshold
}

// finalizeExhausted ends a trigger whose schedule has no further fire time:
// retained triggers park in state complete, others are deleted.
func (s *ClusteredStore) finalizeExhausted(ctx context.Context, trig *domain.Trigger, ver int64) error {
	if trig.RetainAfterComplete {
		done := *trig
		done.State = domain.StateComplete
		done.NextFireTime = nil
		done.FireInstanceID = ""
		if _, err := s.cols.Triggers.CompareAndSet(ctx, keyID(trig.Key), ver, done); err != nil {
			if errors.Is(err, toolkit.ErrConflict) {
				return nil
			}
			return persistErr("finalize trigger", err)
		}
		return nil
	}
	return s.deleteTrigger(ctx, trig)
}
