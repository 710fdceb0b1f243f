package jobstore

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rubyAppSec/quartz/internal/domain"
	"github.com/rubyAppSec/quartz/internal/toolkit"
)

// AcquireNextTriggers claims up to maxCount triggers due no later than
// noLaterThan+timeWindow, each exclusively owned by this node. Candidates
// are scanned in (nextFireTime, priority) order; a candidate whose group is
// paused, whose job is blocked, or whose claim CAS is lost to another node
// is skipped, never retried. Misfired candidates are resolved per their
// instruction after the claim and before being returned.
//
// Once the first trigger is claimed the batch closes at that trigger's fire
// time plus timeWindow: everything returned fires together, so a candidate
// due later than the window tolerates stays in the store for a later call.
//
// A substrate failure aborts the batch; triggers already claimed stay
// claimed and must be released by the caller or by recovery.
func (s *ClusteredStore) AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]domain.Trigger, error) {
	start := s.clock()
	acquired, err := s.acquireNextTriggers(ctx, noLaterThan, maxCount, timeWindow)
	s.metrics.AcquireCompleted(len(acquired), s.clock().Sub(start), err)
	return acquired, err
}

func (s *ClusteredStore) acquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]domain.Trigger, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	horizon := noLaterThan.Add(timeWindow)

	// The set of triggers due by the horizon is small at any instant, so
	// scan it whole rather than paging.
	members, err := s.cols.Index.RangeByScore(ctx, math.MinInt64, horizon.UnixMilli(), 0)
	if err != nil {
		return nil, persistErr("acquire: scan index", err)
	}

	var acquired []domain.Trigger
	var batchEnd *time.Time
	jobsInBatch := make(map[domain.Key]struct{})

	for _, member := range members {
		if err := ctx.Err(); err != nil {
			return acquired, err
		}
		if len(acquired) >= maxCount {
			break
		}

		key, ok := parseIndexMember(member.Member)
		if !ok {
			s.cols.Index.Remove(ctx, member.Member)
			continue
		}

		trig, ver, err := s.cols.Triggers.Get(ctx, keyID(key))
		if errors.Is(err, toolkit.ErrNotFound) {
			// Stale index entry for a deleted trigger.
			s.cols.Index.Remove(ctx, member.Member)
			continue
		}
		if err != nil {
			return acquired, persistErr("acquire: load trigger", err)
		}
		if trig.State != domain.StateWaiting || trig.NextFireTime == nil {
			s.cols.Index.Remove(ctx, member.Member)
			continue
		}
		if trig.NextFireTime.After(horizon) {
			// Fire time moved past the horizon since it was indexed; the
			// index will catch up on reindex.
			continue
		}
		if batchEnd != nil && trig.NextFireTime.After(*batchEnd) {
			// Past the batching window anchored at the first claim; leave it
			// for a later call so it is not fired early with this batch.
			continue
		}

		if skip, err := s.skipCandidate(ctx, &trig, jobsInBatch); err != nil {
			return acquired, err
		} else if skip {
			continue
		}

		// Claim: waiting -> acquired, conditioned on the version read
		// above. Losing here means another node owns the trigger now.
		fireID := uuid.NewString()
		claimed := trig
		claimed.State = domain.StateAcquired
		claimed.FireInstanceID = fireID
		ver, err = s.cols.Triggers.CompareAndSet(ctx, keyID(key), ver, claimed)
		if errors.Is(err, toolkit.ErrConflict) {
			s.metrics.ClaimRaceLost()
			continue
		}
		if err != nil {
			return acquired, persistErr("acquire: claim", err)
		}
		s.cols.Index.Remove(ctx, member.Member)

		fire, err := s.resolveMisfire(ctx, &claimed, &ver)
		if err != nil {
			return acquired, err
		}
		if !fire {
			continue
		}

		job, err := s.RetrieveJob(ctx, claimed.JobKey)
		if err != nil {
			return acquired, err
		}
		if job == nil {
			// Orphaned trigger; park it in error state.
			claimed.State = domain.StateError
			claimed.FireInstanceID = ""
			if _, err := s.cols.Triggers.CompareAndSet(ctx, keyID(key), ver, claimed); err != nil && !errors.Is(err, toolkit.ErrConflict) {
				return acquired, persistErr("acquire: orphan trigger", err)
			}
			continue
		}

		rec := domain.FiredRecord{
			FireID:             fireID,
			TriggerKey:         claimed.Key,
			JobKey:             claimed.JobKey,
			NodeID:             s.nodeID,
			State:              domain.FiredAcquired,
			ScheduledTime:      *claimed.NextFireTime,
			FireTime:           s.clock(),
			DisallowConcurrent: job.DisallowConcurrent,
			RequestsRecovery:   job.RequestsRecovery,
		}
		if _, err := s.cols.Fired.Put(ctx, fireID, rec); err != nil {
			return acquired, persistErr("acquire: ledger", err)
		}
		s.updateLedgerGauge(ctx)

		if job.DisallowConcurrent {
			jobsInBatch[claimed.JobKey] = struct{}{}
		}
		if batchEnd == nil && claimed.NextFireTime != nil {
			end := claimed.NextFireTime.Add(timeWindow)
			batchEnd = &end
		}
		acquired = append(acquired, claimed)
	}

	sort.Slice(acquired, func(i, j int) bool {
		ti, tj := *acquired[i].NextFireTime, *acquired[j].NextFireTime
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if acquired[i].Priority != acquired[j].Priority {
			return acquired[i].Priority > acquired[j].Priority
		}
		return keyID(acquired[i].Key) < keyID(acquired[j].Key)
	})
	return acquired, nil
}

// skipCandidate applies the pre-claim filters: paused groups, blocked jobs,
// one non-concurrent job per batch, and a live ledger entry for the same
// trigger (defensive; a correctly claimed trigger is never still waiting).
func (s *ClusteredStore) skipCandidate(ctx context.Context, trig *domain.Trigger, jobsInBatch map[domain.Key]struct{}) (bool, error) {
	paused, err := s.groupsPaused(ctx, trig.Key.Group, trig.JobKey.Group)
	if err != nil {
		return false, persistErr("acquire: pause check", err)
	}
	if paused {
		return true, nil
	}

	if _, ok := jobsInBatch[trig.JobKey]; ok {
		return true, nil
	}
	if _, _, err := s.cols.Blocked.Get(ctx, keyID(trig.JobKey)); err == nil {
		return true, nil
	} else if !errors.Is(err, toolkit.ErrNotFound) {
		return false, persistErr("acquire: blocked check", err)
	}

	live, err := s.hasLiveFiredRecord(ctx, trig.Key)
	if err != nil {
		return false, err
	}
	return live, nil
}

func (s *ClusteredStore) hasLiveFiredRecord(ctx context.Context, triggerKey domain.Key) (bool, error) {
	ids, err := s.cols.Fired.Keys(ctx)
	if err != nil {
		return false, persistErr("acquire: ledger scan", err)
	}
	for _, id := range ids {
		rec, _, err := s.cols.Fired.Get(ctx, id)
		if errors.Is(err, toolkit.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, persistErr("acquire: ledger scan", err)
		}
		if rec.TriggerKey == triggerKey {
			return true, nil
		}
	}
	return false, nil
}

// ReleaseAcquiredTrigger returns a previously acquired trigger to waiting.
// Idempotent: releasing a trigger this node no longer owns is a no-op.
func (s *ClusteredStore) ReleaseAcquiredTrigger(ctx context.Context, trig domain.Trigger) error {
	released, err := s.updateTrigger(ctx, trig.Key, func(cur *domain.Trigger) bool {
		if cur.State != domain.StateAcquired || cur.FireInstanceID != trig.FireInstanceID {
			return false
		}
		cur.State = domain.StateWaiting
		cur.FireInstanceID = ""
		return true
	})
	if err != nil {
		return err
	}

	if err := s.dropAcquiredFiring(ctx, trig.FireInstanceID); err != nil {
		return err
	}

	if released != nil {
		if err := s.indexTrigger(ctx, released); err != nil {
			return err
		}
		if released.NextFireTime != nil {
			s.signaler.SignalSchedulingChange(*released.NextFireTime)
		}
	}
	return nil
}

// dropAcquiredFiring deletes a fired-ledger record while it is still in the
// acquired state. A record that already moved to executing belongs to a live
// run and stays; a record left behind by a lost acquisition (trigger paused,
// deleted or reclaimed since the claim) must go, or hasLiveFiredRecord keeps
// the trigger off every future scan.
func (s *ClusteredStore) dropAcquiredFiring(ctx context.Context, fireID string) error {
	if fireID == "" {
		return nil
	}
	rec, _, err := s.cols.Fired.Get(ctx, fireID)
	if errors.Is(err, toolkit.ErrNotFound) {
		return nil
	}
	if err != nil {
		return persistErr("drop firing", err)
	}
	if rec.State != domain.FiredAcquired {
		return nil
	}
	if _, err := s.cols.Fired.Delete(ctx, fireID); err != nil {
		return persistErr("drop firing", err)
	}
	s.updateLedgerGauge(ctx)
	return nil
}
