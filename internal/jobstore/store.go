// Package jobstore implements the clustered trigger store: durable job and
// trigger tables in shared distributed collections, an ordered index of
// waiting triggers, exclusive acquisition of due triggers via conditional
// state transitions, misfire resolution, a fired-trigger ledger for
// non-concurrency blocking, and recovery after node death.
//
// No node owns any entity. Every field-group update (state together with
// the fire-time bookkeeping) goes through a versioned compare-and-set on
// the trigger record; a failed CAS means another node won and is never an
// error. The ordered index is a hint that may briefly lead or trail the
// record it points at — the claim CAS on the record itself is authoritative.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/rubyAppSec/quartz/internal/domain"
	"github.com/rubyAppSec/quartz/internal/metrics"
	"github.com/rubyAppSec/quartz/internal/toolkit"
)

// Signaler is the callback surface into the owning scheduler runtime. The
// store invokes it whenever a trigger becomes waiting with a fire time that
// may be earlier than the runtime's current wake-up horizon.
type Signaler interface {
	SignalSchedulingChange(candidate time.Time)
}

// NoopSignaler discards signals; useful for tooling that only manipulates
// the store.
type NoopSignaler struct{}

func (NoopSignaler) SignalSchedulingChange(time.Time) {}

// Collections are the shared substrate collections the store runs on. All
// nodes of one cluster must be handed collections over the same backing
// namespace.
type Collections struct {
	Jobs     toolkit.Map[domain.Job]
	Triggers toolkit.Map[domain.Trigger]
	Fired    toolkit.Map[domain.FiredRecord]

	// Blocked maps a job id to the fire instance that blocked it. A map
	// rather than a plain set so check-and-block is one CAS.
	Blocked toolkit.Map[string]

	// Index orders waiting triggers by (nextFireTime, priority, key).
	Index toolkit.OrderedSet

	PausedJobGroups     toolkit.Set
	PausedTriggerGroups toolkit.Set
}

// DefaultMisfireThreshold is the grace period before a late trigger counts
// as misfired.
const DefaultMisfireThreshold = time.Minute

// casRetries bounds retry loops on conditional updates that should win
// eventually (pause, resume, error marking). Acquisition never retries.
const casRetries = 4

// ClusteredStore is the job store. Safe for concurrent use from any number
// of goroutines and nodes.
type ClusteredStore struct {
	cols     Collections
	nodeID   string
	clock    func() time.Time
	signaler Signaler
	metrics  metrics.Sink

	misfireThreshold time.Duration
}

// New creates a store for this node over the given collections.
func New(cols Collections, nodeID string) *ClusteredStore {
	return &ClusteredStore{
		cols:             cols,
		nodeID:           nodeID,
		clock:            time.Now,
		signaler:         NoopSignaler{},
		metrics:          metrics.NewNoopSink(),
		misfireThreshold: DefaultMisfireThreshold,
	}
}

// WithSignaler attaches the runtime callback.
func (s *ClusteredStore) WithSignaler(sig Signaler) *ClusteredStore {
	s.signaler = sig
	return s
}

// WithMetrics attaches a metrics sink.
func (s *ClusteredStore) WithMetrics(sink metrics.Sink) *ClusteredStore {
	s.metrics = sink
	return s
}

// WithClock overrides the time source, for tests.
func (s *ClusteredStore) WithClock(clock func() time.Time) *ClusteredStore {
	s.clock = clock
	return s
}

// WithMisfireThreshold overrides the misfire grace period.
func (s *ClusteredStore) WithMisfireThreshold(d time.Duration) *ClusteredStore {
	if d > 0 {
		s.misfireThreshold = d
	}
	return s
}

// NodeID returns this node's cluster identity.
func (s *ClusteredStore) NodeID() string {
	return s.nodeID
}

// StoreJob persists a job definition. With replaceExisting false, storing a
// duplicate key fails with ErrJobAlreadyExists.
func (s *ClusteredStore) StoreJob(ctx context.Context, job domain.Job, replaceExisting bool) error {
	id := keyID(job.Key)
	_, ver, err := s.cols.Jobs.Get(ctx, id)
	switch {
	case errors.Is(err, toolkit.ErrNotFound):
		ver = 0
	case err != nil:
		return persistErr("store job", err)
	case !replaceExisting:
		return alreadyExistsErr("job", job.Key)
	}

	if _, err := s.cols.Jobs.CompareAndSet(ctx, id, ver, job); err != nil {
		if errors.Is(err, toolkit.ErrConflict) {
			// Another node stored it concurrently.
			if !replaceExisting {
				return alreadyExistsErr("job", job.Key)
			}
			_, err = s.cols.Jobs.Put(ctx, id, job)
		}
		if err != nil {
			return persistErr("store job", err)
		}
	}
	return nil
}

// StoreTrigger persists a trigger. The referenced job must exist. A new
// trigger starts waiting — or paused, if its own group or its job's group
// is currently paused — with its first fire time computed from the schedule.
func (s *ClusteredStore) StoreTrigger(ctx context.Context, trig domain.Trigger, replaceExisting bool) error {
	if err := trig.Schedule.Validate(); err != nil {
		return err
	}
	job, err := s.RetrieveJob(ctx, trig.JobKey)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, trig.JobKey)
	}

	id := keyID(trig.Key)
	existing, ver, err := s.cols.Triggers.Get(ctx, id)
	switch {
	case errors.Is(err, toolkit.ErrNotFound):
		ver = 0
	case err != nil:
		return persistErr("store trigger", err)
	case !replaceExisting:
		return alreadyExistsErr("trigger", trig.Key)
	default:
		// Replacing: drop the old index entry before the new state lands.
		if _, err := s.cols.Index.Remove(ctx, indexMember(existing.Priority, existing.Key)); err != nil {
			return persistErr("store trigger", err)
		}
	}

	if trig.NextFireTime == nil {
		// Include a first occurrence falling exactly on "now".
		next, err := trig.Schedule.Next(s.clock().Add(-time.Millisecond))
		if err != nil {
			return err
		}
		if next == nil {
			return fmt.Errorf("%w: %s", ErrTriggerNeverFires, trig.Key)
		}
		trig.NextFireTime = next
	}

	paused, err := s.groupsPaused(ctx, trig.Key.Group, trig.JobKey.Group)
	if err != nil {
		return persistErr("store trigger", err)
	}
	if paused {
		trig.State = domain.StatePaused
	} else {
		trig.State = domain.StateWaiting
	}
	trig.FireInstanceID = ""

	if _, err := s.cols.Triggers.CompareAndSet(ctx, id, ver, trig); err != nil {
		if errors.Is(err, toolkit.ErrConflict) && !replaceExisting {
			return alreadyExistsErr("trigger", trig.Key)
		}
		return persistErr("store trigger", err)
	}

	if trig.State == domain.StateWaiting {
		if err := s.indexTrigger(ctx, &trig); err != nil {
			return err
		}
		s.signaler.SignalSchedulingChange(*trig.NextFireTime)
	}
	return nil
}

// StoreJobAndTrigger persists both in one call; the trigger store is
// attempted only if the job store succeeds.
func (s *ClusteredStore) StoreJobAndTrigger(ctx context.Context, job domain.Job, trig domain.Trigger) error {
	if err := s.StoreJob(ctx, job, false); err != nil {
		return err
	}
	return s.StoreTrigger(ctx, trig, false)
}

// StoreJobsAndTriggers persists a batch. With replace false, the first
// duplicate aborts the batch; entities stored before the failure remain
// stored (batch operations have no cross-entity atomicity).
func (s *ClusteredStore) StoreJobsAndTriggers(ctx context.Context, batch map[*domain.Job][]domain.Trigger, replace bool) error {
	for job, trigs := range batch {
		if err := s.StoreJob(ctx, *job, replace); err != nil {
			return err
		}
		for _, trig := range trigs {
			if err := s.StoreTrigger(ctx, trig, replace); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReplaceTrigger swaps a trigger for a new one bound to the same job.
// Returns false when no trigger existed under the key.
func (s *ClusteredStore) ReplaceTrigger(ctx context.Context, key domain.Key, newTrig domain.Trigger) (bool, error) {
	old, err := s.RetrieveTrigger(ctx, key)
	if err != nil {
		return false, err
	}
	if old == nil {
		return false, nil
	}
	if old.JobKey != newTrig.JobKey {
		return false, ErrJobMismatch
	}
	newTrig.Key = key
	if err := s.StoreTrigger(ctx, newTrig, true); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveJob deletes a job and all of its triggers. Returns whether the job
// existed.
func (s *ClusteredStore) RemoveJob(ctx context.Context, key domain.Key) (bool, error) {
	trigs, err := s.GetTriggersForJob(ctx, key)
	if err != nil {
		return false, err
	}
	for _, trig := range trigs {
		if err := s.deleteTrigger(ctx, &trig); err != nil {
			return false, err
		}
	}
	existed, err := s.cols.Jobs.Delete(ctx, keyID(key))
	if err != nil {
		return false, persistErr("remove job", err)
	}
	return existed, nil
}

// RemoveTrigger deletes a trigger. A non-durable job left with no triggers
// is deleted with it. Returns whether the trigger existed.
func (s *ClusteredStore) RemoveTrigger(ctx context.Context, key domain.Key) (bool, error) {
	trig, err := s.RetrieveTrigger(ctx, key)
	if err != nil {
		return false, err
	}
	if trig == nil {
		return false, nil
	}
	if err := s.deleteTrigger(ctx, trig); err != nil {
		return false, err
	}

	job, err := s.RetrieveJob(ctx, trig.JobKey)
	if err != nil {
		return true, err
	}
	if job != nil && !job.Durable {
		remaining, err := s.GetTriggersForJob(ctx, trig.JobKey)
		if err != nil {
			return true, err
		}
		if len(remaining) == 0 {
			if _, err := s.cols.Jobs.Delete(ctx, keyID(trig.JobKey)); err != nil {
				return true, persistErr("remove trigger", err)
			}
		}
	}
	return true, nil
}

// deleteTrigger removes a trigger record and its index entry.
func (s *ClusteredStore) deleteTrigger(ctx context.Context, trig *domain.Trigger) error {
	if _, err := s.cols.Index.Remove(ctx, indexMember(trig.Priority, trig.Key)); err != nil {
		return persistErr("remove trigger", err)
	}
	if _, err := s.cols.Triggers.Delete(ctx, keyID(trig.Key)); err != nil {
		return persistErr("remove trigger", err)
	}
	return nil
}

// RetrieveJob returns the job, or nil when absent.
func (s *ClusteredStore) RetrieveJob(ctx context.Context, key domain.Key) (*domain.Job, error) {
	job, _, err := s.cols.Jobs.Get(ctx, keyID(key))
	if errors.Is(err, toolkit.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("retrieve job", err)
	}
	return &job, nil
}

// RetrieveTrigger returns the trigger, or nil when absent.
func (s *ClusteredStore) RetrieveTrigger(ctx context.Context, key domain.Key) (*domain.Trigger, error) {
	trig, _, err := s.cols.Triggers.Get(ctx, keyID(key))
	if errors.Is(err, toolkit.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("retrieve trigger", err)
	}
	return &trig, nil
}

// CheckJobExists reports whether a job is stored under the key.
func (s *ClusteredStore) CheckJobExists(ctx context.Context, key domain.Key) (bool, error) {
	job, err := s.RetrieveJob(ctx, key)
	return job != nil, err
}

// CheckTriggerExists reports whether a trigger is stored under the key.
func (s *ClusteredStore) CheckTriggerExists(ctx context.Context, key domain.Key) (bool, error) {
	trig, err := s.RetrieveTrigger(ctx, key)
	return trig != nil, err
}

// NumJobs returns the number of stored jobs.
func (s *ClusteredStore) NumJobs(ctx context.Context) (int, error) {
	n, err := s.cols.Jobs.Size(ctx)
	if err != nil {
		return 0, persistErr("count jobs", err)
	}
	return n, nil
}

// NumTriggers returns the number of stored triggers.
func (s *ClusteredStore) NumTriggers(ctx context.Context) (int, error) {
	n, err := s.cols.Triggers.Size(ctx)
	if err != nil {
		return 0, persistErr("count triggers", err)
	}
	return n, nil
}

// GetJobKeys returns keys of jobs whose group the matcher selects.
func (s *ClusteredStore) GetJobKeys(ctx context.Context, matcher domain.GroupMatcher) ([]domain.Key, error) {
	return s.matchKeys(ctx, s.cols.Jobs.Keys, matcher)
}

// GetTriggerKeys returns keys of triggers whose group the matcher selects.
func (s *ClusteredStore) GetTriggerKeys(ctx context.Context, matcher domain.GroupMatcher) ([]domain.Key, error) {
	return s.matchKeys(ctx, s.cols.Triggers.Keys, matcher)
}

func (s *ClusteredStore) matchKeys(ctx context.Context, list func(context.Context) ([]string, error), matcher domain.GroupMatcher) ([]domain.Key, error) {
	ids, err := list(ctx)
	if err != nil {
		return nil, persistErr("list keys", err)
	}
	var keys []domain.Key
	for _, id := range ids {
		key, ok := parseKeyID(id)
		if !ok {
			log.Printf("jobstore: skipping malformed collection key %q", id)
			continue
		}
		if matcher.Matches(key.Group) {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Group != keys[j].Group {
			return keys[i].Group < keys[j].Group
		}
		return keys[i].Name < keys[j].Name
	})
	return keys, nil
}

// JobGroupNames returns the distinct groups of all stored jobs.
func (s *ClusteredStore) JobGroupNames(ctx context.Context) ([]string, error) {
	keys, err := s.GetJobKeys(ctx, domain.MatchAll())
	if err != nil {
		return nil, err
	}
	return distinctGroups(keys), nil
}

// TriggerGroupNames returns the distinct groups of all stored triggers.
func (s *ClusteredStore) TriggerGroupNames(ctx context.Context) ([]string, error) {
	keys, err := s.GetTriggerKeys(ctx, domain.MatchAll())
	if err != nil {
		return nil, err
	}
	return distinctGroups(keys), nil
}

func distinctGroups(keys []domain.Key) []string {
	seen := make(map[string]struct{})
	var groups []string
	for _, k := range keys {
		if _, ok := seen[k.Group]; !ok {
			seen[k.Group] = struct{}{}
			groups = append(groups, k.Group)
		}
	}
	sort.Strings(groups)
	return groups
}

// GetTriggersForJob returns all triggers referencing the job.
func (s *ClusteredStore) GetTriggersForJob(ctx context.Context, jobKey domain.Key) ([]domain.Trigger, error) {
	ids, err := s.cols.Triggers.Keys(ctx)
	if err != nil {
		return nil, persistErr("triggers for job", err)
	}
	var result []domain.Trigger
	for _, id := range ids {
		trig, _, err := s.cols.Triggers.Get(ctx, id)
		if errors.Is(err, toolkit.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, persistErr("triggers for job", err)
		}
		if trig.JobKey == jobKey {
			result = append(result, trig)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Key.Group != result[j].Key.Group {
			return result[i].Key.Group < result[j].Key.Group
		}
		return result[i].Key.Name < result[j].Key.Name
	})
	return result, nil
}

// GetTriggerState returns the trigger's current state, or "" when the
// trigger does not exist.
func (s *ClusteredStore) GetTriggerState(ctx context.Context, key domain.Key) (domain.TriggerState, error) {
	trig, err := s.RetrieveTrigger(ctx, key)
	if err != nil || trig == nil {
		return "", err
	}
	return trig.State, nil
}

// GetPausedTriggerGroups returns the trigger groups currently paused.
func (s *ClusteredStore) GetPausedTriggerGroups(ctx context.Context) ([]string, error) {
	groups, err := s.cols.PausedTriggerGroups.Members(ctx)
	if err != nil {
		return nil, persistErr("paused trigger groups", err)
	}
	sort.Strings(groups)
	return groups, nil
}

// ClearAllSchedulingData removes every job, trigger, ledger entry and pause
// registration. Not safe to run concurrently with acquisition on other
// nodes; intended for tests and administrative resets.
func (s *ClusteredStore) ClearAllSchedulingData(ctx context.Context) error {
	clears := []func(context.Context) error{
		s.cols.Index.Clear,
		s.cols.Triggers.Clear,
		s.cols.Jobs.Clear,
		s.cols.Fired.Clear,
		s.cols.Blocked.Clear,
		s.cols.PausedJobGroups.Clear,
		s.cols.PausedTriggerGroups.Clear,
	}
	for _, clear := range clears {
		if err := clear(ctx); err != nil {
			return persistErr("clear", err)
		}
	}
	return nil
}

// indexTrigger adds the trigger's index entry for its next fire time.
func (s *ClusteredStore) indexTrigger(ctx context.Context, trig *domain.Trigger) error {
	if trig.NextFireTime == nil {
		return nil
	}
	err := s.cols.Index.Add(ctx, indexMember(trig.Priority, trig.Key), trig.NextFireTime.UnixMilli())
	if err != nil {
		return persistErr("index trigger", err)
	}
	return nil
}

// groupsPaused reports whether the trigger group or job group is paused.
// Paused is the logical OR of both registries.
func (s *ClusteredStore) groupsPaused(ctx context.Context, triggerGroup, jobGroup string) (bool, error) {
	paused, err := s.cols.PausedTriggerGroups.Contains(ctx, triggerGroup)
	if err != nil || paused {
		return paused, err
	}
	return s.cols.PausedJobGroups.Contains(ctx, jobGroup)
}

// updateTrigger applies mutate under a compare-and-set, retrying a bounded
// number of times when another node updates the record concurrently.
// mutate returning false makes the whole call a no-op. Returns the updated
// trigger, or nil when it does not exist or mutate declined.
func (s *ClusteredStore) updateTrigger(ctx context.Context, key domain.Key, mutate func(*domain.Trigger) bool) (*domain.Trigger, error) {
	id := keyID(key)
	for attempt := 0; attempt < casRetries; attempt++ {
		trig, ver, err := s.cols.Triggers.Get(ctx, id)
		if errors.Is(err, toolkit.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, persistErr("update trigger", err)
		}
		if !mutate(&trig) {
			return nil, nil
		}
		if _, err := s.cols.Triggers.CompareAndSet(ctx, id, ver, trig); err != nil {
			if errors.Is(err, toolkit.ErrConflict) {
				continue
			}
			return nil, persistErr("update trigger", err)
		}
		return &trig, nil
	}
	return nil, persistErr("update trigger", toolkit.ErrConflict)
}

func (s *ClusteredStore) updateLedgerGauge(ctx context.Context) {
	if n, err := s.cols.Fired.Size(ctx); err == nil {
		s.metrics.LedgerSizeUpdate(n)
	}
}
