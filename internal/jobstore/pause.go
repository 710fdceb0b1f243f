package jobstore

import (
	"context"

	"github.com/rubyAppSec/quartz/internal/domain"
)

// PauseTrigger moves a trigger to paused, excluding it from acquisition
// until resumed. Complete and error triggers are left alone. A concurrent
// acquisition on another node resolves by whichever conditional update
// lands first.
func (s *ClusteredStore) PauseTrigger(ctx context.Context, key domain.Key) error {
	paused, err := s.updateTrigger(ctx, key, func(t *domain.Trigger) bool {
		if t.State == domain.StatePaused || t.State == domain.StateComplete || t.State == domain.StateError {
			return false
		}
		t.State = domain.StatePaused
		t.FireInstanceID = ""
		return true
	})
	if err != nil {
		return err
	}
	if paused != nil {
		if _, err := s.cols.Index.Remove(ctx, indexMember(paused.Priority, paused.Key)); err != nil {
			return persistErr("pause trigger", err)
		}
	}
	return nil
}

// ResumeTrigger returns a paused trigger to waiting, unless its trigger
// group or job group is still paused. Misfire status is recomputed once: a
// fire time missed while paused is resolved per the trigger's misfire
// instruction before the trigger re-enters the index.
func (s *ClusteredStore) ResumeTrigger(ctx context.Context, key domain.Key) error {
	cur, err := s.RetrieveTrigger(ctx, key)
	if err != nil || cur == nil {
		return err
	}
	if cur.State != domain.StatePaused {
		return nil
	}
	stillPaused, err := s.groupsPaused(ctx, cur.Key.Group, cur.JobKey.Group)
	if err != nil {
		return persistErr("resume trigger", err)
	}
	if stillPaused {
		return nil
	}

	now := s.clock()
	resumed, err := s.updateTrigger(ctx, key, func(t *domain.Trigger) bool {
		if t.State != domain.StatePaused {
			return false
		}
		if s.misfireThresholdExceeded(t, now) {
			if s.effectiveMisfire(t) == domain.MisfireFireOnceNow {
				fireAt := now
				t.NextFireTime = &fireAt
			} else {
				next, err := t.Schedule.Next(now)
				if err != nil || next == nil {
					// Exhausted while paused; park as complete.
					t.State = domain.StateComplete
					t.NextFireTime = nil
					return true
				}
				t.NextFireTime = next
			}
		}
		t.State = domain.StateWaiting
		return true
	})
	if err != nil {
		return err
	}
	if resumed != nil && resumed.State == domain.StateWaiting {
		if err := s.indexTrigger(ctx, resumed); err != nil {
			return err
		}
		if resumed.NextFireTime != nil {
			s.signaler.SignalSchedulingChange(*resumed.NextFireTime)
		}
	}
	return nil
}

// PauseTriggers pauses every trigger whose group the matcher selects and
// registers those groups so triggers stored into them later start paused.
// Returns the affected group names.
func (s *ClusteredStore) PauseTriggers(ctx context.Context, matcher domain.GroupMatcher) ([]string, error) {
	keys, err := s.GetTriggerKeys(ctx, matcher)
	if err != nil {
		return nil, err
	}
	groups := distinctGroups(keys)
	for _, g := range groups {
		if err := s.cols.PausedTriggerGroups.Add(ctx, g); err != nil {
			return nil, persistErr("pause triggers", err)
		}
	}
	for _, key := range keys {
		if err := s.PauseTrigger(ctx, key); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// ResumeTriggers unregisters the matched trigger groups and resumes their
// triggers. Returns the affected group names.
func (s *ClusteredStore) ResumeTriggers(ctx context.Context, matcher domain.GroupMatcher) ([]string, error) {
	registered, err := s.cols.PausedTriggerGroups.Members(ctx)
	if err != nil {
		return nil, persistErr("resume triggers", err)
	}
	var groups []string
	for _, g := range registered {
		if matcher.Matches(g) {
			groups = append(groups, g)
			if _, err := s.cols.PausedTriggerGroups.Remove(ctx, g); err != nil {
				return nil, persistErr("resume triggers", err)
			}
		}
	}
	keys, err := s.GetTriggerKeys(ctx, matcher)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err := s.ResumeTrigger(ctx, key); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// PauseJob pauses all triggers of one job.
func (s *ClusteredStore) PauseJob(ctx context.Context, jobKey domain.Key) error {
	trigs, err := s.GetTriggersForJob(ctx, jobKey)
	if err != nil {
		return err
	}
	for _, trig := range trigs {
		if err := s.PauseTrigger(ctx, trig.Key); err != nil {
			return err
		}
	}
	return nil
}

// ResumeJob resumes all triggers of one job.
func (s *ClusteredStore) ResumeJob(ctx context.Context, jobKey domain.Key) error {
	trigs, err := s.GetTriggersForJob(ctx, jobKey)
	if err != nil {
		return err
	}
	for _, trig := range trigs {
		if err := s.ResumeTrigger(ctx, trig.Key); err != nil {
			return err
		}
	}
	return nil
}

// PauseJobs pauses the triggers of every job whose group the matcher
// selects and registers those job groups. Returns the affected group names.
func (s *ClusteredStore) PauseJobs(ctx context.Context, matcher domain.GroupMatcher) ([]string, error) {
	jobKeys, err := s.GetJobKeys(ctx, matcher)
	if err != nil {
		return nil, err
	}
	groups := distinctGroups(jobKeys)
	for _, g := range groups {
		if err := s.cols.PausedJobGroups.Add(ctx, g); err != nil {
			return nil, persistErr("pause jobs", err)
		}
	}
	for _, key := range jobKeys {
		if err := s.PauseJob(ctx, key); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// ResumeJobs unregisters the matched job groups and resumes their jobs'
// triggers. Returns the affected group names.
func (s *ClusteredStore) ResumeJobs(ctx context.Context, matcher domain.GroupMatcher) ([]string, error) {
	registered, err := s.cols.PausedJobGroups.Members(ctx)
	if err != nil {
		return nil, persistErr("resume jobs", err)
	}
	var groups []string
	for _, g := range registered {
		if matcher.Matches(g) {
			groups = append(groups, g)
			if _, err := s.cols.PausedJobGroups.Remove(ctx, g); err != nil {
				return nil, persistErr("resume jobs", err)
			}
		}
	}
	jobKeys, err := s.GetJobKeys(ctx, matcher)
	if err != nil {
		return nil, err
	}
	for _, key := range jobKeys {
		if err := s.ResumeJob(ctx, key); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// PauseAll pauses every trigger group.
func (s *ClusteredStore) PauseAll(ctx context.Context) error {
	_, err := s.PauseTriggers(ctx, domain.MatchAll())
	return err
}

// ResumeAll resumes every trigger group.
func (s *ClusteredStore) ResumeAll(ctx context.Context) error {
	_, err := s.ResumeTriggers(ctx, domain.MatchAll())
	return err
}
