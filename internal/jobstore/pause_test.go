package jobstore

import (
	"testing"
	"time"

	"github.com/rubyAppSec/quartz/internal/domain"
	"github.com/rubyAppSec/quartz/internal/testutil"
)

func TestPauseTrigger_ExcludedFromAcquisition(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, c := newTestStore(t)
	mustStore(t, ctx, s, testJob("report"), testTrigger("t1", "report", baseTime))

	if err := s.PauseTrigger(ctx, domain.NewKey("", "t1")); err != nil {
		t.Fatalf("pause: %v", err)
	}
	state, err := s.GetTriggerState(ctx, domain.NewKey("", "t1"))
	if err != nil || state != domain.StatePaused {
		t.Fatalf("state = %s (%v), want paused", state, err)
	}

	acquired, err := s.AcquireNextTriggers(ctx, c.clock.Now(), 10, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(acquired) != 0 {
		t.Fatalf("acquired %d paused triggers, want 0", len(acquired))
	}
}

func TestResumeTrigger_Reacquirable(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, c := newTestStore(t)
	mustStore(t, ctx, s, testJob("report"), testTrigger("t1", "report", baseTime))

	if err := s.PauseTrigger(ctx, domain.NewKey("", "t1")); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := s.ResumeTrigger(ctx, domain.NewKey("", "t1")); err != nil {
		t.Fatalf("resume: %v", err)
	}

	acquired, err := s.AcquireNextTriggers(ctx, c.clock.Now(), 10, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(acquired) != 1 {
		t.Fatalf("acquired %d after resume, want 1", len(acquired))
	}
}

func TestPauseTrigger_WhileAcquiredReacquirableAfterResume(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, c := newTestStore(t)
	mustStore(t, ctx, s, testJob("report"), testTrigger("t1", "report", baseTime))

	acquired, err := s.AcquireNextTriggers(ctx, c.clock.Now(), 10, 0)
	if err != nil || len(acquired) != 1 {
		t.Fatalf("acquire: got %d, %v", len(acquired), err)
	}

	// Pause lands between acquisition and fire: the owning node loses the
	// trigger and its acquisition's ledger record must not linger.
	if err := s.PauseTrigger(ctx, domain.NewKey("", "t1")); err != nil {
		t.Fatalf("pause: %v", err)
	}
	results, err := s.TriggersFired(ctx, acquired)
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if results[0].Disposition != DispositionNotAcquired {
		t.Fatalf("disposition = %s, want not_acquired", results[0].Disposition)
	}
	size, err := c.cols.Fired.Size(ctx)
	if err != nil || size != 0 {
		t.Fatalf("ledger size after lost fire = %d (%v), want 0", size, err)
	}

	if err := s.ResumeTrigger(ctx, domain.NewKey("", "t1")); err != nil {
		t.Fatalf("resume: %v", err)
	}
	again, err := s.AcquireNextTriggers(ctx, c.clock.Now(), 10, 0)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("re-acquired %d after resume, want 1", len(again))
	}
}

func TestResumeTrigger_RecomputesMisfire(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, c := newTestStore(t)
	mustStore(t, ctx, s, testJob("report"), testTrigger("t1", "report", baseTime))

	if err := s.PauseTrigger(ctx, domain.NewKey("", "t1")); err != nil {
		t.Fatalf("pause: %v", err)
	}
	c.clock.Advance(10 * time.Minute)
	now := c.clock.Now()

	if err := s.ResumeTrigger(ctx, domain.NewKey("", "t1")); err != nil {
		t.Fatalf("resume: %v", err)
	}

	got, err := s.RetrieveTrigger(ctx, domain.NewKey("", "t1"))
	if err != nil || got == nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got.State != domain.StateWaiting {
		t.Errorf("state = %s, want waiting", got.State)
	}
	// Smart policy on a simple schedule: the fire time missed while paused
	// is rewritten to now.
	if got.NextFireTime == nil || !got.NextFireTime.Equal(now) {
		t.Errorf("next fire time = %v, want %v", got.NextFireTime, now)
	}
}

func TestPauseTriggers_RegistersGroup(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, c := newTestStore(t)
	job := domain.Job{Key: domain.NewKey("batch", "report"), Class: "builtin/webhook"}
	trig := domain.Trigger{
		Key:      domain.NewKey("batch", "t1"),
		JobKey:   job.Key,
		Schedule: testTrigger("t1", "report", baseTime).Schedule,
	}
	mustStore(t, ctx, s, job, trig)

	groups, err := s.PauseTriggers(ctx, domain.MatchEquals("batch"))
	if err != nil {
		t.Fatalf("pause triggers: %v", err)
	}
	if len(groups) != 1 || groups[0] != "batch" {
		t.Fatalf("paused groups = %v, want [batch]", groups)
	}

	// A trigger stored into a paused group starts paused.
	late := domain.Trigger{
		Key:      domain.NewKey("batch", "t2"),
		JobKey:   job.Key,
		Schedule: testTrigger("t2", "report", baseTime).Schedule,
	}
	if err := s.StoreTrigger(ctx, late, false); err != nil {
		t.Fatalf("store into paused group: %v", err)
	}
	state, err := s.GetTriggerState(ctx, late.Key)
	if err != nil || state != domain.StatePaused {
		t.Fatalf("late trigger state = %s (%v), want paused", state, err)
	}

	paused, err := s.GetPausedTriggerGroups(ctx)
	if err != nil || len(paused) != 1 {
		t.Fatalf("paused trigger groups = %v (%v), want [batch]", paused, err)
	}

	if _, err := s.ResumeTriggers(ctx, domain.MatchEquals("batch")); err != nil {
		t.Fatalf("resume triggers: %v", err)
	}
	acquired, err := s.AcquireNextTriggers(ctx, c.clock.Now(), 10, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(acquired) != 2 {
		t.Fatalf("acquired %d after group resume, want 2", len(acquired))
	}
}

func TestResumeTrigger_StaysPausedWhileGroupPaused(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, _ := newTestStore(t)
	mustStore(t, ctx, s, testJob("report"), testTrigger("t1", "report", baseTime))

	if _, err := s.PauseTriggers(ctx, domain.MatchAll()); err != nil {
		t.Fatalf("pause all: %v", err)
	}
	if err := s.ResumeTrigger(ctx, domain.NewKey("", "t1")); err != nil {
		t.Fatalf("resume: %v", err)
	}
	state, err := s.GetTriggerState(ctx, domain.NewKey("", "t1"))
	if err != nil || state != domain.StatePaused {
		t.Fatalf("state = %s (%v), want still paused while its group is paused", state, err)
	}
}

func TestPauseJobs_PausesTriggersOfMatchedJobs(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, c := newTestStore(t)
	job := domain.Job{Key: domain.NewKey("batch", "report"), Class: "builtin/webhook"}
	trig := domain.Trigger{
		Key:      domain.NewKey("online", "t1"),
		JobKey:   job.Key,
		Schedule: testTrigger("t1", "report", baseTime).Schedule,
	}
	mustStore(t, ctx, s, job, trig)

	groups, err := s.PauseJobs(ctx, domain.MatchEquals("batch"))
	if err != nil {
		t.Fatalf("pause jobs: %v", err)
	}
	if len(groups) != 1 || groups[0] != "batch" {
		t.Fatalf("paused job groups = %v, want [batch]", groups)
	}

	// The trigger lives in a different group but its job's group is paused.
	acquired, err := s.AcquireNextTriggers(ctx, c.clock.Now(), 10, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(acquired) != 0 {
		t.Fatalf("acquired %d, want 0 while job group paused", len(acquired))
	}

	if _, err := s.ResumeJobs(ctx, domain.MatchEquals("batch")); err != nil {
		t.Fatalf("resume jobs: %v", err)
	}
	acquired, err = s.AcquireNextTriggers(ctx, c.clock.Now(), 10, 0)
	if err != nil {
		t.Fatalf("acquire after resume: %v", err)
	}
	if len(acquired) != 1 {
		t.Fatalf("acquired %d after resume, want 1", len(acquired))
	}
}

func TestPauseAll_ResumeAll(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, c := newTestStore(t)
	mustStore(t, ctx, s, testJob("report"), testTrigger("t1", "report", baseTime))

	if err := s.PauseAll(ctx); err != nil {
		t.Fatalf("pause all: %v", err)
	}
	acquired, err := s.AcquireNextTriggers(ctx, c.clock.Now(), 10, 0)
	if err != nil || len(acquired) != 0 {
		t.Fatalf("acquired %d (%v), want 0 after pause all", len(acquired), err)
	}

	if err := s.ResumeAll(ctx); err != nil {
		t.Fatalf("resume all: %v", err)
	}
	acquired, err = s.AcquireNextTriggers(ctx, c.clock.Now(), 10, 0)
	if err != nil || len(acquired) != 1 {
		t.Fatalf("acquired %d (%v), want 1 after resume all", len(acquired), err)
	}
}

func TestPauseTrigger_CompleteTriggerUntouched(t *testing.T) {
	ctx := testutil.TestContext(t)
	s, c := newTestStore(t)
	if err := s.StoreJob(ctx, testJob("report"), false); err != nil {
		t.Fatal(err)
	}
	trig := testTrigger("once", "report", baseTime)
	trig.Schedule.RepeatCount = 0
	trig.Schedule.Interval = 0
	trig.RetainAfterComplete = true
	if err := s.StoreTrigger(ctx, trig, false); err != nil {
		t.Fatalf("store trigger: %v", err)
	}

	res := fireOne(t, ctx, s, c.clock.Now())
	if err := s.TriggeredJobComplete(ctx, *res.Trigger, domain.InstructionReschedule); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := s.PauseTrigger(ctx, domain.NewKey("", "once")); err != nil {
		t.Fatalf("pause: %v", err)
	}
	state, err := s.GetTriggerState(ctx, domain.NewKey("", "once"))
	if err != nil || state != domain.StateComplete {
		t.Fatalf("state = %s (%v), want complete left untouched by pause", state, err)
	}
}
