package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rubyAppSec/quartz/internal/domain"
	"github.com/rubyAppSec/quartz/internal/jobstore"
	"github.com/rubyAppSec/quartz/internal/runner"
	"github.com/rubyAppSec/quartz/internal/signalbus"
)

// fakeStore scripts one acquisition batch and records the calls back.
type fakeStore struct {
	mu sync.Mutex

	batch      []domain.Trigger
	results    []jobstore.FiredResult
	acquireErr error

	acquires  int
	fired     [][]domain.Trigger
	released  []domain.Trigger
	completed []domain.CompletedInstruction
}

func (f *fakeStore) AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]domain.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	batch := f.batch
	f.batch = nil // one-shot: subsequent cycles find nothing
	// Like the real store, a failure mid-scan still returns what was
	// claimed before it.
	return batch, f.acquireErr
}

func (f *fakeStore) TriggersFired(ctx context.Context, triggers []domain.Trigger) ([]jobstore.FiredResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, triggers)
	return f.results, nil
}

func (f *fakeStore) ReleaseAcquiredTrigger(ctx context.Context, trig domain.Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, trig)
	return nil
}

func (f *fakeStore) TriggeredJobComplete(ctx context.Context, trig domain.Trigger, instruction domain.CompletedInstruction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, instruction)
	return nil
}

// fakeRunner records submissions and completes them synchronously.
type fakeRunner struct {
	mu        sync.Mutex
	submitted []runner.Invocation
	submitErr error
	outcome   runner.Outcome
}

func (f *fakeRunner) Submit(inv runner.Invocation, done runner.CompletionFunc) error {
	f.mu.Lock()
	f.submitted = append(f.submitted, inv)
	err := f.submitErr
	outcome := f.outcome
	f.mu.Unlock()
	if err != nil {
		return err
	}
	done(inv, outcome)
	return nil
}

func dueTrigger(name string, at time.Time) domain.Trigger {
	return domain.Trigger{
		Key:            domain.NewKey("", name),
		JobKey:         domain.NewKey("", "job"),
		State:          domain.StateAcquired,
		NextFireTime:   &at,
		FireInstanceID: "fire-" + name,
	}
}

func TestCycle_FiresAndCompletes(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	trig := dueTrigger("t1", now)
	job := domain.Job{Key: domain.NewKey("", "job"), Class: "test/ok"}

	store := &fakeStore{
		batch: []domain.Trigger{trig},
		results: []jobstore.FiredResult{
			{Disposition: jobstore.DispositionProceed, Trigger: &trig, Job: &job},
		},
	}
	pool := &fakeRunner{}
	rt := New(store, pool, signalbus.NewBus()).WithClock(func() time.Time { return now })

	if delay := rt.cycle(context.Background()); delay != 0 {
		t.Errorf("delay after a fired batch = %s, want 0 (look again immediately)", delay)
	}

	if len(pool.submitted) != 1 {
		t.Fatalf("submitted %d invocations, want 1", len(pool.submitted))
	}
	if pool.submitted[0].FireID != "fire-t1" {
		t.Errorf("submitted fire id = %q, want fire-t1", pool.submitted[0].FireID)
	}
	if len(store.completed) != 1 || store.completed[0] != domain.InstructionReschedule {
		t.Errorf("completions = %v, want one reschedule", store.completed)
	}
}

func TestCycle_EmptyBatchIdles(t *testing.T) {
	store := &fakeStore{}
	rt := New(store, &fakeRunner{}, signalbus.NewBus()).WithIdleWait(7 * time.Second)

	if delay := rt.cycle(context.Background()); delay != 7*time.Second {
		t.Errorf("delay on empty batch = %s, want the idle wait", delay)
	}
	if len(store.fired) != 0 {
		t.Error("TriggersFired must not be called for an empty batch")
	}
}

func TestCycle_AcquireErrorBacksOff(t *testing.T) {
	store := &fakeStore{acquireErr: errors.New("substrate down")}
	rt := New(store, &fakeRunner{}, signalbus.NewBus())

	if delay := rt.cycle(context.Background()); delay != retryDelay {
		t.Errorf("delay after acquire failure = %s, want retry delay", delay)
	}
}

func TestCycle_AcquireErrorReleasesPartialBatch(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	trig := dueTrigger("t1", now)
	store := &fakeStore{
		batch:      []domain.Trigger{trig},
		acquireErr: errors.New("substrate down"),
	}
	rt := New(store, &fakeRunner{}, signalbus.NewBus()).WithClock(func() time.Time { return now })

	rt.cycle(context.Background())

	if len(store.fired) != 0 {
		t.Fatal("a failed acquisition must not be fired")
	}
	if len(store.released) != 1 || store.released[0].Key.Name != "t1" {
		t.Fatalf("released = %v, want the partially claimed trigger put back", store.released)
	}
}

func TestCycle_BlockedTriggerReleased(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	trig := dueTrigger("t1", now)
	job := domain.Job{Key: domain.NewKey("", "job"), Class: "test/ok", DisallowConcurrent: true}

	store := &fakeStore{
		batch: []domain.Trigger{trig},
		results: []jobstore.FiredResult{
			{Disposition: jobstore.DispositionJobBlocked, Trigger: &trig, Job: &job},
		},
	}
	pool := &fakeRunner{}
	rt := New(store, pool, signalbus.NewBus()).WithClock(func() time.Time { return now })

	rt.cycle(context.Background())

	if len(pool.submitted) != 0 {
		t.Fatal("blocked trigger must not be submitted")
	}
	if len(store.released) != 1 || store.released[0].Key.Name != "t1" {
		t.Fatalf("released = %v, want the blocked trigger put back", store.released)
	}
}

func TestCycle_SubmitFailureCompletesTrigger(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	trig := dueTrigger("t1", now)
	job := domain.Job{Key: domain.NewKey("", "job"), Class: "test/ok"}

	store := &fakeStore{
		batch: []domain.Trigger{trig},
		results: []jobstore.FiredResult{
			{Disposition: jobstore.DispositionProceed, Trigger: &trig, Job: &job},
		},
	}
	pool := &fakeRunner{submitErr: runner.ErrQueueFull}
	rt := New(store, pool, signalbus.NewBus()).WithClock(func() time.Time { return now })

	rt.cycle(context.Background())

	if len(store.completed) != 1 || store.completed[0] != domain.InstructionReschedule {
		t.Fatalf("completions = %v, want reschedule after a full queue", store.completed)
	}
}

func TestInstructionFor(t *testing.T) {
	tests := []struct {
		name string
		o    runner.Outcome
		want domain.CompletedInstruction
	}{
		{"success reschedules", runner.Outcome{}, domain.InstructionReschedule},
		{"plain error reschedules", runner.Outcome{Err: errors.New("x")}, domain.InstructionReschedule},
		{"panic parks trigger", runner.Outcome{Err: errors.New("x"), Panicked: true}, domain.InstructionSetTriggerError},
		{"unschedule trigger", runner.Outcome{Err: runner.ErrUnscheduleTrigger}, domain.InstructionSetTriggerComplete},
		{"unschedule all", runner.Outcome{Err: runner.ErrUnscheduleAllJobTriggers}, domain.InstructionSetAllJobTriggersError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := instructionFor(tt.o); got != tt.want {
				t.Errorf("instructionFor = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRun_WakesOnSignal(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	bus := signalbus.NewBus()
	rt := New(store, &fakeRunner{}, bus).
		WithClock(func() time.Time { return now }).
		WithIdleWait(time.Hour) // only a signal can wake the loop early

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.Run(ctx)
	}()

	// First cycle runs off the initial timer; the signal forces a second.
	deadline := time.After(2 * time.Second)
	for {
		store.mu.Lock()
		n := store.acquires
		store.mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("initial cycle never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}

	bus.SignalSchedulingChange(now)

	for {
		store.mu.Lock()
		n := store.acquires
		store.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("signal did not wake the loop")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
