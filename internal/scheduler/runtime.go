// Package scheduler drives the fire loop on one node: acquire due triggers,
// wait out the gap to their fire times, hand them to the execution pool and
// feed completions back to the store. Every node in the cluster runs this
// loop against the shared store; the store's conditional updates decide who
// wins each trigger.
package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/rubyAppSec/quartz/internal/circuitbreaker"
	"github.com/rubyAppSec/quartz/internal/domain"
	"github.com/rubyAppSec/quartz/internal/jobstore"
	"github.com/rubyAppSec/quartz/internal/runner"
	"github.com/rubyAppSec/quartz/internal/signalbus"
)

// Store is the slice of the trigger store the runtime needs.
type Store interface {
	AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]domain.Trigger, error)
	TriggersFired(ctx context.Context, triggers []domain.Trigger) ([]jobstore.FiredResult, error)
	ReleaseAcquiredTrigger(ctx context.Context, trig domain.Trigger) error
	TriggeredJobComplete(ctx context.Context, trig domain.Trigger, instruction domain.CompletedInstruction) error
}

// Runner is the slice of the execution pool the runtime needs.
type Runner interface {
	Submit(inv runner.Invocation, done runner.CompletionFunc) error
}

// MetricsSink defines the interface for recording runtime metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	SignalReceived()
}

const (
	// retryDelay paces the loop after a store failure.
	retryDelay = 5 * time.Second

	// breakerOp keys the acquisition path in the circuit breaker.
	breakerOp = "acquire"
)

// Runtime is the per-node fire loop.
type Runtime struct {
	store   Store
	pool    Runner
	bus     *signalbus.Bus
	breaker *circuitbreaker.CircuitBreaker // optional, nil = disabled
	metrics MetricsSink                    // optional, nil = disabled
	clock   func() time.Time

	idleWait  time.Duration
	batchSize int
	window    time.Duration
	opTimeout time.Duration
}

// New creates a Runtime. The bus must be the same one installed as the
// store's signaler, otherwise scheduling changes cannot shorten the idle
// wait.
func New(store Store, pool Runner, bus *signalbus.Bus) *Runtime {
	return &Runtime{
		store:     store,
		pool:      pool,
		bus:       bus,
		clock:     time.Now,
		idleWait:  30 * time.Second,
		batchSize: 10,
		opTimeout: 5 * time.Second,
	}
}

// WithBreaker attaches a circuit breaker guarding store operations.
func (rt *Runtime) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Runtime {
	rt.breaker = cb
	return rt
}

// WithMetrics attaches a metrics sink to the runtime.
func (rt *Runtime) WithMetrics(sink MetricsSink) *Runtime {
	rt.metrics = sink
	return rt
}

// WithClock overrides the time source. Only for tests.
func (rt *Runtime) WithClock(clock func() time.Time) *Runtime {
	rt.clock = clock
	return rt
}

// WithIdleWait sets how long the loop sleeps when nothing is due.
func (rt *Runtime) WithIdleWait(d time.Duration) *Runtime {
	if d > 0 {
		rt.idleWait = d
	}
	return rt
}

// WithBatch sets the acquisition batch size and time window.
func (rt *Runtime) WithBatch(size int, window time.Duration) *Runtime {
	if size > 0 {
		rt.batchSize = size
	}
	if window >= 0 {
		rt.window = window
	}
	return rt
}

// WithOpTimeout bounds individual store calls made from completion
// callbacks.
func (rt *Runtime) WithOpTimeout(d time.Duration) *Runtime {
	if d > 0 {
		rt.opTimeout = d
	}
	return rt
}

// Run executes the fire loop until ctx is cancelled.
func (rt *Runtime) Run(ctx context.Context) {
	log.Printf("scheduler: loop started (idle_wait=%s, batch=%d, window=%s)", rt.idleWait, rt.batchSize, rt.window)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: loop stopped")
			return
		case <-rt.bus.Wake():
			if rt.metrics != nil {
				rt.metrics.SignalReceived()
			}
		case <-timer.C:
		}
		rt.bus.Take()

		delay := rt.cycle(ctx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)
	}
}

// cycle acquires one batch, fires it and returns how long to wait before
// the next look at the store.
func (rt *Runtime) cycle(ctx context.Context) time.Duration {
	if rt.breaker != nil {
		if err := rt.breaker.Allow(breakerOp); err != nil {
			return retryDelay
		}
	}

	now := rt.clock()
	acquired, err := rt.store.AcquireNextTriggers(ctx, now.Add(rt.idleWait), rt.batchSize, rt.window)
	if err != nil {
		rt.recordResult(err)
		log.Printf("scheduler: acquire failed: %v", err)
		// The slice holds triggers claimed before the failure; recovery only
		// runs on node death, so put them back now.
		if len(acquired) > 0 {
			rt.releaseAll(acquired)
		}
		return retryDelay
	}
	rt.recordResult(nil)

	if len(acquired) == 0 {
		return rt.idleWait
	}

	// The batch is sorted; the head carries the earliest fire time.
	if head := acquired[0].NextFireTime; head != nil {
		if gap := head.Sub(rt.clock()); gap > 0 {
			if !rt.sleep(ctx, gap) {
				rt.releaseAll(acquired)
				return rt.idleWait
			}
		}
	}

	results, err := rt.store.TriggersFired(ctx, acquired)
	if err != nil {
		rt.recordResult(err)
		log.Printf("scheduler: fire failed: %v", err)
		// Whatever did not transition stays acquired; recovery or release
		// below handles the remainder.
	}
	rt.dispatch(ctx, results)

	// Go straight back to the store; more work may already be due.
	return 0
}

func (rt *Runtime) dispatch(ctx context.Context, results []jobstore.FiredResult) {
	for _, res := range results {
		switch res.Disposition {
		case jobstore.DispositionProceed:
			rt.submit(ctx, res)

		case jobstore.DispositionJobBlocked:
			// Someone else is executing this non-concurrent job; put the
			// trigger back so it fires once the job is idle.
			if err := rt.store.ReleaseAcquiredTrigger(ctx, *res.Trigger); err != nil {
				log.Printf("scheduler: release blocked trigger %s: %v", res.Trigger.Key, err)
			}

		case jobstore.DispositionErrorRetrievingJob:
			log.Printf("scheduler: trigger parked in error state: %v", res.Err)

		case jobstore.DispositionNotAcquired:
			// Lost ownership between acquire and fire; nothing to undo.
		}
	}
}

func (rt *Runtime) submit(ctx context.Context, res jobstore.FiredResult) {
	trig := *res.Trigger
	inv := runner.Invocation{
		Job:      *res.Job,
		Trigger:  trig,
		FireID:   trig.FireInstanceID,
		FireTime: rt.clock(),
	}
	if trig.PrevFireTime != nil {
		inv.ScheduledTime = *trig.PrevFireTime
	}

	err := rt.pool.Submit(inv, rt.complete)
	if err == nil {
		return
	}
	log.Printf("scheduler: submit %s: %v", trig.Key, err)

	// The trigger is already executing in the store; complete it as an
	// error so it reschedules rather than dangling in the ledger.
	instruction := domain.InstructionReschedule
	if errors.Is(err, runner.ErrUnknownJobClass) {
		instruction = domain.InstructionSetAllJobTriggersError
	}
	if err := rt.store.TriggeredJobComplete(ctx, trig, instruction); err != nil {
		log.Printf("scheduler: complete after failed submit %s: %v", trig.Key, err)
	}
}

// complete runs on a pool worker when a job finishes.
func (rt *Runtime) complete(inv runner.Invocation, outcome runner.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), rt.opTimeout)
	defer cancel()

	if outcome.Err != nil && !outcome.Panicked {
		log.Printf("scheduler: job %s (fire %s) failed after %s: %v", inv.Job.Key, inv.FireID, outcome.Duration, outcome.Err)
	}

	if err := rt.store.TriggeredJobComplete(ctx, inv.Trigger, instructionFor(outcome)); err != nil {
		rt.recordResult(err)
		log.Printf("scheduler: job complete %s: %v", inv.Trigger.Key, err)
		return
	}
	rt.recordResult(nil)
}

// instructionFor maps a run outcome onto the trigger's post-run lifecycle.
// Plain failures reschedule: a transient error should not stop the
// schedule, that is what ErrUnscheduleTrigger is for.
func instructionFor(o runner.Outcome) domain.CompletedInstruction {
	switch {
	case errors.Is(o.Err, runner.ErrUnscheduleAllJobTriggers):
		return domain.InstructionSetAllJobTriggersError
	case errors.Is(o.Err, runner.ErrUnscheduleTrigger):
		return domain.InstructionSetTriggerComplete
	case o.Panicked:
		return domain.InstructionSetTriggerError
	default:
		return domain.InstructionReschedule
	}
}

func (rt *Runtime) releaseAll(triggers []domain.Trigger) {
	// Called on shutdown when the loop ctx is already cancelled; release on
	// a fresh one so the triggers do not sit acquired until recovery finds
	// them.
	relCtx, cancel := context.WithTimeout(context.Background(), rt.opTimeout)
	defer cancel()

	for _, trig := range triggers {
		if err := rt.store.ReleaseAcquiredTrigger(relCtx, trig); err != nil {
			log.Printf("scheduler: release %s: %v", trig.Key, err)
		}
	}
}

// sleep waits d, returning false when ctx was cancelled first.
func (rt *Runtime) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (rt *Runtime) recordResult(err error) {
	if rt.breaker != nil {
		rt.breaker.RecordResult(breakerOp, err)
	}
}
