// Package runner executes fired jobs on a bounded worker pool. Job
// implementations are plain functions registered by class name; the pool
// recovers panics so one bad job never takes the node down.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rubyAppSec/quartz/internal/domain"
)

// ErrUnknownJobClass is returned by Submit when no function is registered
// for the job's class.
var ErrUnknownJobClass = errors.New("no job function registered for class")

// ErrQueueFull is returned by Submit when the pool's queue is at capacity.
var ErrQueueFull = errors.New("runner queue full")

// Sentinel errors a job function can wrap to steer what happens to its
// trigger after the run.
var (
	// ErrUnscheduleTrigger completes the firing trigger; it will not fire
	// again.
	ErrUnscheduleTrigger = errors.New("unschedule firing trigger")

	// ErrUnscheduleAllJobTriggers parks every trigger of the job in error
	// state.
	ErrUnscheduleAllJobTriggers = errors.New("unschedule all triggers of job")
)

// Invocation carries everything a job function gets about one firing.
type Invocation struct {
	Job           domain.Job
	Trigger       domain.Trigger
	FireID        string
	ScheduledTime time.Time
	FireTime      time.Time
}

// JobFunc is the unit of executable work. The error steers the trigger's
// post-run lifecycle; wrap ErrUnscheduleTrigger or
// ErrUnscheduleAllJobTriggers to override the default reschedule.
type JobFunc func(ctx context.Context, inv Invocation) error

// Registry maps job class names to their functions.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]JobFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]JobFunc)}
}

// Register binds a class name to a function, replacing any previous binding.
func (r *Registry) Register(class string, fn JobFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[class] = fn
}

func (r *Registry) lookup(class string) (JobFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[class]
	return fn, ok
}

// Outcome is the result of one job run.
type Outcome struct {
	Err      error
	Panicked bool
	Duration time.Duration
}

// MetricsSink defines the interface for recording runner metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	JobsInFlightIncr()
	JobsInFlightDecr()
	JobOutcome(outcome string)
}

// CompletionFunc receives the outcome of a finished run.
type CompletionFunc func(inv Invocation, outcome Outcome)

type task struct {
	inv  Invocation
	done CompletionFunc
}

// Pool runs submitted invocations on a fixed number of workers.
type Pool struct {
	registry     *Registry
	metrics      MetricsSink // optional, nil = disabled
	workers      int
	drainTimeout time.Duration
	queue        chan task
}

// New creates a Pool with the given worker count and queue capacity.
func New(registry *Registry, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		registry:     registry,
		workers:      workers,
		drainTimeout: 30 * time.Second,
		queue:        make(chan task, queueSize),
	}
}

// WithMetrics attaches a metrics sink to the pool.
func (p *Pool) WithMetrics(sink MetricsSink) *Pool {
	p.metrics = sink
	return p
}

// WithDrainTimeout overrides how long Run waits for queued work on shutdown.
func (p *Pool) WithDrainTimeout(d time.Duration) *Pool {
	p.drainTimeout = d
	return p
}

// Submit enqueues one invocation. Never blocks: a full queue returns
// ErrQueueFull so the caller can release the trigger instead of stalling
// the acquisition loop.
func (p *Pool) Submit(inv Invocation, done CompletionFunc) error {
	if _, ok := p.registry.lookup(inv.Job.Class); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJobClass, inv.Job.Class)
	}
	select {
	case p.queue <- task{inv: inv, done: done}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled, then drains
// queued work with a timeout before returning.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}
	wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case t := <-p.queue:
			p.execute(ctx, t)
		}
	}
}

// drain processes remaining queued tasks after the shutdown signal.
// Uses a background context since the main context is already cancelled.
func (p *Pool) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), p.drainTimeout)
	defer cancel()

	for {
		select {
		case <-drainCtx.Done():
			log.Printf("runner: drain timeout, %d tasks abandoned", len(p.queue))
			return
		case t := <-p.queue:
			p.execute(drainCtx, t)
		default:
			return
		}
	}
}

func (p *Pool) execute(ctx context.Context, t task) {
	if p.metrics != nil {
		p.metrics.JobsInFlightIncr()
		defer p.metrics.JobsInFlightDecr()
	}

	fn, ok := p.registry.lookup(t.inv.Job.Class)
	if !ok {
		// Registered at submit time but unregistered since; treat as failed.
		t.done(t.inv, Outcome{Err: fmt.Errorf("%w: %q", ErrUnknownJobClass, t.inv.Job.Class)})
		return
	}

	outcome := p.runOne(ctx, fn, t.inv)
	if p.metrics != nil {
		p.metrics.JobOutcome(classify(outcome))
	}
	t.done(t.inv, outcome)
}

func (p *Pool) runOne(ctx context.Context, fn JobFunc, inv Invocation) (outcome Outcome) {
	start := time.Now()
	defer func() {
		outcome.Duration = time.Since(start)
		if r := recover(); r != nil {
			outcome.Panicked = true
			outcome.Err = fmt.Errorf("job panicked: %v", r)
			log.Printf("runner: job %s (fire %s) panicked: %v", inv.Job.Key, inv.FireID, r)
		}
	}()
	outcome.Err = fn(ctx, inv)
	return outcome
}

func classify(o Outcome) string {
	switch {
	case o.Panicked:
		return "panic"
	case o.Err != nil:
		return "failed"
	default:
		return "success"
	}
}
