package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rubyAppSec/quartz/internal/domain"
)

func testInvocation(class string) Invocation {
	return Invocation{
		Job:     domain.Job{Key: domain.NewKey("", "job"), Class: class},
		Trigger: domain.Trigger{Key: domain.NewKey("", "trig")},
		FireID:  "fire-1",
	}
}

// collectOutcome runs the pool until one completion arrives.
func collectOutcome(t *testing.T, pool *Pool, inv Invocation) Outcome {
	t.Helper()

	outcomeCh := make(chan Outcome, 1)
	if err := pool.Submit(inv, func(_ Invocation, o Outcome) {
		outcomeCh <- o
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()

	select {
	case o := <-outcomeCh:
		cancel()
		<-done
		return o
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("job never completed")
		return Outcome{}
	}
}

func TestPool_RunsRegisteredJob(t *testing.T) {
	reg := NewRegistry()
	var mu sync.Mutex
	var ran bool
	reg.Register("test/ok", func(ctx context.Context, inv Invocation) error {
		mu.Lock()
		ran = true
		mu.Unlock()
		return nil
	})

	o := collectOutcome(t, New(reg, 2, 4), testInvocation("test/ok"))
	if o.Err != nil || o.Panicked {
		t.Fatalf("outcome = %+v, want clean success", o)
	}
	mu.Lock()
	defer mu.Unlock()
	if !ran {
		t.Fatal("job function never ran")
	}
}

func TestPool_JobErrorReported(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("boom")
	reg.Register("test/fail", func(ctx context.Context, inv Invocation) error {
		return boom
	})

	o := collectOutcome(t, New(reg, 1, 1), testInvocation("test/fail"))
	if !errors.Is(o.Err, boom) {
		t.Fatalf("outcome err = %v, want boom", o.Err)
	}
	if o.Panicked {
		t.Fatal("plain error must not be marked as panic")
	}
}

func TestPool_RecoverPanic(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test/panic", func(ctx context.Context, inv Invocation) error {
		panic("job exploded")
	})

	o := collectOutcome(t, New(reg, 1, 1), testInvocation("test/panic"))
	if !o.Panicked {
		t.Fatal("expected the panic to be recovered and flagged")
	}
	if o.Err == nil {
		t.Fatal("panicked outcome should carry an error")
	}
}

func TestPool_SubmitUnknownClass(t *testing.T) {
	pool := New(NewRegistry(), 1, 1)

	err := pool.Submit(testInvocation("test/nope"), func(Invocation, Outcome) {})
	if !errors.Is(err, ErrUnknownJobClass) {
		t.Fatalf("expected ErrUnknownJobClass, got %v", err)
	}
}

func TestPool_SubmitQueueFull(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test/slow", func(ctx context.Context, inv Invocation) error {
		return nil
	})
	// Pool never started: the queue just fills up.
	pool := New(reg, 1, 1)

	if err := pool.Submit(testInvocation("test/slow"), func(Invocation, Outcome) {}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	err := pool.Submit(testInvocation("test/slow"), func(Invocation, Outcome) {})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestPool_DrainsQueueOnShutdown(t *testing.T) {
	reg := NewRegistry()
	var mu sync.Mutex
	ran := 0
	reg.Register("test/count", func(ctx context.Context, inv Invocation) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	})
	pool := New(reg, 1, 8)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		if err := pool.Submit(testInvocation("test/count"), func(Invocation, Outcome) {
			wg.Done()
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	// Cancelled before the first task runs; the drain must still flush the
	// queue.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()

	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		wg.Wait()
	}()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("queued jobs were not drained on shutdown")
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	if ran != 5 {
		t.Fatalf("ran %d jobs, want all 5 drained", ran)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		o    Outcome
		want string
	}{
		{"success", Outcome{}, "success"},
		{"failed", Outcome{Err: errors.New("x")}, "failed"},
		{"panic", Outcome{Err: errors.New("x"), Panicked: true}, "panic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.o); got != tt.want {
				t.Errorf("classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSentinelErrors_SurviveWrapping(t *testing.T) {
	err := fmt.Errorf("cleanup failed: %w", ErrUnscheduleTrigger)
	if !errors.Is(err, ErrUnscheduleTrigger) {
		t.Fatal("wrapped sentinel should still match")
	}
}
