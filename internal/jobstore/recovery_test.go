package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/rubyAppSec/quartz/internal/domain"
	"github.com/rubyAppSec/quartz/internal/testutil"
	"github.com/rubyAppSec/quartz/internal/toolkit"
)

// fakeMembership feeds scripted membership events to the recovery manager.
type fakeMembership struct {
	nodeID string
	live   []string
	events chan toolkit.MembershipEvent
}

func newFakeMembership(nodeID string, live ...string) *fakeMembership {
	return &fakeMembership{
		nodeID: nodeID,
		live:   live,
		events: make(chan toolkit.MembershipEvent, 4),
	}
}

func (m *fakeMembership) NodeID() string { return m.nodeID }

func (m *fakeMembership) LiveNodes(context.Context) ([]string, error) {
	return m.live, nil
}

func (m *fakeMembership) Events() <-chan toolkit.MembershipEvent {
	return m.events
}

func (m *fakeMembership) leave(nodeID string) {
	m.events <- toolkit.MembershipEvent{Kind: toolkit.NodeLeft, NodeID: nodeID}
}

func TestRecoverNode_AcquiredReleasedUnchanged(t *testing.T) {
	ctx := testutil.TestContext(t)
	c := newTestCluster()
	nodeA, nodeB := c.node("node-a"), c.node("node-b")
	mustStore(t, ctx, nodeA, testJob("report"), testTrigger("t1", "report", baseTime))

	acquired, err := nodeA.AcquireNextTriggers(ctx, c.clock.Now(), 1, 0)
	if err != nil || len(acquired) != 1 {
		t.Fatalf("acquire: got %d, %v", len(acquired), err)
	}

	// node-a dies holding the acquisition; node-b recovers it.
	n, err := nodeB.RecoverNode(ctx, "node-a")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d records, want 1", n)
	}

	got, err := nodeB.RetrieveTrigger(ctx, domain.NewKey("", "t1"))
	if err != nil || got == nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got.State != domain.StateWaiting {
		t.Errorf("state = %s, want waiting", got.State)
	}
	if !got.NextFireTime.Equal(baseTime) {
		t.Errorf("next fire time = %v, want unchanged %v", got.NextFireTime, baseTime)
	}
	if got.TimesTriggered != 0 {
		t.Errorf("times triggered = %d, want 0: the firing never started", got.TimesTriggered)
	}

	size, err := c.cols.Fired.Size(ctx)
	if err != nil || size != 0 {
		t.Errorf("ledger size = %d (%v), want 0", size, err)
	}
}

func TestRecoverNode_ExecutingWithRecoveryRefiresNow(t *testing.T) {
	ctx := testutil.TestContext(t)
	c := newTestCluster()
	nodeA, nodeB := c.node("node-a"), c.node("node-b")

	job := testJob("critical")
	job.RequestsRecovery = true
	mustStore(t, ctx, nodeA, job, testTrigger("t1", "critical", baseTime))

	fireOne(t, ctx, nodeA, c.clock.Now())

	c.clock.Advance(10 * time.Minute)
	now := c.clock.Now()

	n, err := nodeB.RecoverNode(ctx, "node-a")
	if err != nil || n != 1 {
		t.Fatalf("recover: got %d, %v", n, err)
	}

	got, err := nodeB.RetrieveTrigger(ctx, domain.NewKey("", "t1"))
	if err != nil || got == nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got.State != domain.StateWaiting {
		t.Errorf("state = %s, want waiting", got.State)
	}
	if got.NextFireTime == nil || !got.NextFireTime.Equal(now) {
		t.Errorf("next fire time = %v, want immediate re-fire at %v", got.NextFireTime, now)
	}
}

func TestRecoverNode_ExecutingWithoutRecoveryReschedules(t *testing.T) {
	ctx := testutil.TestContext(t)
	c := newTestCluster()
	nodeA, nodeB := c.node("node-a"), c.node("node-b")
	mustStore(t, ctx, nodeA, testJob("report"), testTrigger("t1", "report", baseTime))

	fireOne(t, ctx, nodeA, c.clock.Now())

	c.clock.Advance(10 * time.Minute)
	now := c.clock.Now()

	n, err := nodeB.RecoverNode(ctx, "node-a")
	if err != nil || n != 1 {
		t.Fatalf("recover: got %d, %v", n, err)
	}

	got, err := nodeB.RetrieveTrigger(ctx, domain.NewKey("", "t1"))
	if err != nil || got == nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got.State != domain.StateWaiting {
		t.Errorf("state = %s, want waiting", got.State)
	}
	if got.NextFireTime == nil || !got.NextFireTime.After(now) {
		t.Errorf("next fire time = %v, want the next occurrence after %v", got.NextFireTime, now)
	}
}

func TestRecoverNode_Idempotent(t *testing.T) {
	ctx := testutil.TestContext(t)
	c := newTestCluster()
	nodeA, nodeB := c.node("node-a"), c.node("node-b")
	mustStore(t, ctx, nodeA, testJob("report"), testTrigger("t1", "report", baseTime))
	fireOne(t, ctx, nodeA, c.clock.Now())

	if n, err := nodeB.RecoverNode(ctx, "node-a"); err != nil || n != 1 {
		t.Fatalf("first recover: got %d, %v", n, err)
	}
	n, err := nodeB.RecoverNode(ctx, "node-a")
	if err != nil {
		t.Fatalf("second recover: %v", err)
	}
	if n != 0 {
		t.Fatalf("second recover resolved %d records, want 0", n)
	}
}

func TestRecoverNode_ClearsNonConcurrencyBlock(t *testing.T) {
	ctx := testutil.TestContext(t)
	c := newTestCluster()
	nodeA, nodeB := c.node("node-a"), c.node("node-b")

	job := testJob("serial")
	job.DisallowConcurrent = true
	mustStore(t, ctx, nodeA, job, testTrigger("t1", "serial", baseTime))
	fireOne(t, ctx, nodeA, c.clock.Now())

	if n, err := nodeB.RecoverNode(ctx, "node-a"); err != nil || n != 1 {
		t.Fatalf("recover: got %d, %v", n, err)
	}

	// The block must be lifted so the rescheduled trigger can fire again.
	c.clock.Advance(2 * time.Minute)
	acquired, err := nodeB.AcquireNextTriggers(ctx, c.clock.Now(), 10, 0)
	if err != nil {
		t.Fatalf("acquire after recovery: %v", err)
	}
	if len(acquired) != 1 {
		t.Fatalf("acquired %d after recovery, want 1", len(acquired))
	}
}

func TestRecoverOrphans_OnlyDeadNodes(t *testing.T) {
	ctx := testutil.TestContext(t)
	c := newTestCluster()
	nodeA, nodeB := c.node("node-a"), c.node("node-b")
	mustStore(t, ctx, nodeA, testJob("report"),
		testTrigger("t1", "report", baseTime),
		testTrigger("t2", "report", baseTime))

	aBatch, err := nodeA.AcquireNextTriggers(ctx, c.clock.Now(), 1, 0)
	if err != nil || len(aBatch) != 1 {
		t.Fatalf("node-a acquire: got %d, %v", len(aBatch), err)
	}
	bBatch, err := nodeB.AcquireNextTriggers(ctx, c.clock.Now(), 1, 0)
	if err != nil || len(bBatch) != 1 {
		t.Fatalf("node-b acquire: got %d, %v", len(bBatch), err)
	}

	// Only node-b is alive at startup sweep time.
	n, err := nodeB.RecoverOrphans(ctx, []string{"node-b"})
	if err != nil {
		t.Fatalf("recover orphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d records, want only node-a's 1", n)
	}

	// node-b's own acquisition is untouched.
	state, err := nodeB.GetTriggerState(ctx, bBatch[0].Key)
	if err != nil || state != domain.StateAcquired {
		t.Errorf("node-b trigger state = %s (%v), want still acquired", state, err)
	}
	state, err = nodeB.GetTriggerState(ctx, aBatch[0].Key)
	if err != nil || state != domain.StateWaiting {
		t.Errorf("node-a trigger state = %s (%v), want waiting after recovery", state, err)
	}
}

func TestRecoveryManager_RecoversOnNodeLeft(t *testing.T) {
	ctx := testutil.TestContext(t)
	c := newTestCluster()
	nodeA, nodeB := c.node("node-a"), c.node("node-b")
	mustStore(t, ctx, nodeA, testJob("report"), testTrigger("t1", "report", baseTime))

	acquired, err := nodeA.AcquireNextTriggers(ctx, c.clock.Now(), 1, 0)
	if err != nil || len(acquired) != 1 {
		t.Fatalf("acquire: got %d, %v", len(acquired), err)
	}

	membership := newFakeMembership("node-b", "node-a", "node-b")
	mgr := NewRecoveryManager(nodeB, membership)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.Run(runCtx)
	}()

	membership.leave("node-a")

	deadline := time.After(2 * time.Second)
	for {
		state, err := nodeB.GetTriggerState(ctx, domain.NewKey("", "t1"))
		if err != nil {
			t.Fatalf("get state: %v", err)
		}
		if state == domain.StateWaiting {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("trigger state = %s, never recovered to waiting", state)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
