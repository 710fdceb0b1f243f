package jobstore

import (
	"context"
	"errors"
	"log"

	"github.com/rubyAppSec/quartz/internal/domain"
	"github.com/rubyAppSec/quartz/internal/toolkit"
)

// RecoverNode resolves every ledger record owned by a departed node.
// Records in acquired state release their trigger to waiting unchanged; an
// executing record is a failed execution — the trigger is re-fired now if
// its job requested recovery, otherwise rescheduled to its next occurrence.
// Deliberately no misfire-threshold logic here: the departed node's clock
// may be arbitrarily skewed, so only membership events drive this path.
//
// Idempotent: records are deleted as they are resolved, so a second sweep
// over the same node finds nothing.
func (s *ClusteredStore) RecoverNode(ctx context.Context, nodeID string) (int, error) {
	ids, err := s.cols.Fired.Keys(ctx)
	if err != nil {
		return 0, persistErr("recover: ledger scan", err)
	}

	recovered := 0
	for _, id := range ids {
		rec, _, err := s.cols.Fired.Get(ctx, id)
		if errors.Is(err, toolkit.ErrNotFound) {
			continue
		}
		if err != nil {
			return recovered, persistErr("recover: ledger scan", err)
		}
		if rec.NodeID != nodeID {
			continue
		}
		if err := s.recoverRecord(ctx, rec); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (s *ClusteredStore) recoverRecord(ctx context.Context, rec domain.FiredRecord) error {
	switch rec.State {
	case domain.FiredAcquired:
		// Never started: put the trigger back exactly as it was.
		released, err := s.updateTrigger(ctx, rec.TriggerKey, func(t *domain.Trigger) bool {
			if t.State != domain.StateAcquired || t.FireInstanceID != rec.FireID {
				return false
			}
			t.State = domain.StateWaiting
			t.FireInstanceID = ""
			return true
		})
		if err != nil {
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

	case domain.FiredExecuting:
		now := s.clock()
		updated, err := s.updateTrigger(ctx, rec.TriggerKey, func(t *domain.Trigger) bool {
			if t.FireInstanceID != rec.FireID || t.State != domain.StateExecuting {
				return false
			}
			if rec.RequestsRecovery {
				fireAt := now
				t.NextFireTime = &fireAt
			} else {
				next, err := t.Schedule.Next(now)
				if err != nil || next == nil {
					t.State = domain.StateComplete
					t.NextFireTime = nil
					t.FireInstanceID = ""
					return true
				}
				t.NextFireTime = next
			}
			t.State = domain.StateWaiting
			t.FireInstanceID = ""
			return true
		})
		if err != nil {
			return err
		}
		if updated != nil && updated.State == domain.StateWaiting {
			if err := s.indexTrigger(ctx, updated); err != nil {
				return err
			}
			if updated.NextFireTime != nil {
				s.signaler.SignalSchedulingChange(*updated.NextFireTime)
			}
		}
	}

	if _, err := s.cols.Fired.Delete(ctx, rec.FireID); err != nil {
		return persistErr("recover: ledger", err)
	}
	s.updateLedgerGauge(ctx)

	if rec.DisallowConcurrent {
		if err := s.unblockIfIdle(ctx, rec.JobKey); err != nil {
			return err
		}
	}
	return nil
}

// RecoverOrphans sweeps the ledger for records owned by nodes that are not
// currently live. Run once at startup before the acquisition loop begins.
func (s *ClusteredStore) RecoverOrphans(ctx context.Context, liveNodes []string) (int, error) {
	live := make(map[string]struct{}, len(liveNodes))
	for _, n := range liveNodes {
		live[n] = struct{}{}
	}

	ids, err := s.cols.Fired.Keys(ctx)
	if err != nil {
		return 0, persistErr("recover orphans", err)
	}

	dead := make(map[string]struct{})
	for _, id := range ids {
		rec, _, err := s.cols.Fired.Get(ctx, id)
		if errors.Is(err, toolkit.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, persistErr("recover orphans", err)
		}
		if _, ok := live[rec.NodeID]; !ok {
			dead[rec.NodeID] = struct{}{}
		}
	}

	recovered := 0
	for node := range dead {
		n, err := s.RecoverNode(ctx, node)
		recovered += n
		if err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}

// RecoveryManager reacts to cluster membership changes, resolving the
// ledger records a departed node left behind.
type RecoveryManager struct {
	store      *ClusteredStore
	membership toolkit.Membership
}

// NewRecoveryManager creates a RecoveryManager.
func NewRecoveryManager(store *ClusteredStore, membership toolkit.Membership) *RecoveryManager {
	return &RecoveryManager{store: store, membership: membership}
}

// Run performs a startup sweep for orphaned records, then blocks consuming
// membership events until ctx is cancelled. Every node runs this; a record
// already resolved by a faster node is simply gone when the slower one
// looks, so concurrent recovery is harmless.
func (r *RecoveryManager) Run(ctx context.Context) {
	live, err := r.membership.LiveNodes(ctx)
	if err != nil {
		log.Printf("recovery: live-node query failed: %v", err)
	} else {
		n, err := r.store.RecoverOrphans(ctx, live)
		r.store.metrics.RecoveryCompleted(n, err)
		if err != nil {
			log.Printf("recovery: startup sweep failed: %v", err)
		} else if n > 0 {
			log.Printf("recovery: startup sweep resolved %d orphaned records", n)
		}
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("recovery: stopped")
			return
		case ev := <-r.membership.Events():
			if ev.Kind != toolkit.NodeLeft {
				continue
			}
			n, err := r.store.RecoverNode(ctx, ev.NodeID)
			r.store.metrics.RecoveryCompleted(n, err)
			if err != nil {
				log.Printf("recovery: node %s: %v", ev.NodeID, err)
				continue
			}
			log.Printf("recovery: node %s left, resolved %d records", ev.NodeID, n)
		}
	}
}
