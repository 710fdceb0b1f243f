// Package mem provides in-process toolkit collections. They back the
// single-node mode and every job store test; semantics match the Redis
// implementation, including version stamping and CAS behavior.
package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/rubyAppSec/quartz/internal/toolkit"
)

type record[T any] struct {
	value   T
	version int64
}

// Map is a mutex-guarded toolkit.Map.
type Map[T any] struct {
	mu      sync.Mutex
	records map[string]record[T]
}

// NewMap creates an empty Map.
func NewMap[T any]() *Map[T] {
	return &Map[T]{records: make(map[string]record[T])}
}

func (m *Map[T]) Get(ctx context.Context, key string) (T, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		var zero T
		return zero, 0, toolkit.ErrNotFound
	}
	return rec.value, rec.version, nil
}

func (m *Map[T]) Put(ctx context.Context, key string, value T) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.records[key].version + 1
	m.records[key] = record[T]{value: value, version: next}
	return next, nil
}

func (m *Map[T]) CompareAndSet(ctx context.Context, key string, expect int64, value T) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.records[key].version
	if cur != expect {
		return 0, toolkit.ErrConflict
	}
	next := cur + 1
	m.records[key] = record[T]{value: value, version: next}
	return next, nil
}

func (m *Map[T]) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[key]
	delete(m.records, key)
	return ok, nil
}

func (m *Map[T]) Keys(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Map[T]) Size(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

func (m *Map[T]) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]record[T])
	return nil
}

// Set is a mutex-guarded toolkit.Set.
type Set struct {
	mu      sync.Mutex
	members map[string]struct{}
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{members: make(map[string]struct{})}
}

func (s *Set) Add(ctx context.Context, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[member] = struct{}{}
	return nil
}

func (s *Set) Remove(ctx context.Context, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[member]
	delete(s.members, member)
	return ok, nil
}

func (s *Set) Contains(ctx context.Context, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[member]
	return ok, nil
}

func (s *Set) Members(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]string, 0, len(s.members))
	for m := range s.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

func (s *Set) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = make(map[string]struct{})
	return nil
}

// OrderedSet is a mutex-guarded toolkit.OrderedSet. Ordering is computed on
// query; collection sizes here are test- and single-node-scale.
type OrderedSet struct {
	mu     sync.Mutex
	scores map[string]int64
}

// NewOrderedSet creates an empty OrderedSet.
func NewOrderedSet() *OrderedSet {
	return &OrderedSet{scores: make(map[string]int64)}
}

func (o *OrderedSet) Add(ctx context.Context, member string, score int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scores[member] = score
	return nil
}

func (o *OrderedSet) Remove(ctx context.Context, member string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.scores[member]
	delete(o.scores, member)
	return ok, nil
}

func (o *OrderedSet) RangeByScore(ctx context.Context, min, max int64, limit int) ([]toolkit.ScoredMember, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var result []toolkit.ScoredMember
	for m, s := range o.scores {
		if s >= min && s <= max {
			result = append(result, toolkit.ScoredMember{Member: m, Score: s})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Score != result[j].Score {
			return result[i].Score < result[j].Score
		}
		return result[i].Member < result[j].Member
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (o *OrderedSet) Clear(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scores = make(map[string]int64)
	return nil
}

// Membership is a manually driven toolkit.Membership for tests and the
// single-node mode.
type Membership struct {
	mu     sync.Mutex
	nodeID string
	live   map[string]struct{}
	events chan toolkit.MembershipEvent
}

// NewMembership creates a Membership with only this node live.
func NewMembership(nodeID string) *Membership {
	return &Membership{
		nodeID: nodeID,
		live:   map[string]struct{}{nodeID: {}},
		events: make(chan toolkit.MembershipEvent, 16),
	}
}

func (m *Membership) NodeID() string {
	return m.nodeID
}

func (m *Membership) LiveNodes(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := make([]string, 0, len(m.live))
	for n := range m.live {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes, nil
}

func (m *Membership) Events() <-chan toolkit.MembershipEvent {
	return m.events
}

// Join marks a node live and emits a join event.
func (m *Membership) Join(nodeID string) {
	m.mu.Lock()
	m.live[nodeID] = struct{}{}
	m.mu.Unlock()
	m.events <- toolkit.MembershipEvent{Kind: toolkit.NodeJoined, NodeID: nodeID}
}

// Leave marks a node dead and emits a leave event.
func (m *Membership) Leave(nodeID string) {
	m.mu.Lock()
	delete(m.live, nodeID)
	m.mu.Unlock()
	m.events <- toolkit.MembershipEvent{Kind: toolkit.NodeLeft, NodeID: nodeID}
}

var (
	_ toolkit.Set        = (*Set)(nil)
	_ toolkit.OrderedSet = (*OrderedSet)(nil)
	_ toolkit.Membership = (*Membership)(nil)
)
