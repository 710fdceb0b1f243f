// Package toolkit defines the distributed-collection substrate the job
// store runs on: versioned maps with compare-and-set, sets, ordered sets
// with range queries, and cluster membership. Implementations must provide
// read-your-writes consistency; the job store's correctness otherwise rests
// entirely on CompareAndSet.
package toolkit

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Map.Get for an absent key.
var ErrNotFound = errors.New("toolkit: not found")

// ErrConflict is returned by Map.CompareAndSet when the stored version does
// not match the expectation. The job store treats it as "lost the race",
// never as a failure.
var ErrConflict = errors.New("toolkit: version conflict")

// Map is a keyed collection of versioned records. Every write bumps the
// record version; CompareAndSet is the only mutation the job store relies
// on for cluster-wide mutual exclusion.
type Map[T any] interface {
	// Get returns the value and its current version.
	Get(ctx context.Context, key string) (T, int64, error)

	// Put stores the value unconditionally and returns the new version.
	Put(ctx context.Context, key string, value T) (int64, error)

	// CompareAndSet replaces the record only if its current version equals
	// expect. expect == 0 asserts the key does not exist yet. Returns the
	// new version, or ErrConflict.
	CompareAndSet(ctx context.Context, key string, expect int64, value T) (int64, error)

	// Delete removes the key, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	Keys(ctx context.Context) ([]string, error)
	Size(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// Set is an unordered string set.
type Set interface {
	Add(ctx context.Context, member string) error
	Remove(ctx context.Context, member string) (bool, error)
	Contains(ctx context.Context, member string) (bool, error)
	Members(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}

// ScoredMember is one ordered-set entry.
type ScoredMember struct {
	Member string
	Score  int64
}

// OrderedSet is a string set ordered by an int64 score, with ties broken by
// member string ascending.
type OrderedSet interface {
	// Add inserts the member or updates its score.
	Add(ctx context.Context, member string, score int64) error
	Remove(ctx context.Context, member string) (bool, error)

	// RangeByScore returns members with min <= score <= max in score order.
	// limit <= 0 means no limit.
	RangeByScore(ctx context.Context, min, max int64, limit int) ([]ScoredMember, error)
	Clear(ctx context.Context) error
}

// EventKind distinguishes membership transitions.
type EventKind string

const (
	NodeJoined EventKind = "joined"
	NodeLeft   EventKind = "left"
)

// MembershipEvent reports one node joining or leaving the cluster.
type MembershipEvent struct {
	Kind   EventKind
	NodeID string
}

// Membership exposes this node's identity and the cluster's view of live
// nodes. Events delivers join/leave transitions; delivery is at-least-once
// and consumers must be idempotent.
type Membership interface {
	NodeID() string
	LiveNodes(ctx context.Context) ([]string, error)
	Events() <-chan MembershipEvent
}
