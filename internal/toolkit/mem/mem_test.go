package mem

import (
	"errors"
	"testing"

	"github.com/rubyAppSec/quartz/internal/testutil"
	"github.com/rubyAppSec/quartz/internal/toolkit"
)

func TestMap_GetAbsent(t *testing.T) {
	ctx := testutil.TestContext(t)
	m := NewMap[string]()

	_, _, err := m.Get(ctx, "nope")
	if !errors.Is(err, toolkit.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMap_PutBumpsVersion(t *testing.T) {
	ctx := testutil.TestContext(t)
	m := NewMap[string]()

	v1, err := m.Put(ctx, "k", "a")
	if err != nil || v1 != 1 {
		t.Fatalf("first put: version %d (%v), want 1", v1, err)
	}
	v2, err := m.Put(ctx, "k", "b")
	if err != nil || v2 != 2 {
		t.Fatalf("second put: version %d (%v), want 2", v2, err)
	}

	got, ver, err := m.Get(ctx, "k")
	if err != nil || got != "b" || ver != 2 {
		t.Fatalf("get = (%q, %d, %v), want (b, 2, nil)", got, ver, err)
	}
}

func TestMap_CompareAndSet(t *testing.T) {
	ctx := testutil.TestContext(t)
	m := NewMap[string]()

	// expect 0 asserts absence.
	v, err := m.CompareAndSet(ctx, "k", 0, "a")
	if err != nil || v != 1 {
		t.Fatalf("cas on absent key: version %d (%v), want 1", v, err)
	}
	if _, err := m.CompareAndSet(ctx, "k", 0, "b"); !errors.Is(err, toolkit.ErrConflict) {
		t.Fatalf("cas expect-absent on present key: %v, want ErrConflict", err)
	}

	v, err = m.CompareAndSet(ctx, "k", 1, "b")
	if err != nil || v != 2 {
		t.Fatalf("cas with matching version: %d (%v), want 2", v, err)
	}
	if _, err := m.CompareAndSet(ctx, "k", 1, "c"); !errors.Is(err, toolkit.ErrConflict) {
		t.Fatalf("cas with stale version: %v, want ErrConflict", err)
	}

	got, _, err := m.Get(ctx, "k")
	if err != nil || got != "b" {
		t.Fatalf("value after failed cas = %q (%v), want b untouched", got, err)
	}
}

func TestMap_DeleteResetsVersion(t *testing.T) {
	ctx := testutil.TestContext(t)
	m := NewMap[string]()

	if _, err := m.Put(ctx, "k", "a"); err != nil {
		t.Fatal(err)
	}
	existed, err := m.Delete(ctx, "k")
	if err != nil || !existed {
		t.Fatalf("delete = (%v, %v), want (true, nil)", existed, err)
	}
	existed, err = m.Delete(ctx, "k")
	if err != nil || existed {
		t.Fatalf("second delete = (%v, %v), want (false, nil)", existed, err)
	}

	// A fresh record is creatable with expect 0 again.
	if _, err := m.CompareAndSet(ctx, "k", 0, "b"); err != nil {
		t.Fatalf("cas after delete: %v", err)
	}
}

func TestOrderedSet_RangeByScore(t *testing.T) {
	ctx := testutil.TestContext(t)
	o := NewOrderedSet()

	for member, score := range map[string]int64{"c": 30, "a": 10, "b": 20, "b2": 20} {
		if err := o.Add(ctx, member, score); err != nil {
			t.Fatal(err)
		}
	}

	got, err := o.RangeByScore(ctx, 10, 20, 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	want := []string{"a", "b", "b2"}
	if len(got) != len(want) {
		t.Fatalf("range returned %d members, want %d", len(got), len(want))
	}
	for i, m := range want {
		if got[i].Member != m {
			t.Errorf("result[%d] = %s, want %s (score asc, member asc)", i, got[i].Member, m)
		}
	}

	limited, err := o.RangeByScore(ctx, 0, 100, 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("limited range = %d members (%v), want 2", len(limited), err)
	}
}

func TestOrderedSet_AddUpdatesScore(t *testing.T) {
	ctx := testutil.TestContext(t)
	o := NewOrderedSet()

	if err := o.Add(ctx, "m", 10); err != nil {
		t.Fatal(err)
	}
	if err := o.Add(ctx, "m", 50); err != nil {
		t.Fatal(err)
	}
	got, err := o.RangeByScore(ctx, 0, 20, 0)
	if err != nil || len(got) != 0 {
		t.Fatalf("old score still visible: %v (%v)", got, err)
	}
}

func TestSet_Basics(t *testing.T) {
	ctx := testutil.TestContext(t)
	s := NewSet()

	if err := s.Add(ctx, "g"); err != nil {
		t.Fatal(err)
	}
	ok, err := s.Contains(ctx, "g")
	if err != nil || !ok {
		t.Fatalf("contains = (%v, %v), want true", ok, err)
	}
	removed, err := s.Remove(ctx, "g")
	if err != nil || !removed {
		t.Fatalf("remove = (%v, %v), want true", removed, err)
	}
	ok, err = s.Contains(ctx, "g")
	if err != nil || ok {
		t.Fatalf("contains after remove = (%v, %v), want false", ok, err)
	}
}

func TestMembership_JoinLeave(t *testing.T) {
	ctx := testutil.TestContext(t)
	m := NewMembership("node-a")

	m.Join("node-b")
	nodes, err := m.LiveNodes(ctx)
	if err != nil || len(nodes) != 2 {
		t.Fatalf("live nodes = %v (%v), want 2", nodes, err)
	}

	m.Leave("node-b")
	ev := <-m.Events() // join event
	if ev.Kind != toolkit.NodeJoined || ev.NodeID != "node-b" {
		t.Fatalf("first event = %+v, want node-b joined", ev)
	}
	ev = <-m.Events()
	if ev.Kind != toolkit.NodeLeft || ev.NodeID != "node-b" {
		t.Fatalf("second event = %+v, want node-b left", ev)
	}
}
