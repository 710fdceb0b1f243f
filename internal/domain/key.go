package domain

// DefaultGroup is the group assigned to jobs and triggers created without one.
const DefaultGroup = "DEFAULT"

// Key identifies a job or trigger within the store. Keys are value types;
// two keys are equal iff group and name both match.
type Key struct {
	Group string
	Name  string
}

// NewKey creates a Key, substituting DefaultGroup for an empty group.
func NewKey(group, name string) Key {
	if group == "" {
		group = DefaultGroup
	}
	return Key{Group: group, Name: name}
}

// String returns the canonical "group.name" form used as a collection key.
func (k Key) String() string {
	return k.Group + "." + k.Name
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.Group == "" && k.Name == ""
}

type matchKind int

const (
	matchAll matchKind = iota
	matchEquals
	matchPrefix
)

// GroupMatcher selects job or trigger groups for the by-pattern operations
// (pauseTriggers, getJobKeys, ...). The zero value matches every group.
type GroupMatcher struct {
	kind  matchKind
	value string
}

// MatchAll matches every group.
func MatchAll() GroupMatcher {
	return GroupMatcher{kind: matchAll}
}

// MatchEquals matches exactly one group.
func MatchEquals(group string) GroupMatcher {
	return GroupMatcher{kind: matchEquals, value: group}
}

// MatchPrefix matches groups starting with the given prefix.
func MatchPrefix(prefix string) GroupMatcher {
	return GroupMatcher{kind: matchPrefix, value: prefix}
}

// Matches reports whether the matcher selects the given group.
func (m GroupMatcher) Matches(group string) bool {
	switch m.kind {
	case matchEquals:
		return group == m.value
	case matchPrefix:
		return len(group) >= len(m.value) && group[:len(m.value)] == m.value
	default:
		return true
	}
}
