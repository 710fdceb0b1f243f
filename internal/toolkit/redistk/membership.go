package redistk

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rubyAppSec/quartz/internal/toolkit"
)

// Membership tracks cluster membership through per-node heartbeat keys with
// a TTL. Each node registers itself in a shared set and refreshes its
// heartbeat; a registered node whose heartbeat key expired is considered
// dead and is reported as a leave event to exactly the observers that saw
// it alive.
type Membership struct {
	client    *redis.Client
	namespace string
	nodeID    string
	ttl       time.Duration
	interval  time.Duration

	mu     sync.Mutex
	known  map[string]struct{}
	events chan toolkit.MembershipEvent
}

// NewMembership creates a Membership for this node. ttl is the heartbeat
// expiry; the heartbeat is refreshed and the registry scanned every
// interval, which must be well below ttl.
func NewMembership(client *redis.Client, namespace, nodeID string, ttl, interval time.Duration) *Membership {
	return &Membership{
		client:    client,
		namespace: namespace,
		nodeID:    nodeID,
		ttl:       ttl,
		interval:  interval,
		known:     make(map[string]struct{}),
		events:    make(chan toolkit.MembershipEvent, 64),
	}
}

func (m *Membership) registryKey() string { return m.namespace + ":nodes" }

func (m *Membership) heartbeatKey(nodeID string) string {
	return m.namespace + ":node:" + nodeID
}

func (m *Membership) NodeID() string {
	return m.nodeID
}

func (m *Membership) Events() <-chan toolkit.MembershipEvent {
	return m.events
}

// LiveNodes returns registered nodes whose heartbeat has not expired.
func (m *Membership) LiveNodes(ctx context.Context) ([]string, error) {
	registered, err := m.client.SMembers(ctx, m.registryKey()).Result()
	if err != nil {
		return nil, err
	}
	var live []string
	for _, node := range registered {
		ok, err := m.client.Exists(ctx, m.heartbeatKey(node)).Result()
		if err != nil {
			return nil, err
		}
		if ok == 1 {
			live = append(live, node)
		}
	}
	return live, nil
}

// Run registers this node and keeps its heartbeat fresh while scanning for
// membership changes. It blocks until ctx is cancelled, then deregisters.
func (m *Membership) Run(ctx context.Context) {
	if err := m.beat(ctx); err != nil {
		log.Printf("membership: initial heartbeat failed: %v", err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.deregister()
			return
		case <-ticker.C:
			if err := m.beat(ctx); err != nil {
				log.Printf("membership: heartbeat failed: %v", err)
				continue
			}
			m.scan(ctx)
		}
	}
}

func (m *Membership) beat(ctx context.Context) error {
	pipe := m.client.Pipeline()
	pipe.Set(ctx, m.heartbeatKey(m.nodeID), "1", m.ttl)
	pipe.SAdd(ctx, m.registryKey(), m.nodeID)
	_, err := pipe.Exec(ctx)
	return err
}

// scan diffs the live view against what this node saw last time and emits
// join/leave events. A dead node is also dropped from the registry so the
// set does not grow without bound.
func (m *Membership) scan(ctx context.Context) {
	registered, err := m.client.SMembers(ctx, m.registryKey()).Result()
	if err != nil {
		log.Printf("membership: scan failed: %v", err)
		return
	}

	live := make(map[string]struct{})
	for _, node := range registered {
		ok, err := m.client.Exists(ctx, m.heartbeatKey(node)).Result()
		if err != nil {
			log.Printf("membership: scan failed: %v", err)
			return
		}
		if ok == 1 {
			live[node] = struct{}{}
		} else {
			m.client.SRem(ctx, m.registryKey(), node)
		}
	}

	m.mu.Lock()
	var changes []toolkit.MembershipEvent
	for node := range live {
		if _, seen := m.known[node]; !seen {
			changes = append(changes, toolkit.MembershipEvent{Kind: toolkit.NodeJoined, NodeID: node})
		}
	}
	for node := range m.known {
		if _, still := live[node]; !still {
			changes = append(changes, toolkit.MembershipEvent{Kind: toolkit.NodeLeft, NodeID: node})
		}
	}
	m.known = live
	m.mu.Unlock()

	for _, ev := range changes {
		log.Printf("membership: node %s %s", ev.NodeID, ev.Kind)
		select {
		case m.events <- ev:
		default:
			log.Printf("membership: event buffer full, dropping %s %s", ev.NodeID, ev.Kind)
		}
	}
}

func (m *Membership) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pipe := m.client.Pipeline()
	pipe.Del(ctx, m.heartbeatKey(m.nodeID))
	pipe.SRem(ctx, m.registryKey(), m.nodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("membership: deregister failed: %v", err)
	}
}

var _ toolkit.Membership = (*Membership)(nil)
