// Package signalbus carries scheduling-change signals from the store to
// the runtime's wait loop. Signals coalesce: only the earliest pending
// candidate fire time survives between wake-ups, so a burst of stores never
// backs up the store.
package signalbus

import (
	"sync"
	"time"
)

// Bus is a coalescing single-consumer notifier.
type Bus struct {
	mu      sync.Mutex
	pending *time.Time
	wake    chan struct{}
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{wake: make(chan struct{}, 1)}
}

// SignalSchedulingChange records that a trigger may now fire at candidate
// and wakes the consumer. Never blocks.
func (b *Bus) SignalSchedulingChange(candidate time.Time) {
	b.mu.Lock()
	if b.pending == nil || candidate.Before(*b.pending) {
		c := candidate
		b.pending = &c
	}
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Wake returns the channel that fires when a signal arrives.
func (b *Bus) Wake() <-chan struct{} {
	return b.wake
}

// Take returns the earliest pending candidate and clears it, or nil when
// no signal is pending.
func (b *Bus) Take() *time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pending
	b.pending = nil
	return p
}
