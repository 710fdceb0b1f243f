// Package circuitbreaker guards the backing store. When an operation keeps
// failing the breaker opens and the acquisition loop stops hammering the
// substrate until the cooldown passes; one probe call is let through
// half-open.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type opState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

// CircuitBreaker tracks failures per operation name.
type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*opState
	threshold int
	cooldown  time.Duration
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*opState),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (cb *CircuitBreaker) Allow(op string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[op]
	if !ok {
		return nil
	}

	switch s.state {
	case stateClosed:
		return nil
	case stateOpen:
		if time.Since(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(op string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[op]
	if !ok {
		return
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

// RecordResult folds one operation outcome into the breaker. A context
// cancellation is neutral: the caller shutting down says nothing about the
// substrate's health and must not open the circuit.
func (cb *CircuitBreaker) RecordResult(op string, err error) {
	switch {
	case err == nil:
		cb.RecordSuccess(op)
	case errors.Is(err, context.Canceled):
	default:
		cb.RecordFailure(op)
	}
}

func (cb *CircuitBreaker) RecordFailure(op string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[op]
	if !ok {
		s = &opState{}
		cb.states[op] = s
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = time.Now()
	}
}
