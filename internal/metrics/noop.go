package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) AcquireCompleted(acquired int, duration time.Duration, err error) {}
func (n *NoopSink) ClaimRaceLost()                                                   {}
func (n *NoopSink) MisfireResolved(resolution string)                                {}
func (n *NoopSink) TriggerFired()                                                    {}
func (n *NoopSink) TriggerCompleted(instruction string)                              {}
func (n *NoopSink) LedgerSizeUpdate(size int)                                        {}
func (n *NoopSink) RecoveryCompleted(records int, err error)                         {}
func (n *NoopSink) JobsInFlightIncr()                                                {}
func (n *NoopSink) JobsInFlightDecr()                                                {}
func (n *NoopSink) JobOutcome(outcome string)                                        {}
func (n *NoopSink) SignalReceived()                                                  {}

var _ Sink = (*NoopSink)(nil)
