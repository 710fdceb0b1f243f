package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Store metrics
	acquireBatchesTotal    prometheus.Counter
	acquireErrorsTotal     prometheus.Counter
	triggersAcquiredTotal  prometheus.Counter
	acquireDuration        prometheus.Histogram
	claimRacesLostTotal    prometheus.Counter
	misfiresResolvedTotal  *prometheus.CounterVec
	triggersFiredTotal     prometheus.Counter
	triggersCompletedTotal *prometheus.CounterVec
	ledgerSize             prometheus.Gauge

	// Recovery metrics
	recoveryRunsTotal    prometheus.Counter
	recoveryErrorsTotal  prometheus.Counter
	recoveryRecordsTotal prometheus.Counter

	// Runtime metrics
	jobsInFlight     prometheus.Gauge
	jobOutcomesTotal *prometheus.CounterVec
	signalsTotal     prometheus.Counter
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initStoreMetrics(reg)
	s.initRecoveryMetrics(reg)
	s.initRuntimeMetrics(reg)
	return s
}

func (s *PrometheusSink) initStoreMetrics(reg prometheus.Registerer) {
	s.acquireBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quartz_store_acquire_batches_total",
		Help: "Total number of acquisition batches attempted.",
	})
	s.acquireErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quartz_store_acquire_errors_total",
		Help: "Total number of acquisition batches aborted by a store failure.",
	})
	s.triggersAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quartz_store_triggers_acquired_total",
		Help: "Total number of triggers exclusively acquired by this node.",
	})
	s.acquireDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quartz_store_acquire_duration_seconds",
		Help:    "Duration of each acquisition batch in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
	s.claimRacesLostTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quartz_store_claim_races_lost_total",
		Help: "Total number of claim attempts lost to another node.",
	})
	s.misfiresResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quartz_store_misfires_resolved_total",
		Help: "Total number of misfires resolved, by resolution.",
	}, []string{"resolution"})
	s.triggersFiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quartz_store_triggers_fired_total",
		Help: "Total number of triggers transitioned to executing.",
	})
	s.triggersCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quartz_store_triggers_completed_total",
		Help: "Total number of completion callbacks, by instruction.",
	}, []string{"instruction"})
	s.ledgerSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quartz_store_fired_ledger_size",
		Help: "Number of fired-trigger records currently in the ledger.",
	})

	s.register(reg, s.acquireBatchesTotal, "quartz_store_acquire_batches_total")
	s.register(reg, s.acquireErrorsTotal, "quartz_store_acquire_errors_total")
	s.register(reg, s.triggersAcquiredTotal, "quartz_store_triggers_acquired_total")
	s.register(reg, s.acquireDuration, "quartz_store_acquire_duration_seconds")
	s.register(reg, s.claimRacesLostTotal, "quartz_store_claim_races_lost_total")
	s.register(reg, s.misfiresResolvedTotal, "quartz_store_misfires_resolved_total")
	s.register(reg, s.triggersFiredTotal, "quartz_store_triggers_fired_total")
	s.register(reg, s.triggersCompletedTotal, "quartz_store_triggers_completed_total")
	s.register(reg, s.ledgerSize, "quartz_store_fired_ledger_size")
}

func (s *PrometheusSink) initRecoveryMetrics(reg prometheus.Registerer) {
	s.recoveryRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quartz_recovery_runs_total",
		Help: "Total number of recovery sweeps.",
	})
	s.recoveryErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quartz_recovery_errors_total",
		Help: "Total number of recovery sweeps that hit a store failure.",
	})
	s.recoveryRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quartz_recovery_records_total",
		Help: "Total number of orphaned ledger records resolved.",
	})

	s.register(reg, s.recoveryRunsTotal, "quartz_recovery_runs_total")
	s.register(reg, s.recoveryErrorsTotal, "quartz_recovery_errors_total")
	s.register(reg, s.recoveryRecordsTotal, "quartz_recovery_records_total")
}

func (s *PrometheusSink) initRuntimeMetrics(reg prometheus.Registerer) {
	s.jobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quartz_runtime_jobs_in_flight",
		Help: "Number of jobs currently executing on this node.",
	})
	s.jobOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quartz_runtime_job_outcomes_total",
		Help: "Total number of finished job executions, by outcome.",
	}, []string{"outcome"})
	s.signalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quartz_runtime_signals_total",
		Help: "Total number of earlier-trigger signals received by the loop.",
	})

	s.register(reg, s.jobsInFlight, "quartz_runtime_jobs_in_flight")
	s.register(reg, s.jobOutcomesTotal, "quartz_runtime_job_outcomes_total")
	s.register(reg, s.signalsTotal, "quartz_runtime_signals_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

func (s *PrometheusSink) AcquireCompleted(acquired int, duration time.Duration, err error) {
	s.acquireBatchesTotal.Inc()
	s.acquireDuration.Observe(duration.Seconds())
	s.triggersAcquiredTotal.Add(float64(acquired))
	if err != nil {
		s.acquireErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) ClaimRaceLost() {
	s.claimRacesLostTotal.Inc()
}

func (s *PrometheusSink) MisfireResolved(resolution string) {
	s.misfiresResolvedTotal.WithLabelValues(resolution).Inc()
}

func (s *PrometheusSink) TriggerFired() {
	s.triggersFiredTotal.Inc()
}

func (s *PrometheusSink) TriggerCompleted(instruction string) {
	s.triggersCompletedTotal.WithLabelValues(instruction).Inc()
}

func (s *PrometheusSink) LedgerSizeUpdate(size int) {
	s.ledgerSize.Set(float64(size))
}

func (s *PrometheusSink) RecoveryCompleted(records int, err error) {
	s.recoveryRunsTotal.Inc()
	s.recoveryRecordsTotal.Add(float64(records))
	if err != nil {
		s.recoveryErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) JobsInFlightIncr() {
	s.jobsInFlight.Inc()
}

func (s *PrometheusSink) JobsInFlightDecr() {
	s.jobsInFlight.Dec()
}

func (s *PrometheusSink) JobOutcome(outcome string) {
	s.jobOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) SignalReceived() {
	s.signalsTotal.Inc()
}

var _ Sink = (*PrometheusSink)(nil)
