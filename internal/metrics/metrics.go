// Package metrics exposes engine telemetry as Prometheus collectors and
// serves them with a liveness probe on one HTTP listener.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/mend/internal/heal"
)

// Metrics holds every engine collector on a private registry, so tests
// can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	casesAdmitted    prometheus.Counter
	casesDeduped     prometheus.Counter
	casesRejected    *prometheus.CounterVec
	casesSealed      *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	activityAttempts *prometheus.CounterVec
	activityLatency  *prometheus.HistogramVec
	caseDuration     prometheus.Histogram
	inFlight         prometheus.Gauge
	queueDepth       prometheus.Gauge
	eventsDropped    prometheus.CounterFunc
}

// New creates the collectors on a fresh registry. droppedEvents reports
// the emitter's cumulative drop count; nil means zero.
func New(droppedEvents func() int64) *Metrics {
	if droppedEvents == nil {
		droppedEvents = func() int64 { return 0 }
	}
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.casesAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mend",
		Name:      "cases_admitted_total",
		Help:      "Failure events admitted as new cases.",
	})
	m.casesDeduped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mend",
		Name:      "cases_deduped_total",
		Help:      "Failure events suppressed by the dedup index.",
	})
	m.casesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mend",
		Name:      "cases_rejected_total",
		Help:      "Failure events refused at admission, by error code.",
	}, []string{"code"})
	m.casesSealed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mend",
		Name:      "cases_sealed_total",
		Help:      "Cases reaching a terminal state, by state and fail reason.",
	}, []string{"state", "reason"})
	m.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mend",
		Name:      "state_transitions_total",
		Help:      "State machine transitions, by edge.",
	}, []string{"from", "to"})
	m.activityAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mend",
		Name:      "activity_attempts_total",
		Help:      "Collaborator calls, by activity and outcome code (empty on success).",
	}, []string{"activity", "code"})
	m.activityLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mend",
		Name:      "activity_latency_seconds",
		Help:      "Collaborator call latency, by activity.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"activity"})
	m.caseDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mend",
		Name:      "case_duration_seconds",
		Help:      "Wall clock from admission to seal.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
	m.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mend",
		Name:      "cases_in_flight",
		Help:      "Cases currently held by workers.",
	})
	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mend",
		Name:      "queue_depth",
		Help:      "Ready cases waiting for a worker.",
	})
	m.eventsDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "mend",
		Name:      "events_dropped_total",
		Help:      "Lifecycle events dropped on emitter overflow.",
	}, func() float64 { return float64(droppedEvents()) })

	m.registry.MustRegister(
		m.casesAdmitted, m.casesDeduped, m.casesRejected, m.casesSealed,
		m.transitions, m.activityAttempts, m.activityLatency,
		m.caseDuration, m.inFlight, m.queueDepth, m.eventsDropped,
	)
	return m
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// CaseAdmitted counts one admitted case.
func (m *Metrics) CaseAdmitted() { m.casesAdmitted.Inc() }

// CaseDeduped counts one suppressed duplicate.
func (m *Metrics) CaseDeduped() { m.casesDeduped.Inc() }

// CaseRejected counts one admission refusal.
func (m *Metrics) CaseRejected(code heal.Code) {
	m.casesRejected.WithLabelValues(string(code)).Inc()
}

// CaseSealed counts one terminal case and observes its duration.
func (m *Metrics) CaseSealed(state heal.State, reason heal.FailReason, duration time.Duration) {
	m.casesSealed.WithLabelValues(string(state), string(reason)).Inc()
	m.caseDuration.Observe(duration.Seconds())
}

// Transition counts one state machine edge.
func (m *Metrics) Transition(from, to heal.State) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// AttemptStarted implements dispatch.Observer.
func (m *Metrics) AttemptStarted(string, int) {}

// AttemptFinished implements dispatch.Observer.
func (m *Metrics) AttemptFinished(activity string, code heal.Code, elapsed time.Duration) {
	m.activityAttempts.WithLabelValues(activity, string(code)).Inc()
	m.activityLatency.WithLabelValues(activity).Observe(elapsed.Seconds())
}

// SetInFlight records the worker pool occupancy.
func (m *Metrics) SetInFlight(n int) { m.inFlight.Set(float64(n)) }

// SetQueueDepth records the ready-queue length.
func (m *Metrics) SetQueueDepth(n int) { m.queueDepth.Set(float64(n)) }
