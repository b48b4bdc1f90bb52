// Package metrics exposes the platform's Prometheus instrumentation: event
// and task counters fed by the bus, a task duration histogram fed by the
// orchestrator's outcome callback, and snapshot gauges read at scrape time.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hephaestus-ai/hephaestus/pkg/adaptive"
	"github.com/hephaestus-ai/hephaestus/pkg/bus"
	"github.com/hephaestus-ai/hephaestus/pkg/cache"
	"github.com/hephaestus-ai/hephaestus/pkg/orchestrator"
	"github.com/hephaestus-ai/hephaestus/pkg/queue"
	"github.com/hephaestus-ai/hephaestus/pkg/ratelimit"
)

// Metrics owns the registry and all instruments.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal  *prometheus.CounterVec
	tasksTotal   *prometheus.CounterVec
	taskDuration prometheus.Histogram
	cyclesTotal  *prometheus.CounterVec
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hephaestus_events_total",
			Help: "Events published on the bus by type.",
		}, []string{"type"}),
		tasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hephaestus_tasks_total",
			Help: "Tasks reaching a terminal state.",
		}, []string{"state"}),
		taskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hephaestus_task_duration_seconds",
			Help:    "Wall time of finished task executions.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		cyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hephaestus_cycles_total",
			Help: "Objective cycles by outcome.",
		}, []string{"outcome"}),
	}
}

// Registry returns the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveBus counts every published event and terminal task states.
func (m *Metrics) ObserveBus(b *bus.Bus) {
	b.Subscribe(func(ev bus.Event) {
		m.eventsTotal.WithLabelValues(string(ev.Type())).Inc()
		switch ev.Type() {
		case bus.EventTypeTaskCompleted:
			m.tasksTotal.WithLabelValues(string(orchestrator.StateSucceeded)).Inc()
		case bus.EventTypeTaskFailed:
			m.tasksTotal.WithLabelValues(string(orchestrator.StateFailed)).Inc()
		case bus.EventTypeTaskCancelled:
			m.tasksTotal.WithLabelValues(string(orchestrator.StateCancelled)).Inc()
		}
	})
}

// ObserveCycle records one objective cycle outcome.
func (m *Metrics) ObserveCycle(ok bool) {
	outcome := "failed"
	if ok {
		outcome = "succeeded"
	}
	m.cyclesTotal.WithLabelValues(outcome).Inc()
}

// Recorder wraps an outcome recorder so task durations land in the histogram
// on the way to the adaptive controller. next may be nil.
func (m *Metrics) Recorder(next orchestrator.OutcomeRecorder) orchestrator.OutcomeRecorder {
	return recorderFunc(func(success bool, execTime time.Duration) {
		m.taskDuration.Observe(execTime.Seconds())
		if next != nil {
			next.RecordOutcome(success, execTime)
		}
	})
}

type recorderFunc func(bool, time.Duration)

func (f recorderFunc) RecordOutcome(success bool, execTime time.Duration) { f(success, execTime) }

// gaugeFunc registers a snapshot gauge read at scrape time.
func (m *Metrics) gaugeFunc(name, help string, fn func() float64) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
}

func (m *Metrics) counterFunc(name, help string, fn func() float64) {
	promauto.With(m.registry).NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, fn)
}

// ObserveQueue exports queue depth and in-flight gauges.
func (m *Metrics) ObserveQueue(q *queue.Queue) {
	m.gaugeFunc("hephaestus_queue_depth", "Objectives waiting in the priority queue.",
		func() float64 { return float64(q.Stats().Depth) })
	m.gaugeFunc("hephaestus_queue_inflight", "Dequeued objectives awaiting ack.",
		func() float64 { return float64(q.Stats().InFlight) })
	m.counterFunc("hephaestus_queue_dead_lettered_total", "Objectives written to the dead-letter log.",
		func() float64 { return float64(q.Stats().DeadLettered) })
}

// ObserveCache exports cache occupancy and traffic.
func (m *Metrics) ObserveCache(c *cache.Cache) {
	m.gaugeFunc("hephaestus_cache_entries", "Live cache entries.",
		func() float64 { return float64(c.Stats().Entries) })
	m.counterFunc("hephaestus_cache_hits_total", "Cache hits.",
		func() float64 { return float64(c.Stats().Hits) })
	m.counterFunc("hephaestus_cache_misses_total", "Cache misses.",
		func() float64 { return float64(c.Stats().Misses) })
	m.counterFunc("hephaestus_cache_evictions_total", "LRU evictions.",
		func() float64 { return float64(c.Stats().Evictions) })
}

// ObserveLimiter exports in-flight external calls against the global cap.
func (m *Metrics) ObserveLimiter(l *ratelimit.Limiter) {
	m.gaugeFunc("hephaestus_external_inflight", "In-flight external calls.",
		func() float64 { return float64(l.Stats().InFlight) })
	m.counterFunc("hephaestus_external_admitted_total", "Calls admitted through the rate limiter.",
		func() float64 { return float64(l.Stats().Admitted) })
}

// ObserveOrchestrator exports worker pool usage and backpressure.
func (m *Metrics) ObserveOrchestrator(o *orchestrator.Orchestrator) {
	m.gaugeFunc("hephaestus_workers_inuse", "Tasks holding a worker slot.",
		func() float64 { return float64(o.Stats().Workers.InUse) })
	m.gaugeFunc("hephaestus_ready_tasks", "Tasks in the ready set.",
		func() float64 { return float64(o.Stats().Ready) })
	m.gaugeFunc("hephaestus_backpressure", "1 while the ready set is above high water.",
		func() float64 {
			if o.Backpressured() {
				return 1
			}
			return 0
		})
}

// ObserveAdaptive exports the controller's posture, one 0/1 gauge per
// strategy.
func (m *Metrics) ObserveAdaptive(c *adaptive.Controller) {
	for _, s := range []adaptive.Strategy{
		adaptive.StrategyConservative,
		adaptive.StrategyBalanced,
		adaptive.StrategyAggressive,
	} {
		s := s
		promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "hephaestus_adaptive_strategy",
			Help:        "1 for the active concurrency strategy.",
			ConstLabels: prometheus.Labels{"strategy": string(s)},
		}, func() float64 {
			if c.Strategy() == s {
				return 1
			}
			return 0
		})
	}
	m.gaugeFunc("hephaestus_success_rate", "Moving average of task success.",
		func() float64 { return c.LastSample().SuccessRate })
}
