// Package metrics holds the Prometheus collectors for task leasing and recovery.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TaskMetrics contains the Prometheus metrics for the task lifecycle. A nil
// *TaskMetrics is valid and records nothing.
type TaskMetrics struct {
	Requests          *prometheus.CounterVec // requests by result: granted, empty
	Transitions       *prometheus.CounterVec // state transitions by kind
	LeaseErrors       *prometheus.CounterVec // rejected lease operations by operation and error kind
	AnnotationsStored prometheus.Counter
	OperationDuration *prometheus.HistogramVec

	RecoveryRuns     *prometheus.CounterVec // sweeps by phase: startup, shutdown, periodic, manual
	RecoveryReleased prometheus.Counter
	RecoverySkipped  prometheus.Counter
	RecoveryDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewTaskMetrics creates the collectors and registers them with registry.
func NewTaskMetrics(registry *prometheus.Registry) (*TaskMetrics, error) {
	m := &TaskMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register task metrics: %w", err)
	}
	return m, nil
}

func (m *TaskMetrics) initMetrics() {
	m.Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annotline_task_requests_total",
			Help: "Task requests by result (granted, empty)",
		},
		[]string{"result"},
	)
	m.Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annotline_task_transitions_total",
			Help: "Task state transitions by kind",
		},
		[]string{"transition"}, // leased, reclaimed, renewed, committed, abandoned, released
	)
	m.LeaseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annotline_lease_errors_total",
			Help: "Rejected lease operations by operation and error kind",
		},
		[]string{"operation", "kind"},
	)
	m.AnnotationsStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "annotline_annotations_stored_total",
			Help: "Annotations written by committed tasks",
		},
	)
	m.OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "annotline_operation_duration_seconds",
			Help:    "Latency of task manager operations",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation"},
	)
	m.RecoveryRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annotline_recovery_runs_total",
			Help: "Recovery sweeps by phase",
		},
		[]string{"phase"},
	)
	m.RecoveryReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "annotline_recovery_released_total",
			Help: "Leases returned to available by recovery",
		},
	)
	m.RecoverySkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "annotline_recovery_skipped_total",
			Help: "Leased rows recovery could not process",
		},
	)
	m.RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "annotline_recovery_duration_seconds",
			Help:    "Time taken by one recovery sweep",
			Buckets: prometheus.DefBuckets,
		},
	)
}

func (m *TaskMetrics) RecordRequest(granted bool) {
	if m == nil {
		return
	}
	result := "empty"
	if granted {
		result = "granted"
	}
	m.Requests.WithLabelValues(result).Inc()
}

func (m *TaskMetrics) RecordTransition(transition string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(transition).Inc()
}

func (m *TaskMetrics) RecordLeaseError(operation, kind string) {
	if m == nil {
		return
	}
	m.LeaseErrors.WithLabelValues(operation, kind).Inc()
}

func (m *TaskMetrics) RecordAnnotations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AnnotationsStored.Add(float64(n))
}

func (m *TaskMetrics) ObserveOperation(operation string, started time.Time) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *TaskMetrics) RecordRecovery(phase string, released, skipped int, took time.Duration) {
	if m == nil {
		return
	}
	m.RecoveryRuns.WithLabelValues(phase).Inc()
	m.RecoveryReleased.Add(float64(released))
	m.RecoverySkipped.Add(float64(skipped))
	m.RecoveryDuration.Observe(took.Seconds())
}

// WriteTextfile dumps the registry in the Prometheus text format, for
// node_exporter's textfile collector.
func (m *TaskMetrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

// Collect implements the prometheus.Collector interface.
func (m *TaskMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Requests.Collect(ch)
	m.Transitions.Collect(ch)
	m.LeaseErrors.Collect(ch)
	m.AnnotationsStored.Collect(ch)
	m.OperationDuration.Collect(ch)
	m.RecoveryRuns.Collect(ch)
	m.RecoveryReleased.Collect(ch)
	m.RecoverySkipped.Collect(ch)
	m.RecoveryDuration.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *TaskMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Requests.Describe(ch)
	m.Transitions.Describe(ch)
	m.LeaseErrors.Describe(ch)
	m.AnnotationsStored.Describe(ch)
	m.OperationDuration.Describe(ch)
	m.RecoveryRuns.Describe(ch)
	m.RecoveryReleased.Describe(ch)
	m.RecoverySkipped.Describe(ch)
	m.RecoveryDuration.Describe(ch)
}
