// Package prometheus exports draft backup and sync metrics.
package prometheus

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/and161185/draft-keeper/internal/model"
)

const (
	namespace    = "dk"
	outcomeLabel = "outcome"
	phaseLabel   = "phase"
)

// Metrics satisfies both service.Recorder and syncer.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	backupsTotal          *prometheus.CounterVec
	pushesTotal           *prometheus.CounterVec
	pushDurationSeconds   prometheus.Histogram
	stateTransitionsTotal *prometheus.CounterVec
	purgedTotal           prometheus.Counter
}

// NewMetrics creates a registry with process and Go collectors plus the draft metrics.
func NewMetrics() (*Metrics, error) {
	reg := prometheus.NewRegistry()

	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("register process collector: %w", err)
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}

	return &Metrics{
		registry: reg,
		backupsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "draft",
			Name:      "backups_total",
			Help:      "Local draft backups by outcome.",
		}, []string{outcomeLabel}),
		pushesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pushes_total",
			Help:      "Remote-save attempts by outcome.",
		}, []string{outcomeLabel}),
		pushDurationSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "push_duration_seconds",
			Help:      "Latency of remote-save calls.",
		}),
		stateTransitionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "state_transitions_total",
			Help:      "Scheduler state transitions by target phase.",
		}, []string{phaseLabel}),
		purgedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "draft",
			Name:      "purged_total",
			Help:      "Draft envelopes removed by logout purges.",
		}),
	}, nil
}

// ObserveBackup counts a backup outcome.
func (m *Metrics) ObserveBackup(status model.BackupStatus) {
	m.backupsTotal.WithLabelValues(string(status)).Inc()
}

// AddPurged counts purged envelopes.
func (m *Metrics) AddPurged(n int) {
	if n > 0 {
		m.purgedTotal.Add(float64(n))
	}
}

// ObservePush counts a push outcome. Offline short-circuits make no call and record no latency.
func (m *Metrics) ObservePush(outcome string, elapsed time.Duration) {
	m.pushesTotal.WithLabelValues(outcome).Inc()
	if outcome != "offline" {
		m.pushDurationSeconds.Observe(elapsed.Seconds())
	}
}

// ObserveState counts a state transition.
func (m *Metrics) ObserveState(phase model.SyncPhase) {
	m.stateTransitionsTotal.WithLabelValues(string(phase)).Inc()
}

// Registry returns the registry of the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
