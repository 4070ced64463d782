// Package metrics exposes Prometheus metrics for the agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent's Prometheus instruments.
type Metrics struct {
	registry *prometheus.Registry

	BackupsTotal     *prometheus.CounterVec
	BackupBytes      *prometheus.CounterVec
	BackupDuration   *prometheus.HistogramVec
	CyclesTotal      prometheus.Counter
	CycleDuration    prometheus.Histogram
	HeartbeatsTotal  *prometheus.CounterVec
	ConfigsScheduled prometheus.Gauge
}

// New creates the agent metrics and registers them on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		BackupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "halcyon",
			Subsystem: "agent",
			Name:      "backups_total",
			Help:      "Total backups executed, by method and outcome.",
		}, []string{"method", "status"}),
		BackupBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "halcyon",
			Subsystem: "agent",
			Name:      "backup_bytes_total",
			Help:      "Total bytes transferred by successful backups, by method.",
		}, []string{"method"}),
		BackupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "halcyon",
			Subsystem: "agent",
			Name:      "backup_duration_seconds",
			Help:      "Backup execution duration in seconds, by method.",
			Buckets:   []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
		}, []string{"method"}),
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "halcyon",
			Subsystem: "agent",
			Name:      "cycles_total",
			Help:      "Total execution cycles run.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "halcyon",
			Subsystem: "agent",
			Name:      "cycle_duration_seconds",
			Help:      "Execution cycle duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		HeartbeatsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "halcyon",
			Subsystem: "agent",
			Name:      "heartbeats_total",
			Help:      "Heartbeats sent, by outcome.",
		}, []string{"status"}),
		ConfigsScheduled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "halcyon",
			Subsystem: "agent",
			Name:      "configs_due",
			Help:      "Configurations found due in the most recent cycle.",
		}),
	}

	registry.MustRegister(
		m.BackupsTotal,
		m.BackupBytes,
		m.BackupDuration,
		m.CyclesTotal,
		m.CycleDuration,
		m.HeartbeatsTotal,
		m.ConfigsScheduled,
	)
	return m
}

// ObserveBackup records the outcome of one backup execution.
func (m *Metrics) ObserveBackup(method string, success bool, bytes int64, seconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.BackupsTotal.WithLabelValues(method, status).Inc()
	m.BackupDuration.WithLabelValues(method).Observe(seconds)
	if success && bytes > 0 {
		m.BackupBytes.WithLabelValues(method).Add(float64(bytes))
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
