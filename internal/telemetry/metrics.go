// Package telemetry exposes dispatcher metrics to Prometheus.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all dispatcher metrics.
type Metrics struct {
	ItemsProcessed *prometheus.CounterVec
	BatchesTotal   *prometheus.CounterVec
	BatchDuration  *prometheus.HistogramVec
	Reconciled     prometheus.Counter
	LastBatchTime  prometheus.Gauge
}

// NewMetrics creates and registers the dispatcher metrics on reg.
// A nil reg uses the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mailer"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	subsystem := "dispatch"

	return &Metrics{
		ItemsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "items_total",
				Help:      "Scheduled items processed, by outcome",
			},
			[]string{"outcome"}, // sent, failed, pending, ambiguous
		),
		BatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "batches_total",
				Help:      "Dispatcher invocations, by trigger and result",
			},
			[]string{"trigger", "result"},
		),
		BatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "batch_duration_seconds",
				Help:      "Wall time of one dispatcher invocation",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"trigger"},
		),
		Reconciled: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconciled_total",
				Help:      "Items flipped to sent from an existing sent record",
			},
		),
		LastBatchTime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "last_batch_timestamp_seconds",
				Help:      "Unix time the last invocation finished",
			},
		),
	}
}

// ObserveItem counts one item outcome.
func (m *Metrics) ObserveItem(outcome string) {
	m.ItemsProcessed.WithLabelValues(outcome).Inc()
}

// ObserveBatch records one finished invocation.
func (m *Metrics) ObserveBatch(trigger string, duration time.Duration, failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	m.BatchesTotal.WithLabelValues(trigger, result).Inc()
	m.BatchDuration.WithLabelValues(trigger).Observe(duration.Seconds())
	m.LastBatchTime.SetToCurrentTime()
}

// AddReconciled counts reconciled items.
func (m *Metrics) AddReconciled(n int) {
	if n > 0 {
		m.Reconciled.Add(float64(n))
	}
}
