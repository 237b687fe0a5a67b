// Package telemetry provides Prometheus instrumentation for the entitlement
// engine: purchase outcomes, reconciliation runs, feed throughput, and
// verification failures.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	purchaseTotal        *prometheus.CounterVec
	reconcileRuns        prometheus.Counter
	feedRecords          *prometheus.CounterVec
	verificationFailures prometheus.Counter
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide metrics instance, registering the collectors
// on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
		prometheus.MustRegister(
			instance.purchaseTotal,
			instance.reconcileRuns,
			instance.feedRecords,
			instance.verificationFailures,
		)
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		purchaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlements",
				Name:      "purchase_total",
				Help:      "Total purchase attempts by terminal outcome",
			},
			[]string{"outcome"},
		),
		reconcileRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "entitlements",
				Name:      "reconcile_runs_total",
				Help:      "Total reconciliation runs",
			},
		),
		feedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlements",
				Name:      "feed_records_total",
				Help:      "Total transaction feed envelopes by processing result",
			},
			[]string{"result"},
		),
		verificationFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "entitlements",
				Name:      "verification_failures_total",
				Help:      "Total envelope verification failures",
			},
		),
	}
}

// RecordPurchase counts one purchase attempt with its terminal outcome.
func (m *Metrics) RecordPurchase(outcome string) {
	m.purchaseTotal.WithLabelValues(outcome).Inc()
}

// RecordReconcile counts one reconciliation run.
func (m *Metrics) RecordReconcile() {
	m.reconcileRuns.Inc()
}

// RecordFeed counts one feed envelope with its processing result.
func (m *Metrics) RecordFeed(result string) {
	m.feedRecords.WithLabelValues(result).Inc()
}

// RecordVerificationFailure counts one rejected envelope.
func (m *Metrics) RecordVerificationFailure() {
	m.verificationFailures.Inc()
}
