// Package metrics exposes prometheus instrumentation for the proposal
// pipeline and serves it over HTTP.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the proposal pipeline collectors.
type Metrics struct {
	productionDelay *prometheus.HistogramVec
	publishDelay    prometheus.Histogram
	proposals       *prometheus.CounterVec
	builderFaults   prometheus.Counter
}

// New creates and registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		productionDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "validator",
			Subsystem: "proposer",
			Name:      "production_delay_seconds",
			Help:      "Time from slot start until a candidate block was produced.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 8),
		}, []string{"source"}),
		publishDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "validator",
			Subsystem: "proposer",
			Name:      "publish_delay_seconds",
			Help:      "Time from slot start until the signed block was published.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 8),
		}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "validator",
			Subsystem: "proposer",
			Name:      "proposals_total",
			Help:      "Proposal attempts by candidate source and outcome.",
		}, []string{"source", "result"}),
		builderFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "validator",
			Subsystem: "builder",
			Name:      "faults_total",
			Help:      "Builder relay faults observed.",
		}),
	}

	reg.MustRegister(m.productionDelay, m.publishDelay, m.proposals, m.builderFaults)

	return m
}

// ObserveProduction records the slot-start-to-candidate delay. Nil-safe so
// callers without metrics wired can pass a nil receiver.
func (m *Metrics) ObserveProduction(source string, delay time.Duration) {
	if m == nil {
		return
	}

	m.productionDelay.WithLabelValues(source).Observe(delay.Seconds())
}

// ObservePublish records the slot-start-to-publish delay.
func (m *Metrics) ObservePublish(delay time.Duration) {
	if m == nil {
		return
	}

	m.publishDelay.Observe(delay.Seconds())
}

// CountProposal records one proposal attempt outcome.
func (m *Metrics) CountProposal(source, result string) {
	if m == nil {
		return
	}

	m.proposals.WithLabelValues(source, result).Inc()
}

// CountBuilderFault records one relay fault.
func (m *Metrics) CountBuilderFault() {
	if m == nil {
		return
	}

	m.builderFaults.Inc()
}
