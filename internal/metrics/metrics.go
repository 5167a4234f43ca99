// Package metrics holds the prometheus collectors for connection activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "connhub"

// Outcome label values.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
	OutcomeJoined    = "joined"
)

var (
	connectDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

	ConnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_attempts_total",
		Help:      "Connect requests handled by the coordinator.",
	}, []string{"capability", "outcome"})

	ConnectDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "connect_duration_seconds",
		Help:      "Time taken by a connect attempt, credential prompt included.",
		Buckets:   connectDurationBuckets,
	}, []string{"capability"})

	ConnectsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connects_in_flight",
		Help:      "Connector services currently claimed by a connect attempt.",
	})

	DisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "disconnects_total",
		Help:      "Disconnect requests handled by the coordinator.",
	}, []string{"capability", "outcome"})

	ResolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolve_total",
		Help:      "Filter string resolutions.",
	}, []string{"subsystem", "outcome"})

	ResolvedObjects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolved_objects_total",
		Help:      "Remote objects returned by filter resolution.",
	}, []string{"subsystem"})
)

// ObserveConnect records one finished connect attempt.
func ObserveConnect(capability, outcome string, elapsed time.Duration) {
	ConnectAttemptsTotal.WithLabelValues(capability, outcome).Inc()
	if outcome != OutcomeJoined {
		ConnectDuration.WithLabelValues(capability).Observe(elapsed.Seconds())
	}
}

// ObserveResolve records one filter resolution returning n objects.
func ObserveResolve(subsystem, outcome string, n int) {
	ResolveTotal.WithLabelValues(subsystem, outcome).Inc()
	if n > 0 {
		ResolvedObjects.WithLabelValues(subsystem).Add(float64(n))
	}
}

// Handler serves the default registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
