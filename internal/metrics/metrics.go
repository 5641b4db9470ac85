// Package metrics exposes Prometheus collectors for the mirror fleet.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mirror_fleet"

var (
	registerOnce sync.Once

	mirrorsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "mirrors_running",
			Help:      "Mirror listeners currently polling.",
		},
	)
	mirrorStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "mirror_starts_total",
			Help:      "Mirror start attempts by outcome.",
		},
		[]string{"source", "result"},
	)
	mirrorDeactivations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "deactivations_total",
			Help:      "Mirrors flagged inactive by reason.",
		},
		[]string{"reason"},
	)
	broadcastDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "deliveries_total",
			Help:      "Broadcast delivery attempts per mirror.",
		},
		[]string{"bot_id", "success"},
	)
	broadcastDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "duration_seconds",
			Help:      "Wall time of a full broadcast round.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
	dialogueCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dialogue",
			Name:      "commands_total",
			Help:      "Commands handled by outcome.",
		},
		[]string{"command", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			mirrorsRunning,
			mirrorStarts,
			mirrorDeactivations,
			broadcastDeliveries,
			broadcastDuration,
			dialogueCommands,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

// MirrorStarted counts a start attempt. source is "bootstrap" or "create".
func MirrorStarted(source string, ok bool) {
	RegisterMetrics()
	result := "started"
	if !ok {
		result = "failed"
	}
	mirrorStarts.WithLabelValues(source, result).Inc()
}

func MirrorRunning(delta int) {
	RegisterMetrics()
	mirrorsRunning.Add(float64(delta))
}

func MirrorDeactivated(reason string) {
	RegisterMetrics()
	mirrorDeactivations.WithLabelValues(reason).Inc()
}

// BroadcastDelivery records one send. botID must be the public prefix of the
// token, never the token itself.
func BroadcastDelivery(botID string, success bool) {
	RegisterMetrics()
	broadcastDeliveries.WithLabelValues(botID, strconv.FormatBool(success)).Inc()
}

func BroadcastCompleted(duration time.Duration) {
	RegisterMetrics()
	broadcastDuration.Observe(duration.Seconds())
}

func CommandHandled(command, outcome string) {
	RegisterMetrics()
	dialogueCommands.WithLabelValues(command, outcome).Inc()
}
