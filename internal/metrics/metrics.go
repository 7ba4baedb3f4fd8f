// Package metrics holds the Prometheus collectors of the Edge and Core processes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "billing"

// Core side.
var (
	// BatchesProcessed counts BatchSubmit requests by outcome
	// (computed, cached, bad_batch, engine_failure, session_conflict, not_core).
	BatchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "core",
		Name:      "batches_total",
		Help:      "Ciphertext batches handled by the aggregation worker, by outcome.",
	}, []string{"outcome"})

	// PartialDecryptDuration observes combination plus partial decryption time.
	PartialDecryptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "core",
		Name:      "partial_decrypt_seconds",
		Help:      "Time to combine a batch and compute the partial decryption share.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	// CachedShares is the number of share replies held in the persistent cache.
	CachedShares = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "core",
		Name:      "cached_shares",
		Help:      "Share replies held in the persistent share cache.",
	})
)

// Edge side.
var (
	// SessionsStarted counts opened billing sessions.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "edge",
		Name:      "sessions_started_total",
		Help:      "Billing sessions opened.",
	})

	// SessionsFinished counts terminal sessions by outcome
	// (completed, quorum_timeout, reconstruction_failed).
	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "edge",
		Name:      "sessions_finished_total",
		Help:      "Billing sessions that reached a terminal state, by outcome.",
	}, []string{"outcome"})

	// SessionDuration observes the time from submission to a terminal state.
	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "edge",
		Name:      "session_duration_seconds",
		Help:      "Time from submission to a terminal session state.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	// ActiveSessions is the number of sessions not yet terminal.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "edge",
		Name:      "active_sessions",
		Help:      "Billing sessions awaiting shares or reconstructing.",
	})

	// SharesReceived counts Core replies by result
	// (accepted, late, duplicate, digest_mismatch, malformed, unknown_core, error_reply, unreachable).
	SharesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "edge",
		Name:      "shares_total",
		Help:      "Core replies received by the session manager, by result.",
	}, []string{"result"})

	// DegradedCores is 1 for each Core flagged degraded.
	DegradedCores = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "edge",
		Name:      "core_degraded",
		Help:      "1 when the Core has been flagged degraded.",
	}, []string{"core"})

	// RateLimited counts submissions refused by the HTTP rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "edge",
		Name:      "rate_limited_total",
		Help:      "Client submissions refused by the rate limiter.",
	})
)

// Handler returns the HTTP handler exposing every registered collector.
func Handler() http.Handler {
	return promhttp.Handler()
}
