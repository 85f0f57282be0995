// Package metrics provides Prometheus metrics for the interposition core.
// Collectors are registered on the default registry; exposition is the host
// collector's concern, not the interposer's.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HookDispatchesTotal counts dispatched hook calls by symbol and outcome.
	// Outcomes: forwarded, denied, bypassed (reentry guard), redirected
	HookDispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "whitebeam",
			Subsystem: "dispatch",
			Name:      "hooks_total",
			Help:      "Total hook dispatches by symbol and outcome",
		},
		[]string{"symbol", "outcome"},
	)

	// CacheRefreshesTotal counts policy cache refresh attempts.
	// Status: success, rate_limited, error
	CacheRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "whitebeam",
			Subsystem: "policy",
			Name:      "cache_refreshes_total",
			Help:      "Total policy cache refresh attempts by status",
		},
		[]string{"status"},
	)

	// CacheRefreshDuration tracks refresh latency in seconds, including the
	// journal-file wait.
	CacheRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "whitebeam",
			Subsystem: "policy",
			Name:      "cache_refresh_duration_seconds",
			Help:      "Policy cache refresh duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.2, 0.5, 1.0, 2.5},
		},
	)

	// ActionDecisionsTotal counts action pipeline decisions by action name.
	// Decision: allow, deny
	ActionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "whitebeam",
			Subsystem: "action",
			Name:      "decisions_total",
			Help:      "Total action decisions by action and decision",
		},
		[]string{"action", "decision"},
	)

	// AuthVerificationsTotal counts credential verifications by result.
	// Result: console, recovery, rejected
	AuthVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "whitebeam",
			Subsystem: "auth",
			Name:      "verifications_total",
			Help:      "Total auth string verifications by result",
		},
		[]string{"result"},
	)

	// EventsEmittedTotal counts events handed to the sink by kind.
	// Kind: log, exec. Status: sent, dropped
	EventsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "whitebeam",
			Subsystem: "event",
			Name:      "emitted_total",
			Help:      "Total events emitted to the sink by kind and status",
		},
		[]string{"kind", "status"},
	)
)
