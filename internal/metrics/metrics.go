// Package metrics holds the Prometheus collectors exported by the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Telemetry
	TelemetryCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "web1090_telemetry_cycles_total",
			Help: "Telemetry cycles by result",
		},
		[]string{"result"}, // "ok", "feed_error"
	)

	AircraftSeen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "web1090_aircraft_seen",
			Help: "Aircraft in the last telemetry snapshot",
		},
	)

	TelemetryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "web1090_telemetry_cycle_duration_seconds",
			Help:    "Duration of telemetry cycles",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// Reference cache
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "web1090_cache_lookups_total",
			Help: "Reference cache lookups by kind and result",
		},
		[]string{"kind", "result"}, // kind: route, aircraft; result: hit, miss
	)

	// Gap ledger
	GapsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "web1090_gaps_recorded_total",
			Help: "Entries added to the gap backlog",
		},
		[]string{"kind"},
	)

	LedgerSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "web1090_ledger_entries",
			Help: "Entries pending in the gap backlog",
		},
		[]string{"kind"},
	)

	LedgerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "web1090_ledger_errors_total",
			Help: "Gap backlog IO failures",
		},
	)

	// Providers
	ProviderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "web1090_provider_attempts_total",
			Help: "Provider lookups by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "web1090_provider_request_duration_seconds",
			Help:    "Duration of provider HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	KeysExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "web1090_provider_keys_exhausted_total",
			Help: "API keys removed from the pool after a quota signal",
		},
		[]string{"provider"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "web1090_circuit_breaker_state",
			Help: "Provider circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	// Reconciliation
	Merges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "web1090_merges_total",
			Help: "Records merged into the reference store",
		},
		[]string{"kind", "op"}, // op: insert, update
	)

	Propagations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "web1090_airport_propagations_total",
			Help: "Airport blocks copied between routes",
		},
		[]string{"side"},
	)

	// Images
	ImageFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "web1090_image_fetches_total",
			Help: "Photo provider queries by result",
		},
		[]string{"result"}, // found, empty, rate_limited, error
	)
)
