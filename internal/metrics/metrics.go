// Package metrics exposes the Prometheus collectors scraped across every
// component, grounded in the teacher's pkg/metrics package: one dedicated
// registry, namespace/subsystem-scoped collectors, a promhttp handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector this module registers; kept separate from
// prometheus.DefaultRegisterer so tests can construct throwaway registries.
var Registry = prometheus.NewRegistry()

var (
	EventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crisisgrid",
			Subsystem: "eventstore",
			Name:      "events_appended_total",
			Help:      "Total events durably appended, by topic.",
		},
		[]string{"topic"},
	)

	BusPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crisisgrid",
			Subsystem: "bus",
			Name:      "publishes_total",
			Help:      "Total bus publishes, by topic and result.",
		},
		[]string{"topic", "result"},
	)

	BusReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crisisgrid",
			Subsystem: "bus",
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts, by backend and result.",
		},
		[]string{"backend", "result"},
	)

	FixesProposed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crisisgrid",
			Subsystem: "proposer",
			Name:      "fixes_proposed_total",
			Help:      "Total fixes synthesized, by source (rules|external-llm-a|external-llm-b).",
		},
		[]string{"source"},
	)

	FixLifecycleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crisisgrid",
			Subsystem: "fix",
			Name:      "lifecycle_transitions_total",
			Help:      "Total fix lifecycle transitions, by to-state.",
		},
		[]string{"to_state"},
	)

	ActuatorIdempotentSkips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crisisgrid",
			Subsystem: "actuator",
			Name:      "idempotent_skips_total",
			Help:      "Total fix.deploy_requested messages absorbed by the idempotency check (§4.6 step 1).",
		},
	)

	ActuatorActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crisisgrid",
			Subsystem: "actuator",
			Name:      "action_duration_seconds",
			Help:      "Duration of a single sandboxed action dispatch, by action type.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"action_type"},
	)

	VerificationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crisisgrid",
			Subsystem: "verifier",
			Name:      "outcomes_total",
			Help:      "Total verification outcomes, by action type and verdict (verified|failed).",
		},
		[]string{"action_type", "verdict"},
	)

	DefenseThreatsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crisisgrid",
			Subsystem: "defense",
			Name:      "threats_detected_total",
			Help:      "Total threats detected, by threat type, after deduplication.",
		},
		[]string{"threat_type"},
	)

	LLMCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crisisgrid",
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Duration of an outbound LLM provider call, by provider and result.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"provider", "result"},
	)
)

func init() {
	Registry.MustRegister(
		EventsAppended,
		BusPublishes,
		BusReconnects,
		FixesProposed,
		FixLifecycleTransitions,
		ActuatorIdempotentSkips,
		ActuatorActionDuration,
		VerificationOutcomes,
		DefenseThreatsDetected,
		LLMCallDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler returns the HTTP handler serving this module's registry in the
// Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
