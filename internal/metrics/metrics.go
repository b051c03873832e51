// Package metrics exposes Prometheus instrumentation for the provider and
// consumer processes (§5 ambient stack: this is carried regardless of any
// feature Non-goal). No pack example wires up client_golang beyond listing
// it as a dependency, so the registry shape here follows the library's own
// idiomatic collector-per-concern convention rather than any retrieved
// usage.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every counter/gauge this module exports. Both the
// provider and consumer processes create one and wire it to whichever
// components they run.
type Registry struct {
	registry *prometheus.Registry

	CommitsTotal          prometheus.Counter
	SubscriptionCount     prometheus.Gauge
	GapRecoveriesTotal     prometheus.Counter
	ReportsAppliedTotal    prometheus.Counter
	DiscoveryKnownPeers    prometheus.Gauge
	OperationInvocationsTotal *prometheus.CounterVec
}

// New creates a fresh, isolated Registry (never the global
// prometheus.DefaultRegisterer, so multiple providers/consumers in one
// process or in tests never collide on metric names).
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,
		CommitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sdc", Subsystem: "transaction", Name: "commits_total",
			Help: "Total number of transactions committed to the provider MDIB.",
		}),
		SubscriptionCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sdc", Subsystem: "subscription", Name: "active",
			Help: "Current number of active WS-Eventing subscriptions.",
		}),
		GapRecoveriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sdc", Subsystem: "report", Name: "gap_recoveries_total",
			Help: "Total number of times the report processor had to re-bootstrap via GetMdib after a gap.",
		}),
		ReportsAppliedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sdc", Subsystem: "report", Name: "applied_total",
			Help: "Total number of reports applied to the consumer MDIB mirror.",
		}),
		DiscoveryKnownPeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sdc", Subsystem: "discovery", Name: "known_peers",
			Help: "Current number of remote services known to the WS-Discovery engine.",
		}),
		OperationInvocationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdc", Subsystem: "dispatch", Name: "operation_invocations_total",
			Help: "Total number of operation invocations by final InvocationState.",
		}, []string{"invocation_state"}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
