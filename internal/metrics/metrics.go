// Package metrics holds the process-wide Prometheus collectors shared
// by the control and runtime commands.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var RunEventsAppendedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "openagents",
		Subsystem: "authority",
		Name:      "run_events_appended_total",
		Help:      "Total run events appended, by event_type.",
	},
	[]string{"event_type"},
)

var SettlementsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "openagents",
		Subsystem: "treasury",
		Name:      "settlements_total",
		Help:      "Total sandbox-run settlements, by outcome status.",
	},
	[]string{"status"},
)

var DispatchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "openagents",
		Subsystem: "marketplace",
		Name:      "dispatch_total",
		Help:      "Total compute dispatch attempts, by owner.",
	},
	[]string{"owner"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "openagents",
		Subsystem: "gateway",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP handler duration in seconds, by route.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	},
	[]string{"route"},
)

func init() {
	prometheus.MustRegister(RunEventsAppendedTotal, SettlementsTotal, DispatchTotal, HTTPRequestDuration)
}
