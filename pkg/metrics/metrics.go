package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatcher metrics
	DispatcherTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "condo_dispatcher_transitions_total",
			Help: "Total number of dispatcher transitions by source state, target state and event",
		},
		[]string{"from", "to", "event"},
	)

	DispatcherState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "condo_dispatcher_state",
			Help: "Current dispatcher state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	DispatcherDroppedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "condo_dispatcher_dropped_events_total",
			Help: "Total number of events the dispatcher dropped by reason",
		},
		[]string{"reason"},
	)

	DispatcherQueuedSpecs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "condo_dispatcher_queued_specs_total",
			Help: "Total number of descriptors parked while a candidate was in flight",
		},
	)

	// Deploy metrics
	DeploysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "condo_deploys_total",
			Help: "Total number of deploys by result (started, stable, failed, stopped)",
		},
		[]string{"result"},
	)

	HealthWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "condo_health_wait_duration_seconds",
			Help:    "Time from deploy start to health verdict in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"verdict"},
	)

	ImagePullDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "condo_image_pull_duration_seconds",
			Help:    "Image pull duration in seconds",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	// Watch metrics
	WatchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "condo_watch_requests_total",
			Help: "Total number of long-poll watch requests by outcome (changed, unchanged, error)",
		},
		[]string{"outcome"},
	)

	SpecDecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "condo_spec_decode_errors_total",
			Help: "Total number of descriptor payloads rejected by the decoder",
		},
	)
)

func init() {
	prometheus.MustRegister(DispatcherTransitions)
	prometheus.MustRegister(DispatcherState)
	prometheus.MustRegister(DispatcherDroppedEvents)
	prometheus.MustRegister(DispatcherQueuedSpecs)
	prometheus.MustRegister(DeploysTotal)
	prometheus.MustRegister(HealthWaitDuration)
	prometheus.MustRegister(ImagePullDuration)
	prometheus.MustRegister(WatchRequests)
	prometheus.MustRegister(SpecDecodeErrors)
}

// SetState marks state as the active dispatcher state among all
func SetState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		DispatcherState.WithLabelValues(s).Set(v)
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
