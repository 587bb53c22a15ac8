package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Route outcomes recorded in syncgw_requests_total.
const (
	routeStart    = "start"
	routeContinue = "continue"
	routeReplay   = "replay"
	routeClaim    = "claim"
	routeReject   = "reject"
)

// Reasons recorded in syncgw_sessions_closed_total.
const (
	closeFinal    = "final"
	closeAbort    = "abort"
	closeIdle     = "idle"
	closeShutdown = "shutdown"
	closeConflict = "conflict"
	closeBackend  = "backend_gone"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	sessionsActive prometheus.Gauge
	requests       *prometheus.CounterVec
	replays        prometheus.Counter
	events         *prometheus.CounterVec
	staleEvents    prometheus.Counter
	closed         *prometheus.CounterVec
	roundTrip      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncgw",
			Name:      "sessions_active",
			Help:      "Sessions owning a backend connection.",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncgw",
			Name:      "requests_total",
			Help:      "Client requests by route and outcome.",
		}, []string{"route", "outcome"}),
		replays: f.NewCounter(prometheus.CounterOpts{
			Namespace: "syncgw",
			Name:      "replays_total",
			Help:      "Requests answered from the replay store.",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncgw",
			Name:      "backend_events_total",
			Help:      "Backend events by kind.",
		}, []string{"kind"}),
		staleEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: "syncgw",
			Name:      "backend_stale_events_total",
			Help:      "Backend events dropped because no session owns their handle.",
		}),
		closed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncgw",
			Name:      "sessions_closed_total",
			Help:      "Closed sessions by reason.",
		}, []string{"reason"}),
		roundTrip: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "syncgw",
			Name:      "round_trip_seconds",
			Help:      "Time a client request was held until the backend replied.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}
}

func (m *Metrics) request(route string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, outcome).Inc()
}
