package hub

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "axhub_sessions", Help: "Currently connected bridge sessions"},
	)
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "axhub_requests_total", Help: "Request frames handled, by method and outcome"},
		[]string{"method", "success"},
	)
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "axhub_events_published_total", Help: "Event frames published to sessions"},
		[]string{"event"},
	)
)

// RegisterMetrics registers the hub metrics with reg. Call once per
// process; the collectors are package-global.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(sessionsGauge, requestsTotal, eventsPublished)
}
