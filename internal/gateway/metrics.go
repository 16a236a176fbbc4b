package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for outbound requests
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragchat_gateway_requests_total",
				Help: "Total number of backend requests by route and outcome",
			},
			[]string{"route", "outcome"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ragchat_gateway_request_duration_seconds",
				Help:    "Duration of backend requests in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"route"},
		),
	}
}

func (m *Metrics) observe(req Request, gwErr *Error, d time.Duration) {
	if m == nil {
		return
	}
	route := req.Route
	if route == "" {
		route = req.Endpoint
	}
	outcome := "ok"
	if gwErr != nil {
		outcome = string(gwErr.Kind)
	}
	m.RequestsTotal.WithLabelValues(route, outcome).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}
