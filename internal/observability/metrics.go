package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	LiveSessions      prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	OutboundSends     *prometheus.CounterVec
	ReconnectRetries  prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		LiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Number of sessions with an attached client.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WebhookDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
		OutboundSends: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_sends_total",
			Help:      "Outbound message sends by kind.",
		}, []string{"kind"}),
		ReconnectRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_retries_total",
			Help:      "Scheduled reconnection attempts after failures.",
		}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
