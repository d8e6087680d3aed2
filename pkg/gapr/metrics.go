package gapr

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	exchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gapr_exchanges_total",
			Help: "Total number of request/reply exchanges served",
		},
		[]string{"command", "status"},
	)

	exchangeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gapr_exchange_duration_seconds",
			Help:    "Exchange duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command", "status"},
	)

	exchangesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gapr_exchanges_in_flight",
			Help: "Current number of exchanges being served",
		},
	)

	replyBodySize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gapr_reply_body_bytes",
			Help:    "Reply body size in bytes",
			Buckets: []float64{0, 1 << 10, 1 << 14, 1 << 17, 1 << 20, 1 << 24},
		},
		[]string{"command"},
	)

	connectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gapr_connections_total",
			Help: "Accepted connections by negotiated protocol",
		},
		[]string{"proto"},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gapr_connections_active",
			Help: "Open gapr sessions",
		},
	)

	clientExchanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gapr_client_exchanges_total",
			Help: "Exchanges run by clients",
		},
		[]string{"command", "status"},
	)

	clientDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gapr_client_exchange_duration_seconds",
			Help:    "Client exchange duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	handshakeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gapr_handshake_failures_total",
			Help: "TLS handshakes that failed or timed out",
		},
	)
)

// PrometheusConfig selects the commands Prometheus leaves uncounted.
type PrometheusConfig struct {
	// SkipCommands lists normalized commands to leave out
	SkipCommands []string
}

// DefaultPrometheusConfig counts every command.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{}
}

// Prometheus counts exchanges by route and status and observes their
// duration and reply body size.
func Prometheus() Middleware {
	return PrometheusWithConfig(DefaultPrometheusConfig())
}

// PrometheusWithConfig is Prometheus with an explicit PrometheusConfig.
func PrometheusWithConfig(config PrometheusConfig) Middleware {
	skip := make(map[string]bool, len(config.SkipCommands))
	for _, cmd := range config.SkipCommands {
		skip[CommandName(cmd)] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skip[ctx.Command()] {
				return next.ServeGapr(ctx)
			}

			start := time.Now()
			exchangesInFlight.Inc()
			defer exchangesInFlight.Dec()

			err := next.ServeGapr(ctx)

			status := ctx.Status()
			if status == "" {
				status = "none"
			}
			command := ctx.Route()
			exchangesTotal.WithLabelValues(command, status).Inc()
			exchangeDuration.WithLabelValues(command, status).Observe(time.Since(start).Seconds())
			replyBodySize.WithLabelValues(command).Observe(float64(ctx.Written()))
			return err
		})
	}
}
