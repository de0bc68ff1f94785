package infrastructure

import (
	"net/http"
	"time"

	"github.com/juanbautista0/federation-gateway/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector exports proxy, breaker and probe metrics on its own
// registry so several gateways can coexist in one test binary.
type PrometheusCollector struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activeConnections *prometheus.GaugeVec
	circuitState      *prometheus.GaugeVec
	circuitRejections *prometheus.CounterVec
	healthStatus      *prometheus.GaugeVec
	healthLatency     *prometheus.GaugeVec
}

func NewPrometheusCollector(namespace string) *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_requests_total",
				Help:      "Forwarded calls by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"}, // outcome: success, failure, rejected, no_endpoint
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "proxy_request_duration_seconds",
				Help:      "Forwarded call latency in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"endpoint"},
		),
		activeConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "endpoint_active_connections",
				Help:      "In-flight forwarded calls per endpoint",
			},
			[]string{"endpoint"},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Breaker state per endpoint: 0 closed, 1 half_open, 2 open",
			},
			[]string{"endpoint"},
		),
		circuitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_rejections_total",
				Help:      "Calls refused by an open breaker",
			},
			[]string{"endpoint"},
		),
		healthStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "endpoint_healthy",
				Help:      "1 when the last probe reported healthy, 0 otherwise",
			},
			[]string{"endpoint", "status"},
		),
		healthLatency: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "endpoint_probe_latency_seconds",
				Help:      "Latency of the last health probe",
			},
			[]string{"endpoint"},
		),
	}
}

func (c *PrometheusCollector) Registry() *prometheus.Registry { return c.registry }

func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *PrometheusCollector) ObserveCall(endpointID string, success bool, elapsed time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.requestsTotal.WithLabelValues(endpointID, outcome).Inc()
	c.requestDuration.WithLabelValues(endpointID).Observe(elapsed.Seconds())
}

func (c *PrometheusCollector) ObserveRejection(endpointID string) {
	c.requestsTotal.WithLabelValues(endpointID, "rejected").Inc()
	c.circuitRejections.WithLabelValues(endpointID).Inc()
}

func (c *PrometheusCollector) ObserveNoEndpoint() {
	c.requestsTotal.WithLabelValues("", "no_endpoint").Inc()
}

func (c *PrometheusCollector) SetActiveConnections(endpointID string, current int64) {
	c.activeConnections.WithLabelValues(endpointID).Set(float64(current))
}

func (c *PrometheusCollector) SetCircuitState(endpointID string, _, to domain.CircuitState) {
	v := 0.0
	switch to {
	case domain.CircuitHalfOpen:
		v = 1
	case domain.CircuitOpen:
		v = 2
	}
	c.circuitState.WithLabelValues(endpointID).Set(v)
}

func (c *PrometheusCollector) SetHealth(status domain.HealthStatus) {
	c.healthStatus.DeletePartialMatch(prometheus.Labels{"endpoint": status.EndpointID})
	v := 0.0
	if status.Status == domain.Healthy {
		v = 1
	}
	c.healthStatus.WithLabelValues(status.EndpointID, string(status.Status)).Set(v)
	c.healthLatency.WithLabelValues(status.EndpointID).Set(status.ResponseTimeMs / 1000)
}

// ForgetEndpoint drops every series of a removed endpoint.
func (c *PrometheusCollector) ForgetEndpoint(endpointID string) {
	labels := prometheus.Labels{"endpoint": endpointID}
	c.requestsTotal.DeletePartialMatch(labels)
	c.requestDuration.DeletePartialMatch(labels)
	c.activeConnections.DeletePartialMatch(labels)
	c.circuitState.DeletePartialMatch(labels)
	c.circuitRejections.DeletePartialMatch(labels)
	c.healthStatus.DeletePartialMatch(labels)
	c.healthLatency.DeletePartialMatch(labels)
}
