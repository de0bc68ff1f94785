package infrastructure

import (
	"net/http"
	"time"

	"github.com/juanbautista0/federation-gateway/internal/domain"
	"go.uber.org/zap"
)

// MetricsServer is the read-only observability surface.
type MetricsServer struct {
	source     domain.Observability
	prometheus http.Handler
	stream     *MetricsStream
	logger     *zap.Logger
}

type endpointsResponse struct {
	Timestamp time.Time               `json:"timestamp"`
	Endpoints []domain.EndpointReport `json:"endpoints"`
}

// NewMetricsServer wires the handlers. prom may be nil to disable the
// Prometheus exposition.
func NewMetricsServer(source domain.Observability, prom http.Handler, logger *zap.Logger) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetricsServer{
		source:     source,
		prometheus: prom,
		stream:     NewMetricsStream(source, time.Second),
		logger:     logger.With(zap.String("component", "metrics_server")),
	}
}

func (ms *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", ms.handleMetrics)
	mux.HandleFunc("GET /health/endpoints", ms.handleEndpoints)
	mux.Handle("GET /metrics/stream", ms.stream)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if ms.prometheus != nil {
		mux.Handle("GET /metrics/prometheus", ms.prometheus)
	}
	return mux
}

// handleMetrics accepts ?range=<duration> (e.g. 5m); no range covers the
// whole window.
func (ms *MetricsServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if raw := r.URL.Query().Get("range"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid range: "+raw)
			return
		}
		window = d
	}

	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, http.StatusOK, ms.source.MetricsSnapshot(window))
}

func (ms *MetricsServer) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, http.StatusOK, endpointsResponse{
		Timestamp: time.Now(),
		Endpoints: ms.source.EndpointReports(),
	})
}
