package infrastructure

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/juanbautista0/federation-gateway/internal/domain"
)

// MetricsStream pushes a snapshot as a server-sent event every interval.
type MetricsStream struct {
	source   domain.Observability
	interval time.Duration
}

type streamEvent struct {
	Timestamp time.Time               `json:"timestamp"`
	Metrics   domain.MetricsSnapshot  `json:"metrics"`
	Endpoints []domain.EndpointReport `json:"endpoints"`
}

func NewMetricsStream(source domain.Observability, interval time.Duration) *MetricsStream {
	if interval <= 0 {
		interval = time.Second
	}
	return &MetricsStream{source: source, interval: interval}
}

func (s *MetricsStream) collect() streamEvent {
	return streamEvent{
		Timestamp: time.Now(),
		Metrics:   s.source.MetricsSnapshot(0),
		Endpoints: s.source.EndpointReports(),
	}
}

func (s *MetricsStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Primer evento inmediato
	if !s.send(w, flusher) {
		return
	}
	for {
		select {
		case <-ticker.C:
			if !s.send(w, flusher) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *MetricsStream) send(w http.ResponseWriter, flusher http.Flusher) bool {
	data, err := json.Marshal(s.collect())
	if err != nil {
		return true
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	w.Write(data)
	w.Write([]byte("\n\n"))
	flusher.Flush()
	return true
}
