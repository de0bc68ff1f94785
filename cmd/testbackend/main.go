// Command testbackend starts a few local HTTP servers that behave like
// remote endpoints, for trying the gateway by hand.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	portsFlag := flag.String("ports", "3001,3002,3003", "comma separated listen ports")
	latency := flag.Duration("latency", 0, "artificial latency added to every response")
	failureRate := flag.Float64("failure-rate", 0, "fraction of requests answered with 500 (0..1)")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	ports, err := parsePorts(*portsFlag)
	if err != nil {
		logger.Fatal("invalid ports", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, port := range ports {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newBackend(port, *latency, *failureRate),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("backend listening", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("backend stopped with error", zap.Error(err))
	}
	logger.Info("test backends stopped")
}

func parsePorts(s string) ([]int, error) {
	var ports []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := strconv.Atoi(part)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("bad port %q", part)
		}
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no ports given")
	}
	return ports, nil
}

func newBackend(port int, latency time.Duration, failureRate float64) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"port":      port,
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if latency > 0 {
			select {
			case <-time.After(latency):
			case <-r.Context().Done():
				return
			}
		}
		if failureRate > 0 && rand.Float64() < failureRate {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "injected failure", "port": port})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message":     fmt.Sprintf("Hello from backend %d", port),
			"port":        port,
			"path":        r.URL.Path,
			"method":      r.Method,
			"traceparent": r.Header.Get("traceparent"),
			"timestamp":   time.Now().Format(time.RFC3339),
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
