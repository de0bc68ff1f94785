package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/juanbautista0/federation-gateway/internal/application"
	"github.com/juanbautista0/federation-gateway/internal/domain"
	"github.com/juanbautista0/federation-gateway/internal/infrastructure"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", envOr(infrastructure.EnvConfigPath, "config.yaml"), "bootstrap configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "federation-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	bootstrap, err := infrastructure.LoadBootstrap(configPath)
	if err != nil {
		return err
	}

	logger, err := infrastructure.NewLogger(bootstrap.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(bootstrap.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	prom := infrastructure.NewPrometheusCollector("federation")
	federation := application.NewFederationService(store, application.FederationOptions{
		Seed:       bootstrap.Federation,
		Watch:      bootstrap.Storage.Driver == "redis" || bootstrap.Storage.File.Watch,
		Prometheus: prom,
	}, logger)

	if err := federation.Start(ctx); err != nil {
		return err
	}

	serverCfg := func(addr string) infrastructure.HTTPServerConfig {
		return infrastructure.HTTPServerConfig{
			Addr:            addr,
			ReadTimeout:     bootstrap.Server.ReadTimeout,
			WriteTimeout:    bootstrap.Server.WriteTimeout,
			ShutdownTimeout: bootstrap.Server.ShutdownTimeout,
		}
	}

	common := []infrastructure.Middleware{
		infrastructure.Recovery(logger),
		infrastructure.RequestID(),
	}

	proxyHandler := infrastructure.Chain(federation.Proxy(), append(common, infrastructure.RequestLogger(logger))...)
	adminHandler := infrastructure.Chain(
		infrastructure.NewConfigAPI(federation, logger),
		append(common,
			infrastructure.RequestLogger(logger),
			infrastructure.RateLimiter(ctx, bootstrap.Admin.RateLimit, bootstrap.Admin.Burst, logger),
			infrastructure.APIKeyAuth(bootstrap.Admin.APIKeys),
		)...,
	)
	// El servidor de métricas no registra cada request
	metricsHandler := infrastructure.Chain(
		infrastructure.NewMetricsServer(federation, prom.Handler(), logger).Handler(),
		common...,
	)

	if len(bootstrap.Admin.APIKeys) == 0 {
		logger.Warn("admin API has no api_keys configured and is unauthenticated")
	}

	servers := []*infrastructure.HTTPServer{
		infrastructure.NewHTTPServer("proxy", proxyHandler, serverCfg(bootstrap.Server.ProxyAddr), logger),
		infrastructure.NewHTTPServer("admin", adminHandler, serverCfg(bootstrap.Server.AdminAddr), logger),
		infrastructure.NewHTTPServer("metrics", metricsHandler, serverCfg(bootstrap.Server.MetricsAddr), logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error { return srv.Run(gctx) })
	}

	logger.Info("federation gateway started",
		zap.String("proxy_addr", bootstrap.Server.ProxyAddr),
		zap.String("admin_addr", bootstrap.Server.AdminAddr),
		zap.String("metrics_addr", bootstrap.Server.MetricsAddr),
		zap.String("storage", bootstrap.Storage.Driver),
	)

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), bootstrap.Server.ShutdownTimeout)
	defer cancel()
	if err := federation.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown did not complete", zap.Error(err))
	}
	logger.Info("federation gateway stopped")

	if runErr != nil && !errors.Is(runErr, http.ErrServerClosed) {
		return runErr
	}
	return nil
}

func openStore(cfg domain.StorageConfig, logger *zap.Logger) (domain.ConfigStore, func(), error) {
	switch cfg.Driver {
	case "redis":
		store, err := infrastructure.NewRedisConfigStore(cfg.Redis, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case "file":
		return infrastructure.NewFileConfigStore(cfg.File.Path, logger), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
