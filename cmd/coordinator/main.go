package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"

	"streamcast/internal/core/services"
	httphandler "streamcast/internal/handlers/http"
	"streamcast/internal/infrastructure/middleware"
	"streamcast/internal/infrastructure/monitoring"
	"streamcast/internal/infrastructure/repositories"
	"streamcast/internal/infrastructure/signal"
	"streamcast/pkg/config"
	"streamcast/pkg/logger"
	"streamcast/pkg/tracing"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "configs/coordinator.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	log.Infow("starting coordinator",
		"coordinator_address", cfg.Coordinator.Address,
		"signal_address", cfg.Signal.Address,
	)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "streamcast-coordinator",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	factory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to initialize repositories", "error", err)
	}
	roomRepo := factory.CreateRoomRepository()

	collector := monitoring.NewPrometheusCollector()
	stats := services.NewStatsService(collector)

	signalServer := signal.NewWebSocketServer(cfg, log, collector)
	registry := services.NewRegistryService(roomRepo, signalServer, stats, log)
	signalServer.SetRegistry(registry)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(log))
	var apiLimiter *middleware.RateLimiter
	if cfg.RateLimiting.Enabled {
		apiLimiter = middleware.NewRateLimiter(
			cfg.RateLimiting.HTTP.RequestsPerSecond,
			cfg.RateLimiting.HTTP.Burst,
			log,
		)
		router.Use(apiLimiter.Handler())
	}
	httphandler.NewRoomHandler(registry, stats, factory.HealthCheck, log).RegisterRoutes(router)

	apiServer := &http.Server{
		Addr:         cfg.Coordinator.Address,
		Handler:      router,
		ReadTimeout:  cfg.Coordinator.ReadTimeout,
		WriteTimeout: cfg.Coordinator.WriteTimeout,
	}

	var metricsServer *http.Server
	if cfg.Monitoring.PrometheusEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler: mux,
		}
	}

	errCh := make(chan error, 3)
	go func() {
		log.Infow("api server listening", "address", cfg.Coordinator.Address)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		if err := signalServer.Run(); err != nil {
			errCh <- fmt.Errorf("signal server: %w", err)
		}
	}()
	if metricsServer != nil {
		go func() {
			log.Infow("metrics server listening", "address", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	ossignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Infow("shutting down", "signal", sig.String())
	case err := <-errCh:
		log.Errorw("server failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Coordinator.ShutdownTimeout)
	defer cancel()

	if err := signalServer.Shutdown(ctx); err != nil {
		log.Warnw("signal server shutdown failed", "error", err)
	}
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Warnw("api server shutdown failed", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Warnw("metrics server shutdown failed", "error", err)
		}
	}
	if apiLimiter != nil {
		apiLimiter.Stop()
	}
	if err := factory.Close(); err != nil {
		log.Warnw("repository shutdown failed", "error", err)
	}
	if err := tp.Shutdown(ctx); err != nil {
		log.Warnw("tracing shutdown failed", "error", err)
	}

	log.Info("coordinator stopped")
}
