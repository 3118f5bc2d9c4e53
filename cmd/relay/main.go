package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshcall/internal/core/services"
	httphandlers "meshcall/internal/handlers/http"
	"meshcall/internal/infrastructure/monitoring"
	"meshcall/internal/infrastructure/repositories"
	signalinfra "meshcall/internal/infrastructure/signal"
	"meshcall/pkg/config"
	"meshcall/pkg/logger"
	"meshcall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/meshcall/config.yaml",
	"config.yaml",
}

func loadConfig() *config.Config {
	for _, path := range configPaths {
		if cfg, err := config.Load(path); err == nil {
			return cfg
		}
	}
	return config.DefaultConfig()
}

func main() {
	cfg := loadConfig()

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "meshcall-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	backend, err := repositories.NewServerBackend(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to create backend", "error", err)
	}

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	var (
		gatherer prometheus.Gatherer
		reg      = prometheus.NewRegistry()
	)
	collector := monitoring.NewPrometheusCollector(reg)
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = reg
		log.Info("Prometheus metrics enabled")
	}

	health := monitoring.NewHealthChecker()
	health.AddBackendCheck("backend", backend, 15*time.Second, 2*time.Second)
	health.StartBackgroundChecks(ctx)

	relay := signalinfra.NewRelayServer(backend, authService, collector, signalinfra.RelayConfigFrom(cfg), log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httphandlers.NewRouter(httphandlers.RouterDeps{
		Config:   cfg,
		Backend:  backend,
		Auth:     authService,
		Relay:    relay,
		Health:   health,
		Gatherer: gatherer,
		Logger:   log,
	})

	// WriteTimeout stays unset; websocket writes carry their own deadlines.
	srv := &http.Server{
		Addr:        cfg.Relay.Address,
		Handler:     router,
		ReadTimeout: cfg.Relay.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting meshcall relay", "address", cfg.Relay.Address, "backend", cfg.Backend.Type)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	} else {
		log.Info("server shutdown gracefully")
	}

	if err := relay.Shutdown(shutdownCtx); err != nil {
		log.Warnw("relay connections did not drain", "error", err)
	}
	stop()
	if err := backend.Close(); err != nil {
		log.Errorw("error closing backend", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer provider", "error", err)
	}

	log.Info("meshcall relay stopped")
}
