package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"
	"meshcall/internal/infrastructure/monitoring"
	"meshcall/internal/infrastructure/repositories"
	meshrtc "meshcall/internal/infrastructure/webrtc"
	"meshcall/pkg/config"
	"meshcall/pkg/logger"
	"meshcall/pkg/tracing"
	"meshcall/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
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

	if cfg.Participant.RoomID == "" {
		log.Fatal("participant.room_id (or MESHCALL_ROOM_ID) is required")
	}
	if cfg.Participant.ID == "" {
		cfg.Participant.ID = utils.NewParticipantID()
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "meshcall",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := repositories.NewBackend(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to open backend", "backend", cfg.Backend.Type, "error", err)
	}
	defer backend.Close()

	transport, err := meshrtc.NewPionTransport(meshrtc.TransportConfigFrom(cfg), log)
	if err != nil {
		log.Fatalw("failed to create peer transport", "error", err)
	}
	capturer := meshrtc.NewSyntheticCapturer(cfg.Participant.ID, cfg.Participant.ShareFor, log)

	reg := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(reg)
	collector.RegisterTransport(transport)
	if cfg.Monitoring.PrometheusEnabled {
		go serveMetrics(ctx, cfg.Monitoring.MetricsAddress, reg, log)
	}

	call, err := services.NewCallSession(services.CallConfig{
		ParticipantID: domain.ParticipantID(cfg.Participant.ID),
		DisplayName:   cfg.Participant.DisplayName,
		Mesh: services.MeshConfig{
			NegotiationTimeout: cfg.Call.NegotiationTimeout,
			NegotiationRetries: cfg.Call.NegotiationRetries,
			FlushTimeout:       cfg.Call.FlushTimeout,
		},
		TileBuffer: cfg.Call.TileBuffer,
	}, backend, transport, capturer, collector, log)
	if err != nil {
		log.Fatalw("invalid participant", "error", err)
	}

	tiles, unsubscribe := call.Subscribe()
	defer unsubscribe()
	go logTiles(tiles, log)

	room := domain.RoomID(cfg.Participant.RoomID)
	if err := call.Join(ctx, room); err != nil {
		log.Fatalw("failed to join call", "room_id", room, "error", err)
	}
	log.Infow("joined call", "room_id", room, "participant_id", cfg.Participant.ID)

	if cfg.Participant.ShareAfter > 0 {
		go shareScreenAfter(ctx, call, cfg.Participant.ShareAfter, log)
	}

	<-ctx.Done()
	log.Info("leaving call")

	leaveCtx, cancel := context.WithTimeout(context.Background(), cfg.Call.FlushTimeout+5*time.Second)
	defer cancel()
	if err := call.Leave(leaveCtx); err != nil {
		log.Errorw("failed to leave call cleanly", "error", err)
	}
	if err := tp.Shutdown(leaveCtx); err != nil {
		log.Errorw("error shutting down tracer provider", "error", err)
	}
	log.Info("meshcall stopped")
}

func logTiles(tiles <-chan domain.TileEvent, log *zap.SugaredLogger) {
	for ev := range tiles {
		log.Infow("tile "+string(ev.Type),
			"participant_id", ev.ParticipantID,
			"label", ev.Label,
			"local", ev.Local,
			"kind", ev.TrackKind,
		)
	}
}

func shareScreenAfter(ctx context.Context, call services.CallSession, delay time.Duration, log *zap.SugaredLogger) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}
	sharing, err := call.ToggleScreenShare(ctx)
	if err != nil {
		log.Warnw("screen share failed", "error", err)
		return
	}
	log.Infow("screen share toggled", "sharing", sharing)
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infow("serving metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorw("metrics server failed", "error", err)
	}
}
