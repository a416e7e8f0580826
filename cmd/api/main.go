package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/presence/internal/api"
	"github.com/your-org/presence/internal/api/handlers"
	"github.com/your-org/presence/internal/api/ws"
	"github.com/your-org/presence/internal/app"
	"github.com/your-org/presence/internal/config"
	"github.com/your-org/presence/internal/jobs"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/queue"
	"github.com/your-org/presence/internal/recognition"
	"github.com/your-org/presence/internal/vision/loader"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting presence API service", "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core, err := app.NewCore(ctx, cfg, loader.NewVision)
	if err != nil {
		slog.Error("init core", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	if cfg.Cache.HydrateOnStart {
		if err := app.HydrateAll(ctx, core.Cache, core.DB); err != nil {
			slog.Warn("startup hydration", "error", err)
		}
	}
	persisted := make(chan struct{})
	go func() {
		defer close(persisted)
		core.Cache.RunPersistLoop(ctx, cfg.Cache.PersistPath, cfg.Cache.PersistInterval)
	}()

	// WebSocket hub
	hub := ws.NewHub()
	go hub.Run(ctx)

	checks := map[string]handlers.Checker{
		"postgres": core.DB.Ping,
		"minio":    core.MinIO.Ping,
	}

	// NATS is optional for the API: without it events go straight to the hub
	// and the asynchronous capture endpoint is disabled.
	var (
		events    recognition.EventPublisher = hub
		publisher handlers.CapturePublisher
	)
	if cfg.NATS.URL != "" {
		producer, err := queue.NewProducer(cfg.NATS.URL)
		if err != nil {
			slog.Error("connect to nats", "error", err)
			os.Exit(1)
		}
		defer producer.Close()

		if err := producer.EnsureStreams(ctx); err != nil {
			slog.Warn("ensure nats streams", "error", err)
		}
		events, publisher = producer, producer
		checks["nats"] = func(context.Context) error { return producer.Ping() }
		go producer.RunDepthMonitor(ctx, 10*time.Second)

		// Start event consumer to broadcast events via WebSocket
		consumer, err := queue.NewConsumer(cfg.NATS.URL)
		if err != nil {
			slog.Error("create event consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		err = consumer.ConsumeEvents(ctx, "api-events", func(ctx context.Context, msg jetstream.Msg) error {
			ev, err := queue.DecodeEvent(msg.Data())
			if err != nil {
				return err
			}
			hub.BroadcastEvent(ev)
			return nil
		})
		if err != nil {
			slog.Warn("start event consumer", "error", err)
		}
	}

	svc := core.Recognition(events)

	tracker := jobs.NewTracker(jobs.Deps{
		Population: core.DB,
		Images:     core.MinIO,
		Generator:  core.Vision,
		Store:      core.DB,
		Cache:      core.Cache,
	}, jobs.Config{
		Concurrency: cfg.Jobs.Concurrency,
		Retention:   cfg.Jobs.Retention,
	})
	defer tracker.Close()

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.RouterConfig{
		APIKey:     cfg.Server.APIKey,
		Hub:        hub,
		Enroller:   svc,
		Recognizer: svc,
		Identities: core.DB,
		Images:     core.MinIO,
		Captures:   core.MinIO,
		Publisher:  publisher,
		Jobs:       tracker,
		Cache:      core.Cache,
		Marker:     core.Attendance,
		Roster:     core.DB,
		Activity:   core.DB,
		Settings:   core.Settings,
		SettingsDB: core.DB,
		Checks:     checks,
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr, "vision_backend", core.Vision.Backend().String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	cancel()
	<-persisted

	slog.Info("API server stopped")
}
