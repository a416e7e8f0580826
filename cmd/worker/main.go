package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/presence/internal/app"
	"github.com/your-org/presence/internal/config"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/queue"
	"github.com/your-org/presence/internal/vision/loader"
	"github.com/your-org/presence/internal/worker"
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

	slog.Info("starting presence recognition worker",
		"workers", cfg.Vision.WorkerCount,
		"cpu_cores", runtime.NumCPU(),
	)

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
	// enrollments happen in the API process; refresh to pick them up
	refresh := cfg.Cache.RefreshInterval
	if refresh <= 0 {
		refresh = time.Minute
	}
	go app.RunRefreshLoop(ctx, core.Cache, refresh)

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	svc := core.Recognition(producer)
	h := worker.NewCaptureHandler(core.MinIO, svc)

	// Create NATS consumer
	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	// Start consuming capture tasks
	err = consumer.ConsumeCaptures(ctx, "recognition-workers", func(ctx context.Context, msg jetstream.Msg) error {
		return h.Handle(ctx, msg.Data())
	}, cfg.Vision.WorkerCount)
	if err != nil {
		slog.Error("start capture consumer", "error", err)
		os.Exit(1)
	}

	// Metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.MetricsPort), Handler: mux}
	go func() {
		slog.Info("worker metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	// Periodically report queue depth
	go producer.RunDepthMonitor(ctx, 10*time.Second)

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	slog.Info("worker stopped")
}
