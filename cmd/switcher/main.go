package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stream-switcher/internal/platform/config"
	"stream-switcher/internal/platform/logger"
	"stream-switcher/internal/platform/metrics"
	"stream-switcher/internal/preview"
	"stream-switcher/internal/switcher"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

// Exit codes form the operator contract: clean shutdown, fatal pipeline
// failure after exhausting retries, fatal configuration error.
const (
	exitOK       = 0
	exitPipeline = 1
	exitConfig   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = config.Load()

	configPath := config.GetEnv("CONFIG_FILE", "config.yaml")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	previewPort := config.GetEnv("PREVIEW_PORT", "8080")

	log := logger.New(logLevel, logFormat)

	file, err := config.LoadFile(configPath)
	if err != nil {
		log.Error("configuration error", slog.String("path", configPath), slog.Any("error", err))
		return exitConfig
	}
	// The stream key is a secret; the env wins over the config file.
	if key := config.GetEnv("RTMP_STREAM_KEY", ""); key != "" {
		file.Stream.StreamKey = key
	}
	if err := file.Validate(); err != nil {
		log.Error("configuration error", slog.Any("error", err))
		return exitConfig
	}

	cfg := file.StreamConfig()
	registry, err := switcher.NewRegistry(file.CameraList())
	if err != nil {
		log.Error("configuration error", slog.Any("error", err))
		return exitConfig
	}

	ws, err := switcher.NewWorkspace(cfg.OutputMode)
	if err != nil {
		log.Error("workspace setup failed", slog.Any("error", err))
		return exitPipeline
	}
	defer ws.Close()

	sink, err := switcher.NewSink(cfg, ws.HLSDir)
	if err != nil {
		log.Error("configuration error", slog.Any("error", err))
		return exitConfig
	}

	met := metrics.New()
	scheduler := switcher.NewRotationScheduler(registry, cfg.SkipTTL)
	resolver := switcher.NewCommandResolver(cfg.ResolverBinary, cfg.ResolverTimeout)
	launcher := &switcher.ExecLauncher{Log: log, StopGrace: cfg.StopGrace}
	supervisor := switcher.NewSupervisor(cfg, scheduler, resolver, launcher, sink, ws.FIFOPath, log, met)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OutputMode == switcher.OutputPreview {
		h := preview.NewHandler(ws.HLSDir, supervisor, log)

		r := chi.NewRouter()
		r.Use(logger.RequestLogger(log))
		r.Use(metrics.RequestMiddleware(met))
		r.Get("/", h.Index)
		r.Get("/stream/{file}", h.StreamFile)
		r.Get("/status", h.Status)
		r.Get("/metrics", met.Handler(nil).ServeHTTP)

		srv := &http.Server{Addr: ":" + previewPort, Handler: r}
		go func() {
			// Preview failures are non-fatal: no remote viewer depends on it.
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("preview server error", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		log.Info("preview server started", slog.String("addr", "http://localhost:"+previewPort))
	}

	log.Info("stream switcher starting",
		slog.Int("cameras", registry.Len()),
		slog.Duration("switch_interval", cfg.SwitchInterval),
		slog.String("output", string(cfg.OutputMode)),
		slog.String("sink", sink.Target()),
	)

	err = supervisor.Run(ctx)
	switch {
	case err == nil:
		log.Info("stream switcher stopped")
		return exitOK
	case errors.Is(err, switcher.ErrSinkFailure):
		log.Error("output sink failure", slog.Any("error", err))
		return exitPipeline
	case errors.Is(err, switcher.ErrPipelineExhausted):
		log.Error("pipeline failed after exhausting retries", slog.Any("error", err))
		return exitPipeline
	default:
		log.Error("pipeline stopped with error", slog.Any("error", err))
		return exitPipeline
	}
}
