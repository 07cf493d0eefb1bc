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
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/arunika/voiceagent/adapters"
	"github.com/satriahrh/arunika/voiceagent/adapters/nats"
	"github.com/satriahrh/arunika/voiceagent/adapters/portaudio"
	"github.com/satriahrh/arunika/voiceagent/adapters/virtual"
	"github.com/satriahrh/arunika/voiceagent/domain/repositories"
	"github.com/satriahrh/arunika/voiceagent/internal/api"
	"github.com/satriahrh/arunika/voiceagent/internal/audio"
	"github.com/satriahrh/arunika/voiceagent/internal/auth"
	"github.com/satriahrh/arunika/voiceagent/internal/config"
	"github.com/satriahrh/arunika/voiceagent/internal/metrics"
	"github.com/satriahrh/arunika/voiceagent/internal/session"
	"github.com/satriahrh/arunika/voiceagent/internal/websocket"
	"github.com/satriahrh/arunika/voiceagent/usecase"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath, envFile string
	flag.StringVar(&configPath, "config", "", "Path to YAML configuration file")
	flag.StringVar(&envFile, "env", ".env", "Path to .env file")
	flag.Parse()

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Telemetry.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Voice agent exited with error", zap.Error(err))
	}
	logger.Info("Voice agent exited")
}

func newLogger(level string) (*zap.Logger, error) {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = atomicLevel
	return zapConfig.Build()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	collector := metrics.NewCollector("voice", logger)

	// Initialize event sinks
	hub := websocket.NewHub(logger, websocket.WithOriginPolicy(websocket.NewOriginPolicy(cfg.HTTP.AllowedOrigins...)))
	sinks := []repositories.EventSink{hub}
	var checks []api.HealthCheck
	if cfg.Bus.Enabled {
		publisher, err := nats.Connect(ctx, cfg.Bus, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
		checks = append(checks, api.HealthCheck{Name: "bus", Healthy: publisher.Healthy})
	}

	// Initialize audio devices
	var (
		capture repositories.CaptureDevice
		speaker repositories.PlaybackOpener
	)
	if cfg.Audio.Enabled {
		device := portaudio.NewDevice(logger)
		capture, speaker = device, device
	} else {
		logger.Info("Audio devices disabled, using virtual devices")
		device := virtual.NewDevice(logger)
		capture, speaker = device, device
	}

	// Initialize usecase services
	service := usecase.NewVoiceService(
		usecase.VoiceConfig{
			Session: session.Config{
				URL:               cfg.Pipeline.URL,
				CaptureSampleRate: cfg.Audio.CaptureSampleRate,
				TargetSampleRate:  cfg.Audio.TargetSampleRate,
				FrameSize:         cfg.Audio.FrameSize,
				ConnectTimeout:    cfg.Pipeline.ConnectTimeout(),
			},
			PlaybackSampleRate:  cfg.Audio.PlaybackSampleRate,
			DiagnosticsCapacity: cfg.Diagnostics.Capacity,
		},
		websocket.NewDialer(logger),
		capture,
		speaker,
		audio.NewContainerDecoder(),
		usecase.NewMultiSink(sinks...),
		adapters.NewMemorySessionHistory(adapters.DefaultHistoryCapacity),
		collector,
		logger,
	)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	controlAuth := auth.NewControlAuth(cfg.Auth.ControlSecret)
	if !controlAuth.Enabled() {
		logger.Warn("Control API authentication disabled")
	}
	api.InitRoutes(e, hub, service, collector, controlAuth, logger, checks...)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("Voice agent started",
			zap.String("addr", cfg.HTTP.Addr()),
			zap.String("pipeline", cfg.Pipeline.URL),
			zap.Bool("audio", cfg.Audio.Enabled))
		if err := e.Start(cfg.HTTP.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Voice agent is shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Voice session did not stop in time", zap.Error(err))
		}
		return e.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
