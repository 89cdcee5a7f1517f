package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/arbiter"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/bus"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/config"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/device"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/engine"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/server"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/synth"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/telemetry"

	_ "github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/backends/kani"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "1.0.0"

func main() {
	fmt.Fprintf(os.Stderr, "kanitts %s\n", Version)

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.LoadAndParse(os.Args[1:], os.Stderr)
	if errors.Is(err, config.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse configuration")
	}

	if err := setupLogging(cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to setup logging")
	}

	if !engine.IsRegistered(cfg.Backend) {
		log.Fatal().
			Str("backend", cfg.Backend).
			Strs("registered", engine.ListBackends()).
			Msg("Unknown backend")
	}

	log.Info().
		Str("base_model", cfg.BaseModel).
		Str("checkpoint", cfg.Checkpoint).
		Str("speaker", cfg.Speaker).
		Str("backend", cfg.Backend).
		Int("gpu", cfg.GPU).
		Msg("Starting KaniTTS Argentinian Spanish TTS API")

	if cfg.GPU >= 0 {
		os.Setenv("CUDA_VISIBLE_DEVICES", strconv.Itoa(cfg.GPU))
	}
	gpu := device.Probe(cfg.GPU)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, metricsHandler, err := telemetry.Setup(ctx, cfg.Telemetry, Version, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to setup telemetry")
	}

	arb := arbiter.New(arbiter.Options{AdmissionTimeout: cfg.AdmissionTimeout}, log.Logger)
	pipeline, err := synth.NewPipeline(arb, cfg.Speaker, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create synthesis pipeline")
	}

	// The HTTP front comes up while the model is still loading; requests
	// queue until it is ready or fail once loading failed.
	go func() {
		err := arb.Load(func() (*engine.Backend, error) {
			return engine.New(cfg.Backend, buildEngineConfig(cfg, gpu))
		})
		if err != nil {
			log.Error().Err(err).Msg("Model failed to load, speech requests will be rejected")
		}
	}()

	var worker *natsWorker
	if cfg.NATS.Enabled {
		worker, err = startWorker(cfg, pipeline)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start NATS worker")
		}
	}

	srv := server.New(pipeline, arb, server.Options{
		Addr:            cfg.Addr(),
		Version:         Version,
		BaseModel:       cfg.BaseModel,
		Checkpoint:      cfg.Checkpoint,
		GPU:             gpu,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Metrics:         metricsHandler,
	}, log.Logger)

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server failed")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if worker != nil {
		worker.stop(shutdownCtx)
	}
	if err := arb.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to release model")
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush telemetry")
	}
	log.Info().Msg("Shutdown complete")
}

type natsWorker struct {
	*bus.Worker
	nc       *nats.Conn
	embedded *bus.EmbeddedServer
}

func (w *natsWorker) stop(ctx context.Context) {
	w.Stop(ctx)
	w.nc.Close()
	w.embedded.Shutdown()
}

func startWorker(cfg *config.Config, s bus.Synthesizer) (*natsWorker, error) {
	url := cfg.NATS.URL

	var embedded *bus.EmbeddedServer
	if cfg.NATS.Embedded {
		var err error
		embedded, err = bus.StartEmbedded(cfg.NATS.Port, log.Logger)
		if err != nil {
			return nil, err
		}
		url = embedded.ClientURL()
	}

	nc, err := bus.Connect(url, log.Logger)
	if err != nil {
		embedded.Shutdown()
		return nil, err
	}

	w := bus.NewWorker(nc, s, bus.Options{
		Subject:        cfg.NATS.Subject,
		Queue:          cfg.NATS.Queue,
		RequestTimeout: cfg.NATS.RequestTimeout,
	}, log.Logger)
	if err := w.Start(); err != nil {
		nc.Close()
		embedded.Shutdown()
		return nil, err
	}
	return &natsWorker{Worker: w, nc: nc, embedded: embedded}, nil
}

func buildEngineConfig(cfg *config.Config, probed device.GPU) engine.Config {
	// CUDA_VISIBLE_DEVICES narrows the process to the chosen card, which
	// the runtime then sees as device 0.
	gpu := -1
	if cfg.GPU >= 0 {
		if probed.Available {
			gpu = 0
		} else {
			log.Warn().Int("gpu", cfg.GPU).Msg("No NVIDIA GPU found, running on CPU")
		}
	}

	return engine.Config{
		ModelDir:   cfg.ModelDir,
		BaseModel:  cfg.BaseModel,
		Checkpoint: cfg.Checkpoint,
		GPU:        gpu,
		Seed:       cfg.Seed,
		Logger:     log.Logger,
	}
}

func setupLogging(cfg *config.Config) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		log.Logger = zerolog.New(f).With().Timestamp().Logger()
	}

	return nil
}
