// Package server is the HTTP front of the speech service.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/arbiter"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/device"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/synth"
)

const (
	serviceName  = "KaniTTS Argentinian Spanish TTS API"
	maxBodyBytes = 1 << 20
)

type Synthesizer interface {
	SynthesizeRaw(ctx context.Context, raw synth.RawRequest) (*synth.Result, error)
	DefaultSpeaker() string
}

type StatusProvider interface {
	Status() arbiter.State
}

type Options struct {
	Addr            string
	Version         string
	BaseModel       string
	Checkpoint      string
	GPU             device.GPU
	ShutdownTimeout time.Duration
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

type Server struct {
	synth   Synthesizer
	status  StatusProvider
	opts    Options
	log     zerolog.Logger
	handler http.Handler
}

func New(s Synthesizer, status StatusProvider, opts Options, log zerolog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	srv := &Server{
		synth:  s,
		status: status,
		opts:   opts,
		log:    log.With().Str("component", "http").Logger(),
	}
	srv.handler = srv.routes()
	return srv
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Sample-Rate", "X-Channels", "X-Bit-Depth"},
		AllowCredentials: true,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Post("/generate", s.handleGenerate)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", s.handleModels)
		r.Post("/audio/speech", s.handleSpeech)
	})

	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	return r
}

// ListenAndServe serves until ctx is done, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.log.Info().Str("addr", s.opts.Addr).Msg("HTTP server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("HTTP server stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
