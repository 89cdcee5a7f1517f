// Package synth validates synthesis requests and runs them through the shared
// inference resource: tokenize, generate, decode and encode.
package synth

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/arbiter"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/audio"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/engine"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/preprocess"
)

type Result struct {
	Audio      []byte
	MediaType  string
	Format     audio.Format
	SampleRate int
	Channels   int
	BitDepth   int
	Samples    int
	Duration   time.Duration
}

type Pipeline struct {
	arb            *arbiter.Arbiter
	defaultSpeaker string
	pre            *preprocess.Preprocessor
	tracer         trace.Tracer
	metrics        *metrics
	log            zerolog.Logger
}

func NewPipeline(arb *arbiter.Arbiter, defaultSpeaker string, log zerolog.Logger) (*Pipeline, error) {
	m, err := newMetrics(arb)
	if err != nil {
		return nil, fmt.Errorf("register synthesis metrics: %w", err)
	}
	return &Pipeline{
		arb:            arb,
		defaultSpeaker: defaultSpeaker,
		pre:            preprocess.NewPreprocessor(),
		tracer:         otel.Tracer(instrumentationName),
		metrics:        m,
		log:            log.With().Str("component", "pipeline").Logger(),
	}, nil
}

func (p *Pipeline) DefaultSpeaker() string {
	return p.defaultSpeaker
}

// SynthesizeRaw validates raw and synthesizes it. Invalid requests never
// touch the inference resource.
func (p *Pipeline) SynthesizeRaw(ctx context.Context, raw RawRequest) (*Result, error) {
	req, err := Validate(raw, p.defaultSpeaker)
	if err != nil {
		p.metrics.record(ctx, err, 0, nil)
		p.log.Debug().Str("request_id", RequestIDFrom(ctx)).Err(err).Msg("Rejected synthesis request")
		return nil, err
	}
	return p.Synthesize(ctx, req)
}

// Synthesize runs a validated request. ctx bounds only the wait for the
// resource; once generation starts it runs to completion.
func (p *Pipeline) Synthesize(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := p.tracer.Start(ctx, "synthesize", trace.WithAttributes(
		attribute.String("kanitts.speaker", req.Speaker),
		attribute.String("kanitts.format", string(req.Format)),
		attribute.Int("kanitts.text_length", len(req.Text)),
		attribute.Int("kanitts.max_new_tokens", req.MaxNewTokens),
	))
	started := time.Now()
	log := p.log.With().Str("request_id", RequestIDFrom(ctx)).Str("speaker", req.Speaker).Logger()

	defer func() {
		p.metrics.record(ctx, err, time.Since(started), res)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, KindOf(err).String())
		}
		span.End()
	}()

	lease, err := p.arb.Acquire(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Inference resource unavailable")
		return nil, &Error{Kind: KindUnavailable, Err: err}
	}
	wait := time.Since(started)
	p.metrics.queued.Record(ctx, wait.Seconds())
	span.AddEvent("lease acquired", trace.WithAttributes(attribute.String("kanitts.lease", lease.ID())))

	wave, err := p.generate(lease, req)
	if err != nil {
		log.Error().Err(err).Msg("Generation failed")
		return nil, err
	}

	enc, err := audio.Encode(wave, req.Format)
	if err != nil {
		log.Error().Err(err).Msg("Encoding failed")
		return nil, &Error{Kind: KindEncoding, Err: err}
	}

	res = &Result{
		Audio:      enc.Data,
		MediaType:  enc.MediaType,
		Format:     enc.Format,
		SampleRate: enc.SampleRate,
		Channels:   enc.Channels,
		BitDepth:   enc.BitDepth,
		Samples:    wave.Len(),
		Duration:   wave.Duration(),
	}
	log.Info().
		Dur("queued", wait).
		Dur("elapsed", time.Since(started)).
		Dur("audio", res.Duration).
		Int("bytes", len(res.Audio)).
		Msg("Synthesized speech")
	return res, nil
}

// generate does all work that needs the lease and releases it on every exit
// path, panics included.
func (p *Pipeline) generate(lease *arbiter.Lease, req Request) (wave audio.Waveform, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Kind: KindGeneration, Err: fmt.Errorf("backend panicked: %v", r)}
		}
		if rerr := p.arb.Release(lease); rerr != nil {
			p.log.Error().Err(rerr).Str("lease", lease.ID()).Msg("Failed to release lease")
		}
	}()

	backend := lease.Backend()

	text := p.pre.Process(req.Text)
	if text == "" {
		text = req.Text
	}

	tokens, err := backend.Model.Tokenize(text, req.Speaker)
	if err != nil {
		return audio.Waveform{}, &Error{Kind: KindGeneration, Err: fmt.Errorf("tokenize: %w", err)}
	}

	ids, err := backend.Model.Generate(engine.GenerateInput{
		Tokens:   tokens,
		EOS:      backend.Player.EndOfSpeech(),
		DoSample: true,
		Sampling: engine.SamplingParams{
			Temperature:       req.Temperature,
			TopP:              req.TopP,
			RepetitionPenalty: req.RepetitionPenalty,
			MaxNewTokens:      req.MaxNewTokens,
		},
	})
	if err != nil {
		return audio.Waveform{}, &Error{Kind: KindGeneration, Err: fmt.Errorf("generate: %w", err)}
	}

	wave, err = backend.Player.Waveform(ids)
	if err != nil {
		return audio.Waveform{}, &Error{Kind: KindGeneration, Err: fmt.Errorf("decode audio: %w", err)}
	}
	return wave, nil
}
