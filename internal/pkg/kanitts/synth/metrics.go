package synth

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/arbiter"
)

const instrumentationName = "github.com/groxaxo/kani-tts-arg/synth"

type metrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	queued   metric.Float64Histogram
	audio    metric.Float64Histogram
}

func newMetrics(arb *arbiter.Arbiter) (*metrics, error) {
	meter := otel.Meter(instrumentationName)

	requests, err := meter.Int64Counter("kanitts.synthesis.requests",
		metric.WithDescription("Synthesis requests by outcome"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("kanitts.synthesis.duration",
		metric.WithDescription("End-to-end synthesis latency"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	queued, err := meter.Float64Histogram("kanitts.synthesis.queue_wait",
		metric.WithDescription("Time spent waiting for the inference resource"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	audio, err := meter.Float64Histogram("kanitts.synthesis.audio_duration",
		metric.WithDescription("Duration of generated audio"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	depth, err := meter.Int64ObservableGauge("kanitts.arbiter.queue_depth",
		metric.WithDescription("Requests waiting for the inference resource"))
	if err != nil {
		return nil, err
	}
	leases, err := meter.Int64ObservableCounter("kanitts.arbiter.leases",
		metric.WithDescription("Leases granted on the inference resource"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		stats := arb.Stats()
		state := metric.WithAttributes(attribute.String("state", stats.State.String()))
		obs.ObserveInt64(depth, int64(stats.Queued), state)
		obs.ObserveInt64(leases, int64(stats.Acquired))
		return nil
	}, depth, leases)
	if err != nil {
		return nil, err
	}

	return &metrics{requests: requests, latency: latency, queued: queued, audio: audio}, nil
}

func (m *metrics) record(ctx context.Context, err error, elapsed time.Duration, res *Result) {
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.requests.Add(ctx, 1, attrs)
	m.latency.Record(ctx, elapsed.Seconds(), attrs)
	if res != nil {
		m.audio.Record(ctx, res.Duration.Seconds(), metric.WithAttributes(attribute.String("format", string(res.Format))))
	}
}
