// Package bus serves speech requests over NATS request/reply, next to the
// HTTP front.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/api"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/synth"
)

// HeaderStatus carries the HTTP-equivalent status of a reply. The plain
// "Status" header is reserved by NATS for no-responder notices.
const HeaderStatus = "X-Status"

type Synthesizer interface {
	SynthesizeRaw(ctx context.Context, raw synth.RawRequest) (*synth.Result, error)
}

type Options struct {
	Subject string
	Queue   string
	// RequestTimeout bounds how long a request may wait for the model.
	// Requesters give up on their side, so a stale request should not hold
	// a queue slot forever. Zero disables it.
	RequestTimeout time.Duration
}

// Worker answers speech requests published on a subject. Workers sharing a
// queue group split the load.
type Worker struct {
	nc    *nats.Conn
	synth Synthesizer
	opts  Options
	log   zerolog.Logger

	mu   sync.Mutex
	sub  *nats.Subscription
	done chan struct{}
	wg   sync.WaitGroup
}

// pollInterval is how often the receive loop rechecks a subscription that
// has gone quiet.
const pollInterval = time.Second

// Connect dials a NATS server the way the service expects: named, with
// unlimited reconnects.
func Connect(url string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("kanitts"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info().Str("url", url).Msg("Connected to NATS")
	return nc, nil
}

func NewWorker(nc *nats.Conn, s Synthesizer, opts Options, log zerolog.Logger) *Worker {
	return &Worker{
		nc:    nc,
		synth: s,
		opts:  opts,
		log:   log.With().Str("component", "nats").Str("subject", opts.Subject).Logger(),
	}
}

// Start subscribes and returns once the server has registered the
// subscription.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		return fmt.Errorf("worker already started")
	}

	sub, err := w.nc.QueueSubscribeSync(w.opts.Subject, w.opts.Queue)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", w.opts.Subject, err)
	}
	if err := w.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}
	w.sub = sub
	w.done = make(chan struct{})
	go w.receive(sub, w.done)
	w.log.Info().Str("queue", w.opts.Queue).Msg("NATS worker listening")
	return nil
}

// Stop drains the subscription and waits until every request delivered
// before the drain has been answered, or until ctx ends.
func (w *Worker) Stop(ctx context.Context) {
	w.mu.Lock()
	sub, done := w.sub, w.done
	w.sub, w.done = nil, nil
	w.mu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.Drain(); err != nil {
		w.log.Warn().Err(err).Msg("Failed to drain subscription")
	}

	select {
	case <-done:
	case <-ctx.Done():
		w.log.Warn().Err(ctx.Err()).Msg("Subscription did not drain in time")
		return
	}
	w.wg.Wait()
}

// Run serves until ctx is done, then drains within drainTimeout.
func (w *Worker) Run(ctx context.Context, drainTimeout time.Duration) error {
	if err := w.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	w.log.Info().Msg("NATS worker stopping")

	stopCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	w.Stop(stopCtx)
	return nil
}

// receive hands each message to its own goroutine. It returns once the
// drained subscription is closed, which nats.go only does after the buffer
// has been read empty.
func (w *Worker) receive(sub *nats.Subscription, done chan struct{}) {
	defer close(done)
	for {
		msg, err := sub.NextMsg(pollInterval)
		switch {
		case err == nil:
			w.handle(msg)
		case errors.Is(err, nats.ErrTimeout):
			if !sub.IsValid() {
				return
			}
		default:
			return
		}
	}
}

func (w *Worker) handle(msg *nats.Msg) {
	if msg.Reply == "" {
		w.log.Warn().Msg("Dropping speech request without reply subject")
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.serve(msg)
	}()
}

func (w *Worker) serve(msg *nats.Msg) {
	id := msg.Header.Get(api.HeaderRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	started := time.Now()

	resp := nats.NewMsg(msg.Reply)
	resp.Header.Set(api.HeaderRequestID, id)

	ctx := synth.WithRequestID(context.Background(), id)
	if w.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.RequestTimeout)
		defer cancel()
	}

	res, err := w.synthesize(ctx, msg.Data)
	status := 200
	if err != nil {
		status = api.StatusCode(err)
		body, _ := json.Marshal(api.NewError(err))
		resp.Header.Set("Content-Type", "application/json")
		resp.Data = body
	} else {
		resp.Header.Set("Content-Type", res.MediaType)
		resp.Header.Set(api.HeaderSampleRate, strconv.Itoa(res.SampleRate))
		resp.Header.Set(api.HeaderChannels, strconv.Itoa(res.Channels))
		resp.Header.Set(api.HeaderBitDepth, strconv.Itoa(res.BitDepth))
		resp.Data = res.Audio
	}
	resp.Header.Set(HeaderStatus, strconv.Itoa(status))

	event := w.log.Info()
	if status >= 500 {
		event = w.log.Error()
	} else if status >= 400 {
		event = w.log.Warn()
	}
	event.
		Str("request_id", id).
		Int("status", status).
		Int("bytes", len(resp.Data)).
		Dur("elapsed", time.Since(started)).
		Msg("NATS request")

	if err := msg.RespondMsg(resp); err != nil {
		w.log.Warn().Err(err).Str("request_id", id).Msg("Failed to send reply")
	}
}

func (w *Worker) synthesize(ctx context.Context, data []byte) (*synth.Result, error) {
	var req api.SpeechRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrMalformed, err)
	}
	return w.synth.SynthesizeRaw(ctx, req.Raw())
}
