package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/api"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/arbiter"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/audio"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/device"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/engine"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/synth"
)

type fakeSynth struct {
	mu   sync.Mutex
	raws []synth.RawRequest
	ids  []string
	res  *synth.Result
	err  error
}

func (f *fakeSynth) SynthesizeRaw(ctx context.Context, raw synth.RawRequest) (*synth.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raws = append(f.raws, raw)
	f.ids = append(f.ids, synth.RequestIDFrom(ctx))
	return f.res, f.err
}

func (f *fakeSynth) DefaultSpeaker() string { return "ar4766" }

type fixedStatus arbiter.State

func (s fixedStatus) Status() arbiter.State { return arbiter.State(s) }

func newTestServer(s Synthesizer, state arbiter.State, opts Options) *httptest.Server {
	opts.Version = "1.0.0"
	opts.BaseModel = "nineninesix/kani-tts-400m-es"
	opts.Checkpoint = "checkpoints/checkpoint-7500"
	return httptest.NewServer(New(s, fixedStatus(state), opts, zerolog.Nop()).Handler())
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) api.ErrorResponse {
	t.Helper()
	var body api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestRoot(t *testing.T) {
	ts := newTestServer(&fakeSynth{}, arbiter.StateReady, Options{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	var desc api.Descriptor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&desc))
	assert.Equal(t, "KaniTTS Argentinian Spanish TTS API", desc.Name)
	assert.Equal(t, "1.0.0", desc.Version)
	assert.Equal(t, "POST /v1/audio/speech", desc.Endpoints["speech"])
	assert.NotEmpty(t, resp.Header.Get(api.HeaderRequestID))
}

func TestHealth(t *testing.T) {
	tests := []struct {
		state  arbiter.State
		status string
	}{
		{arbiter.StateUninitialized, "loading"},
		{arbiter.StateLoading, "loading"},
		{arbiter.StateReady, "healthy"},
		{arbiter.StateBusy, "healthy"},
		{arbiter.StateFailed, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			ts := newTestServer(&fakeSynth{}, tt.state, Options{})
			defer ts.Close()

			resp, err := http.Get(ts.URL + "/health")
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)

			raw, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Contains(t, string(raw), `"gpu_name":null`)

			var health api.Health
			require.NoError(t, json.Unmarshal(raw, &health))
			assert.Equal(t, tt.status, health.Status)
			assert.Equal(t, tt.state.String(), health.Resource)
			assert.Equal(t, "checkpoints/checkpoint-7500", health.Checkpoint)
			assert.Equal(t, "nineninesix/kani-tts-400m-es", health.BaseModel)
			assert.Equal(t, "ar4766", health.DefaultSpeaker)
			assert.False(t, health.GPUAvailable)
		})
	}
}

func TestHealthWithGPU(t *testing.T) {
	ts := newTestServer(&fakeSynth{}, arbiter.StateReady, Options{GPU: device.GPU{Available: true, Name: "NVIDIA L4"}})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health api.Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.True(t, health.GPUAvailable)
	require.NotNil(t, health.GPUName)
	assert.Equal(t, "NVIDIA L4", *health.GPUName)
}

func TestModels(t *testing.T) {
	ts := newTestServer(&fakeSynth{}, arbiter.StateReady, Options{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()

	var list api.ModelList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, api.Models(), list)
}

func TestSpeechErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		body   string
		status int
		kind   string
	}{
		{"malformed", nil, `{"input":`, http.StatusBadRequest, "invalid_request_error"},
		{"empty body", nil, ``, http.StatusBadRequest, "invalid_request_error"},
		{"validation", &synth.Error{Kind: synth.KindValidation, Field: "text", Err: errors.New("must not be empty")}, `{"input":""}`, http.StatusUnprocessableEntity, "validation_error"},
		{"unavailable", &synth.Error{Kind: synth.KindUnavailable, Err: arbiter.ErrUnavailable}, `{"input":"Hola"}`, http.StatusServiceUnavailable, "service_unavailable"},
		{"generation", &synth.Error{Kind: synth.KindGeneration, Err: errors.New("generate: cuda error")}, `{"input":"Hola"}`, http.StatusInternalServerError, "generation_error"},
		{"encoding", &synth.Error{Kind: synth.KindEncoding, Err: audio.ErrEmptyWaveform}, `{"input":"Hola"}`, http.StatusInternalServerError, "encoding_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(&fakeSynth{err: tt.err}, arbiter.StateReady, Options{})
			defer ts.Close()

			resp := postJSON(t, ts.URL+"/v1/audio/speech", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			body := decodeError(t, resp)
			assert.Equal(t, tt.kind, body.Error.Type)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestSpeechPassesParameters(t *testing.T) {
	fake := &fakeSynth{res: &synth.Result{Audio: []byte("RIFF"), MediaType: audio.MediaTypeWAV, Format: audio.FormatWAV}}
	ts := newTestServer(fake, arbiter.StateReady, Options{})
	defer ts.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/audio/speech", strings.NewReader(
		`{"model":"tts-1","input":"Hola","voice":"ar1","response_format":"wav","temperature":0.5,"top_p":0.8,"repetition_penalty":1.1,"max_new_tokens":500,"speed":1.0}`))
	require.NoError(t, err)
	req.Header.Set(api.HeaderRequestID, "client-id-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "client-id-1", resp.Header.Get(api.HeaderRequestID))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.raws, 1)
	raw := fake.raws[0]
	assert.Equal(t, "Hola", raw.Text)
	assert.Equal(t, "ar1", raw.Speaker)
	assert.Equal(t, 0.5, *raw.Temperature)
	assert.Equal(t, 0.8, *raw.TopP)
	assert.Equal(t, 1.1, *raw.RepetitionPenalty)
	assert.Equal(t, 500, *raw.MaxNewTokens)
	assert.Equal(t, []string{"client-id-1"}, fake.ids)
}

func TestGenerateUsesFixedBudget(t *testing.T) {
	fake := &fakeSynth{res: &synth.Result{Audio: []byte("RIFF"), MediaType: audio.MediaTypeWAV, Format: audio.FormatWAV}}
	ts := newTestServer(fake, arbiter.StateReady, Options{})
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/generate", `{"text":"Hola","speaker_id":"ar2","max_new_tokens":100}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.raws, 1)
	assert.Equal(t, "ar2", fake.raws[0].Speaker)
	assert.Equal(t, "wav", fake.raws[0].Format)
	assert.Equal(t, 2000, *fake.raws[0].MaxNewTokens)
}

// toneBackend is a minimal model and player producing 0.1 s of audio.
type toneBackend struct{}

func (toneBackend) Tokenize(string, string) (engine.Tokens, error) {
	return engine.Tokens{IDs: []int64{1}, Mask: []int64{1}}, nil
}
func (toneBackend) Generate(in engine.GenerateInput) ([]int64, error) { return []int64{in.EOS}, nil }
func (toneBackend) EndOfSpeech() int64                                { return 2 }
func (toneBackend) Waveform([]int64) (audio.Waveform, error) {
	samples := make([]float32, 2205)
	for i := range samples {
		samples[i] = 0.25
	}
	return audio.NewWaveform(samples), nil
}
func (toneBackend) Close() error { return nil }

func newPipelineServer(t *testing.T) *httptest.Server {
	t.Helper()
	arb := arbiter.New(arbiter.Options{}, zerolog.Nop())
	require.NoError(t, arb.Load(func() (*engine.Backend, error) {
		return &engine.Backend{Model: toneBackend{}, Player: toneBackend{}}, nil
	}))
	pipeline, err := synth.NewPipeline(arb, "ar4766", zerolog.Nop())
	require.NoError(t, err)

	ts := httptest.NewServer(New(pipeline, arb, Options{}, zerolog.Nop()).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestSpeechWAVEndToEnd(t *testing.T) {
	ts := newPipelineServer(t)

	resp := postJSON(t, ts.URL+"/v1/audio/speech", `{"input":"Hola mundo","voice":"ar4766","response_format":"wav"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get(api.HeaderSampleRate))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	wave, err := audio.DecodeWAV(data)
	require.NoError(t, err)
	assert.Equal(t, 22050, wave.SampleRate)
	assert.Positive(t, wave.Duration())
}

func TestSpeechPCMEndToEnd(t *testing.T) {
	ts := newPipelineServer(t)

	resp := postJSON(t, ts.URL+"/v1/audio/speech", `{"input":"Hola mundo","response_format":"pcm"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "22050", resp.Header.Get(api.HeaderSampleRate))
	assert.Equal(t, "1", resp.Header.Get(api.HeaderChannels))
	assert.Equal(t, "16", resp.Header.Get(api.HeaderBitDepth))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, data, 2205*2)
	assert.Equal(t, []byte{0x00, 0x20}, data[:2]) // round(0.25 * 32767) = 8192
}

func TestSpeechValidationEndToEnd(t *testing.T) {
	ts := newPipelineServer(t)

	resp := postJSON(t, ts.URL+"/v1/audio/speech", `{"input":"Hola","temperature":3}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Equal(t, "temperature", body.Error.Param)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(&fakeSynth{}, arbiter.StateReady, Options{})
	defer ts.Close()

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/v1/audio/speech", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "http://example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "kanitts_synthesis_requests_total 1\n")
	})
	ts := newTestServer(&fakeSynth{}, arbiter.StateReady, Options{Metrics: metrics})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "kanitts_synthesis_requests_total")

	plain := newTestServer(&fakeSynth{}, arbiter.StateReady, Options{})
	defer plain.Close()
	resp, err = http.Get(plain.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	srv := New(&fakeSynth{}, fixedStatus(arbiter.StateReady), Options{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
