package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/api"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/arbiter"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/audio"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/synth"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJson(w, api.Descriptor{
		Name:    serviceName,
		Version: s.opts.Version,
		Endpoints: map[string]string{
			"health":   "/health",
			"models":   "/v1/models",
			"speech":   "POST /v1/audio/speech",
			"generate": "POST /generate",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.status.Status()

	status := "loading"
	switch {
	case state.Serving():
		status = "healthy"
	case state == arbiter.StateFailed:
		status = "failed"
	}

	writeJson(w, api.Health{
		Status:         status,
		Resource:       state.String(),
		Checkpoint:     s.opts.Checkpoint,
		BaseModel:      s.opts.BaseModel,
		DefaultSpeaker: s.synth.DefaultSpeaker(),
		GPUAvailable:   s.opts.GPU.Available,
		GPUName:        s.opts.GPU.NamePtr(),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJson(w, api.Models())
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req api.SpeechRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.synthesize(w, r, req.Raw())
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req api.GenerateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.synthesize(w, r, req.Raw())
}

func (s *Server) synthesize(w http.ResponseWriter, r *http.Request, raw synth.RawRequest) {
	res, err := s.synth.SynthesizeRaw(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", res.MediaType)
	h.Set("Content-Length", strconv.Itoa(len(res.Audio)))
	if res.Format == audio.FormatPCM {
		h.Set(api.HeaderSampleRate, strconv.Itoa(res.SampleRate))
		h.Set(api.HeaderChannels, strconv.Itoa(res.Channels))
		h.Set(api.HeaderBitDepth, strconv.Itoa(res.BitDepth))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(res.Audio)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %w", api.ErrMalformed, err)
	}
	return nil
}

func writeJson(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	enc.Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(api.StatusCode(err))

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	enc.Encode(api.NewError(err))
}
