// Package api holds the wire types shared by the HTTP and NATS fronts.
package api

import (
	"errors"
	"net/http"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/synth"
)

const (
	ModelID      = "tts-1"
	ModelOwner   = "kani-tts-argentinian"
	ModelCreated = 1736380800
)

const (
	HeaderRequestID  = "X-Request-Id"
	HeaderSampleRate = "X-Sample-Rate"
	HeaderChannels   = "X-Channels"
	HeaderBitDepth   = "X-Bit-Depth"
)

// https://platform.openai.com/docs/api-reference/audio/createSpeech
type SpeechRequest struct {
	Model string `json:"model,omitempty"`
	Input string `json:"input"`

	Voice          string `json:"voice,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`

	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	MaxNewTokens      *int     `json:"max_new_tokens,omitempty"`
}

func (r SpeechRequest) Raw() synth.RawRequest {
	return synth.RawRequest{
		Text:              r.Input,
		Speaker:           r.Voice,
		Format:            r.ResponseFormat,
		Temperature:       r.Temperature,
		TopP:              r.TopP,
		RepetitionPenalty: r.RepetitionPenalty,
		MaxNewTokens:      r.MaxNewTokens,
	}
}

// GenerateRequest is the simple endpoint: always WAV, fixed token budget.
type GenerateRequest struct {
	Text      string `json:"text"`
	SpeakerID string `json:"speaker_id,omitempty"`

	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
}

func (r GenerateRequest) Raw() synth.RawRequest {
	maxNewTokens := synth.DefaultMaxNewTokens
	return synth.RawRequest{
		Text:              r.Text,
		Speaker:           r.SpeakerID,
		Format:            "wav",
		Temperature:       r.Temperature,
		TopP:              r.TopP,
		RepetitionPenalty: r.RepetitionPenalty,
		MaxNewTokens:      &maxNewTokens,
	}
}

type ErrorResponse struct {
	Error Error `json:"error"`
}

type Error struct {
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message"`
}

type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func Models() ModelList {
	return ModelList{
		Object: "list",
		Data: []Model{{
			ID:      ModelID,
			Object:  "model",
			Created: ModelCreated,
			OwnedBy: ModelOwner,
		}},
	}
}

type Health struct {
	Status         string  `json:"status"`
	Resource       string  `json:"resource"`
	Checkpoint     string  `json:"checkpoint"`
	BaseModel      string  `json:"base_model"`
	DefaultSpeaker string  `json:"default_speaker"`
	GPUAvailable   bool    `json:"gpu_available"`
	GPUName        *string `json:"gpu_name"`
}

type Descriptor struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// ErrMalformed marks a request body that could not be decoded.
var ErrMalformed = errors.New("malformed request body")

// StatusCode maps a pipeline error onto its HTTP-equivalent status.
func StatusCode(err error) int {
	if errors.Is(err, ErrMalformed) {
		return http.StatusBadRequest
	}
	switch synth.KindOf(err) {
	case synth.KindValidation:
		return http.StatusUnprocessableEntity
	case synth.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func NewError(err error) ErrorResponse {
	resp := ErrorResponse{Error: Error{Type: "internal_server_error", Message: err.Error()}}

	var serr *synth.Error
	if errors.As(err, &serr) {
		resp.Error.Type = serr.Kind.String()
		resp.Error.Param = serr.Field
	} else if errors.Is(err, ErrMalformed) {
		resp.Error.Type = "invalid_request_error"
	}
	return resp
}
