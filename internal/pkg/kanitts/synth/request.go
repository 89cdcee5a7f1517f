package synth

import (
	"math"
	"strings"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/audio"
)

const (
	DefaultTemperature       = 0.7
	DefaultTopP              = 0.9
	DefaultRepetitionPenalty = 1.2
	DefaultMaxNewTokens      = 2000
	DefaultFormat            = audio.FormatWAV

	MinTemperature       = 0.1
	MaxTemperature       = 1.5
	MinTopP              = 0.1
	MaxTopP              = 1.0
	MinRepetitionPenalty = 1.0
	MaxRepetitionPenalty = 2.0
	MinMaxNewTokens      = 100
	MaxMaxNewTokens      = 4000
)

// RawRequest is a request as decoded from a wire front. Nil and empty fields
// take their defaults.
type RawRequest struct {
	Text              string
	Speaker           string
	Format            string
	Temperature       *float64
	TopP              *float64
	RepetitionPenalty *float64
	MaxNewTokens      *int
}

// Request is a validated synthesis request. Every numeric field lies inside
// its closed domain.
type Request struct {
	Text              string
	Speaker           string
	Format            audio.Format
	Temperature       float64
	TopP              float64
	RepetitionPenalty float64
	MaxNewTokens      int
}

// Validate checks raw against the parameter domains and fills in defaults.
// Out-of-range values are rejected, never clamped.
func Validate(raw RawRequest, defaultSpeaker string) (Request, error) {
	req := Request{
		Text:              strings.TrimSpace(raw.Text),
		Speaker:           strings.TrimSpace(raw.Speaker),
		Format:            DefaultFormat,
		Temperature:       DefaultTemperature,
		TopP:              DefaultTopP,
		RepetitionPenalty: DefaultRepetitionPenalty,
		MaxNewTokens:      DefaultMaxNewTokens,
	}

	if req.Text == "" {
		return Request{}, validationError("text", "must not be empty")
	}
	if req.Speaker == "" {
		req.Speaker = defaultSpeaker
	}

	if f := strings.TrimSpace(raw.Format); f != "" {
		format, err := audio.ParseFormat(f)
		if err != nil {
			return Request{}, &Error{Kind: KindValidation, Field: "response_format", Err: err}
		}
		req.Format = format
	}

	var err error
	if req.Temperature, err = floatParam("temperature", raw.Temperature, DefaultTemperature, MinTemperature, MaxTemperature); err != nil {
		return Request{}, err
	}
	if req.TopP, err = floatParam("top_p", raw.TopP, DefaultTopP, MinTopP, MaxTopP); err != nil {
		return Request{}, err
	}
	if req.RepetitionPenalty, err = floatParam("repetition_penalty", raw.RepetitionPenalty, DefaultRepetitionPenalty, MinRepetitionPenalty, MaxRepetitionPenalty); err != nil {
		return Request{}, err
	}

	if raw.MaxNewTokens != nil {
		n := *raw.MaxNewTokens
		if n < MinMaxNewTokens || n > MaxMaxNewTokens {
			return Request{}, validationError("max_new_tokens", "%d out of range [%d, %d]", n, MinMaxNewTokens, MaxMaxNewTokens)
		}
		req.MaxNewTokens = n
	}

	return req, nil
}

func floatParam(field string, v *float64, def, lo, hi float64) (float64, error) {
	if v == nil {
		return def, nil
	}
	x := *v
	if math.IsNaN(x) || x < lo || x > hi {
		return 0, validationError(field, "%g out of range [%g, %g]", x, lo, hi)
	}
	return x, nil
}
