// Package engine defines the contracts between the synthesis pipeline and a
// neural speech backend, plus a registry of backend factories.
package engine

import (
	"github.com/rs/zerolog"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/audio"
)

// Tokens is a tokenized prompt ready for generation.
type Tokens struct {
	IDs  []int64
	Mask []int64
}

type SamplingParams struct {
	Temperature       float64
	TopP              float64
	RepetitionPenalty float64
	MaxNewTokens      int
}

type GenerateInput struct {
	Tokens   Tokens
	EOS      int64
	DoSample bool
	Sampling SamplingParams
}

// Model is the autoregressive language model. Generate mutates internal
// device state and must never be called concurrently.
type Model interface {
	Tokenize(text, speaker string) (Tokens, error)
	Generate(in GenerateInput) ([]int64, error)
	Close() error
}

// Player turns generated ids into audio.
type Player interface {
	EndOfSpeech() int64
	Waveform(ids []int64) (audio.Waveform, error)
	Close() error
}

type Info struct {
	Name       string
	Languages  []string
	SampleRate int
}

type Config struct {
	ModelDir   string
	BaseModel  string
	Checkpoint string
	// GPU is the CUDA device index, or -1 for CPU only.
	GPU    int
	Seed   uint64
	Logger zerolog.Logger
}
