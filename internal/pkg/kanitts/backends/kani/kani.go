// Package kani runs the KaniTTS language model and its NeMo codec decoder on
// onnxruntime.
package kani

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/audio"
	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/engine"
)

const (
	Name = "kani"

	lmFile    = "lm.onnx"
	codecFile = "codec.onnx"
	vocabFile = "vocab.json"
	// mergesFile is optional; without it words are split by longest match.
	mergesFile = "merges.txt"
)

func init() {
	engine.Register(Name, NewBackend)
}

// NewBackend loads the exported model from cfg.ModelDir, falling back to the
// checkpoint directory.
func NewBackend(cfg engine.Config) (*engine.Backend, error) {
	modelDir := cfg.ModelDir
	if modelDir == "" {
		modelDir = cfg.Checkpoint
	}
	log := cfg.Logger.With().Str("backend", Name).Str("model_dir", modelDir).Logger()

	lmPath := filepath.Join(modelDir, lmFile)
	codecPath := filepath.Join(modelDir, codecFile)
	vocabPath := filepath.Join(modelDir, vocabFile)
	for _, p := range []string{lmPath, codecPath, vocabPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("model file missing: %w", err)
		}
	}

	mergesPath := filepath.Join(modelDir, mergesFile)
	if _, err := os.Stat(mergesPath); err != nil {
		log.Warn().Str("file", mergesFile).Msg("No BPE merges found, using longest-match tokenization")
		mergesPath = ""
	}

	tok, err := NewTokenizer(vocabPath, mergesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer: %w", err)
	}

	if err := acquireRuntime(); err != nil {
		return nil, err
	}
	defer releaseRuntime()

	opts, err := newSessionOptions(cfg.GPU)
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	lm, err := newLM(lmPath, opts, tok, seed, log)
	if err != nil {
		return nil, err
	}
	player, err := newPlayer(codecPath, opts)
	if err != nil {
		return nil, errors.Join(err, lm.Close())
	}

	log.Info().
		Int("vocab", tok.VocabSize()).
		Bool("bpe", mergesPath != "").
		Int("gpu", cfg.GPU).
		Msg("Kani backend loaded")

	return &engine.Backend{
		Model:  lm,
		Player: player,
		Info: engine.Info{
			Name:       Name,
			Languages:  []string{"es-AR"},
			SampleRate: audio.SampleRate,
		},
	}, nil
}
