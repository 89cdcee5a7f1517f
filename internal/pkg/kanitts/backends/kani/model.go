package kani

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/engine"
)

var ErrEmptyPrompt = errors.New("text produced no tokens")

// forwardFunc runs the language model over the whole sequence and returns the
// logits of the last position.
type forwardFunc func(ids, mask []int64) ([]float32, error)

// LM is the autoregressive language model. It re-runs the full sequence at
// every step; the exported graph carries no KV cache.
type LM struct {
	session *ort.DynamicAdvancedSession
	tok     *Tokenizer
	sampler *Sampler
	forward forwardFunc
	log     zerolog.Logger
}

func newLM(path string, opts *ort.SessionOptions, tok *Tokenizer, seed uint64, log zerolog.Logger) (*LM, error) {
	if err := acquireRuntime(); err != nil {
		return nil, err
	}
	session, err := ort.NewDynamicAdvancedSession(
		path,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		opts,
	)
	if err != nil {
		releaseRuntime()
		return nil, fmt.Errorf("failed to create LM session: %w", err)
	}

	return &LM{
		session: session,
		tok:     tok,
		sampler: NewSampler(seed),
		forward: onnxForward(session),
		log:     log,
	}, nil
}

func (m *LM) Tokenize(text, speaker string) (engine.Tokens, error) {
	tokens := buildPrompt(m.tok, text, speaker)
	if len(tokens.IDs) <= 4 {
		return engine.Tokens{}, ErrEmptyPrompt
	}
	return tokens, nil
}

// Generate returns the prompt followed by the sampled continuation, which ends
// with in.EOS unless the token budget ran out first.
func (m *LM) Generate(in engine.GenerateInput) ([]int64, error) {
	seq, err := generate(m.forward, m.sampler, in)
	if err != nil {
		return nil, err
	}
	m.log.Debug().
		Int("prompt_tokens", len(in.Tokens.IDs)).
		Int("new_tokens", len(seq)-len(in.Tokens.IDs)).
		Bool("stopped", seq[len(seq)-1] == in.EOS).
		Msg("Generation finished")
	return seq, nil
}

func generate(forward forwardFunc, sampler *Sampler, in engine.GenerateInput) ([]int64, error) {
	if len(in.Tokens.IDs) == 0 {
		return nil, ErrEmptyPrompt
	}
	if len(in.Tokens.Mask) != len(in.Tokens.IDs) {
		return nil, fmt.Errorf("attention mask has %d entries for %d ids", len(in.Tokens.Mask), len(in.Tokens.IDs))
	}

	seq := slices.Clone(in.Tokens.IDs)
	mask := slices.Clone(in.Tokens.Mask)
	for step := 0; step < in.Sampling.MaxNewTokens; step++ {
		logits, err := forward(seq, mask)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}
		next := sampler.Next(logits, seq, in.Sampling, in.DoSample)
		seq = append(seq, next)
		mask = append(mask, 1)
		if next == in.EOS {
			break
		}
	}
	return seq, nil
}

func onnxForward(session *ort.DynamicAdvancedSession) forwardFunc {
	return func(ids, mask []int64) ([]float32, error) {
		n := int64(len(ids))
		idsTensor, err := ort.NewTensor(ort.NewShape(1, n), ids)
		if err != nil {
			return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
		}
		defer idsTensor.Destroy()

		maskTensor, err := ort.NewTensor(ort.NewShape(1, n), mask)
		if err != nil {
			return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
		}
		defer maskTensor.Destroy()

		outputs := make([]ort.Value, 1)
		if err := session.Run([]ort.Value{idsTensor, maskTensor}, outputs); err != nil {
			return nil, fmt.Errorf("failed to run LM: %w", err)
		}
		defer destroyAll(outputs...)

		logits, ok := outputs[0].(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("unexpected logits tensor type %T", outputs[0])
		}
		shape := logits.GetShape()
		if len(shape) == 0 {
			return nil, fmt.Errorf("logits tensor has no shape")
		}
		vocab := int(shape[len(shape)-1])
		data := logits.GetData()
		if vocab <= 0 || len(data) < vocab {
			return nil, fmt.Errorf("logits tensor shape %v is too small", shape)
		}

		// Either [1, vocab] or [1, seq, vocab]; the last row is the next token.
		return slices.Clone(data[len(data)-vocab:]), nil
	}
}

func (m *LM) Close() error {
	var errs []error
	if m.session != nil {
		if err := m.session.Destroy(); err != nil {
			errs = append(errs, err)
		}
		m.session = nil
		errs = append(errs, releaseRuntime())
	}
	return errors.Join(errs...)
}
