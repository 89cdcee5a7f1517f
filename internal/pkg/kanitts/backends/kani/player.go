package kani

import (
	"errors"
	"fmt"
	"slices"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/audio"
)

var (
	ErrNoSpeech          = errors.New("output has no start-of-speech token")
	ErrFrameAlignment    = errors.New("audio token count is not a multiple of the codebook count")
	ErrInvalidAudioToken = errors.New("invalid audio token")
)

// decodeFunc runs the codec over codes laid out [codebook][frame].
type decodeFunc func(codes []int64, frames int) ([]float32, error)

// Player turns generated ids into audio with the codec decoder.
type Player struct {
	session *ort.DynamicAdvancedSession
	decode  decodeFunc
}

func newPlayer(path string, opts *ort.SessionOptions) (*Player, error) {
	if err := acquireRuntime(); err != nil {
		return nil, err
	}
	session, err := ort.NewDynamicAdvancedSession(
		path,
		[]string{"tokens", "tokens_len"},
		[]string{"audio"},
		opts,
	)
	if err != nil {
		releaseRuntime()
		return nil, fmt.Errorf("failed to create codec session: %w", err)
	}
	return &Player{session: session, decode: onnxDecode(session)}, nil
}

func (p *Player) EndOfSpeech() int64 {
	return endOfSpeech
}

func (p *Player) Waveform(ids []int64) (audio.Waveform, error) {
	codes, frames, err := extractCodes(ids)
	if err != nil {
		return audio.Waveform{}, err
	}
	samples, err := p.decode(codes, frames)
	if err != nil {
		return audio.Waveform{}, err
	}
	// An empty result is passed on; the encoder rejects it.
	return audio.NewWaveform(samples), nil
}

// extractCodes takes the ids between start-of-speech and end-of-speech, which
// interleave one token per codebook per frame, and returns the codebook-local
// codes transposed to [codebook][frame]. Output cut off by the token budget
// has no end-of-speech; its trailing partial frame is dropped.
func extractCodes(ids []int64) ([]int64, int, error) {
	start := slices.Index(ids, startOfSpeech)
	if start < 0 {
		return nil, 0, ErrNoSpeech
	}
	body := ids[start+1:]
	if end := slices.Index(body, endOfSpeech); end >= 0 {
		body = body[:end]
		if len(body)%numCodebooks != 0 {
			return nil, 0, fmt.Errorf("%w: %d tokens", ErrFrameAlignment, len(body))
		}
	} else {
		body = body[:len(body)-len(body)%numCodebooks]
	}
	if len(body) == 0 {
		return nil, 0, fmt.Errorf("%w: no audio tokens", ErrInvalidAudioToken)
	}

	frames := len(body) / numCodebooks
	codes := make([]int64, len(body))
	for f := range frames {
		for k := range numCodebooks {
			id := body[f*numCodebooks+k]
			code := id - audioTokensStart - int64(k)*codebookSize
			if code < 0 || code >= codebookSize {
				return nil, 0, fmt.Errorf("%w: id %d in codebook %d", ErrInvalidAudioToken, id, k)
			}
			codes[k*frames+f] = code
		}
	}
	return codes, frames, nil
}

func onnxDecode(session *ort.DynamicAdvancedSession) decodeFunc {
	return func(codes []int64, frames int) ([]float32, error) {
		codesTensor, err := ort.NewTensor(ort.NewShape(1, numCodebooks, int64(frames)), codes)
		if err != nil {
			return nil, fmt.Errorf("failed to create tokens tensor: %w", err)
		}
		defer codesTensor.Destroy()

		lenTensor, err := ort.NewTensor(ort.NewShape(1), []int64{int64(frames)})
		if err != nil {
			return nil, fmt.Errorf("failed to create tokens_len tensor: %w", err)
		}
		defer lenTensor.Destroy()

		outputs := make([]ort.Value, 1)
		if err := session.Run([]ort.Value{codesTensor, lenTensor}, outputs); err != nil {
			return nil, fmt.Errorf("failed to run codec: %w", err)
		}
		defer destroyAll(outputs...)

		out, ok := outputs[0].(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("unexpected audio tensor type %T", outputs[0])
		}
		return slices.Clone(out.GetData()), nil
	}
}

func (p *Player) Close() error {
	if p.session == nil {
		return nil
	}
	err := p.session.Destroy()
	p.session = nil
	return errors.Join(err, releaseRuntime())
}
