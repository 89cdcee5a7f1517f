package audio

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/go-audio/wav"
)

var ErrInvalidWAV = errors.New("invalid wav data")

// DecodeWAV reads a 16-bit mono WAV payload back into a float waveform.
func DecodeWAV(data []byte) (Waveform, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Waveform{}, ErrInvalidWAV
	}
	if dec.NumChans != NumChannels {
		return Waveform{}, fmt.Errorf("%w: %d channels", ErrInvalidWAV, dec.NumChans)
	}
	if dec.BitDepth != BitsPerSample {
		return Waveform{}, fmt.Errorf("%w: %d-bit samples", ErrInvalidWAV, dec.BitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Waveform{}, fmt.Errorf("failed to read pcm data: %w", err)
	}

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / math.MaxInt16
	}

	return Waveform{
		Samples:    samples,
		SampleRate: int(dec.SampleRate),
	}, nil
}
