package audio

import (
	"time"
)

const (
	SampleRate    = 22050
	NumChannels   = 1
	BitsPerSample = 16
)

// Waveform is mono float audio in [-1, 1] as produced by the codec decoder.
type Waveform struct {
	Samples    []float32
	SampleRate int
}

func NewWaveform(samples []float32) Waveform {
	return Waveform{
		Samples:    samples,
		SampleRate: SampleRate,
	}
}

func (w Waveform) Len() int {
	return len(w.Samples)
}

func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(w.Samples)) * time.Second / time.Duration(w.SampleRate)
}
