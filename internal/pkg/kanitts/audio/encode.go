package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

type Format string

const (
	FormatWAV Format = "wav"
	FormatPCM Format = "pcm"
)

const (
	MediaTypeWAV = "audio/wav"
	MediaTypePCM = "application/octet-stream"
)

var (
	ErrEmptyWaveform     = errors.New("waveform has no samples")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrSampleRate        = errors.New("unsupported sample rate")
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatWAV:
		return FormatWAV, nil
	case FormatPCM:
		return FormatPCM, nil
	}
	return "", fmt.Errorf("%w: %q (expected wav or pcm)", ErrUnsupportedFormat, s)
}

func (f Format) MediaType() string {
	if f == FormatPCM {
		return MediaTypePCM
	}
	return MediaTypeWAV
}

// Encoded is an audio payload plus the metadata a PCM consumer needs out-of-band.
type Encoded struct {
	Data       []byte
	Format     Format
	MediaType  string
	SampleRate int
	Channels   int
	BitDepth   int
}

func Encode(w Waveform, f Format) (*Encoded, error) {
	if w.Len() == 0 {
		return nil, ErrEmptyWaveform
	}
	if w.SampleRate != SampleRate {
		return nil, fmt.Errorf("%w: %d Hz (expected %d)", ErrSampleRate, w.SampleRate, SampleRate)
	}

	var data []byte
	switch f {
	case FormatWAV:
		data = w.WAV()
	case FormatPCM:
		data = w.PCM16()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}

	return &Encoded{
		Data:       data,
		Format:     f,
		MediaType:  f.MediaType(),
		SampleRate: w.SampleRate,
		Channels:   NumChannels,
		BitDepth:   BitsPerSample,
	}, nil
}

// Quantize maps a float sample onto int16 with round-half-away-from-zero.
// Overshoot is clamped so 1.0 and anything above it both give 32767,
// and -1.0 gives -32767.
func Quantize(sample float32) int16 {
	s := float64(sample)
	if math.IsNaN(s) {
		return 0
	}
	if s > 1.0 {
		s = 1.0
	} else if s < -1.0 {
		s = -1.0
	}
	return int16(math.Round(s * math.MaxInt16))
}

func (w Waveform) PCM16() []byte {
	out := make([]byte, len(w.Samples)*NumChannels*(BitsPerSample/8))
	for i, sample := range w.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(Quantize(sample)))
	}
	return out
}

func (w Waveform) WAV() []byte {
	numSamples := len(w.Samples)
	dataSize := numSamples * NumChannels * (BitsPerSample / 8)
	fileSize := 36 + dataSize
	byteRate := w.SampleRate * NumChannels * (BitsPerSample / 8)
	blockAlign := NumChannels * (BitsPerSample / 8)

	var buf bytes.Buffer
	buf.Grow(44 + dataSize)

	// Writes into a bytes.Buffer cannot fail.
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(fileSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(NumChannels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(w.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(BitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(w.PCM16())

	return buf.Bytes()
}
