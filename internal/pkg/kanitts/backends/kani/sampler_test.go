package kani

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/engine"
)

func TestRepetitionPenalty(t *testing.T) {
	scores := []float64{2, -2, 2, 1}
	applyRepetitionPenalty(scores, []int64{0, 1, 0, 99, -1}, 2)
	assert.Equal(t, []float64{1, -4, 2, 1}, scores)

	unchanged := []float64{2, -2}
	applyRepetitionPenalty(unchanged, []int64{0, 1}, 1)
	assert.Equal(t, []float64{2, -2}, unchanged)
}

func TestGreedyPicksArgmax(t *testing.T) {
	s := NewSampler(7)
	logits := []float32{0.1, 3, 0.5, 2.9}
	p := engine.SamplingParams{Temperature: 0.7, TopP: 0.9, RepetitionPenalty: 1}

	assert.Equal(t, int64(1), s.Next(logits, nil, p, false))

	// The penalty demotes the repeated winner.
	p.RepetitionPenalty = 2
	assert.Equal(t, int64(3), s.Next(logits, []int64{1}, p, false))
}

func TestTopK(t *testing.T) {
	cands := topK([]float64{1, 5, 3, 4, 2}, 3)
	ids := make([]int, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	assert.Equal(t, []int{1, 3, 2}, ids)
	assert.Len(t, topK([]float64{1, 2}, 0), 2)
}

func TestNucleusKeepsAtLeastOne(t *testing.T) {
	probs := nucleus([]float64{0.6, 0.3, 0.1}, 0.1)
	assert.Equal(t, []float64{1}, probs)

	probs = nucleus([]float64{0.5, 0.3, 0.2}, 0.75)
	assert.Len(t, probs, 2)
	assert.InDelta(t, 0.625, probs[0], 1e-9)
	assert.InDelta(t, 0.375, probs[1], 1e-9)

	assert.Len(t, nucleus([]float64{0.5, 0.5}, 1), 2)
}

func TestSamplingStaysInsideNucleus(t *testing.T) {
	s := NewSampler(42)
	// After softmax the first two ids hold almost all of the mass.
	logits := []float32{10, 9.5, -5, -5, -5}
	p := engine.SamplingParams{Temperature: 1, TopP: 0.9, RepetitionPenalty: 1}

	seen := map[int64]int{}
	for range 500 {
		seen[s.Next(logits, nil, p, true)]++
	}
	for id := range seen {
		assert.Contains(t, []int64{0, 1}, id)
	}
	assert.Positive(t, seen[0])
	assert.Positive(t, seen[1])
}

func TestSamplingIsDeterministicPerSeed(t *testing.T) {
	logits := []float32{1, 1, 1, 1, 1, 1}
	p := engine.SamplingParams{Temperature: 1, TopP: 1, RepetitionPenalty: 1}

	a, b := NewSampler(3), NewSampler(3)
	for range 50 {
		assert.Equal(t, a.Next(logits, nil, p, true), b.Next(logits, nil, p, true))
	}
}
