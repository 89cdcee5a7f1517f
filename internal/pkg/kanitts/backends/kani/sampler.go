package kani

import (
	"container/heap"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/engine"
)

// defaultTopK matches the top-k filter transformers applies when sampling
// without an explicit top_k.
const defaultTopK = 50

// Sampler picks the next token from a row of logits. The order of the
// processors follows transformers: repetition penalty, temperature, top-k,
// top-p.
type Sampler struct {
	rng  *rand.Rand
	topK int
}

func NewSampler(seed uint64) *Sampler {
	return &Sampler{
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		topK: defaultTopK,
	}
}

type candidate struct {
	id    int
	score float64
}

// minHeap keeps the k best candidates with the worst on top.
type minHeap []candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].score < h[j].score }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (s *Sampler) Next(logits []float32, history []int64, p engine.SamplingParams, doSample bool) int64 {
	scores := make([]float64, len(logits))
	for i, l := range logits {
		scores[i] = float64(l)
	}
	applyRepetitionPenalty(scores, history, p.RepetitionPenalty)

	if !doSample {
		return int64(argmax(scores))
	}

	if p.Temperature > 0 && p.Temperature != 1 {
		for i := range scores {
			scores[i] /= p.Temperature
		}
	}

	cands := topK(scores, s.topK)
	if len(cands) == 0 {
		return int64(argmax(scores))
	}
	probs := softmax(cands)
	probs = nucleus(probs, p.TopP)

	r := s.rng.Float64()
	var cum float64
	for i, prob := range probs {
		cum += prob
		if r < cum {
			return int64(cands[i].id)
		}
	}
	return int64(cands[len(probs)-1].id)
}

// applyRepetitionPenalty divides positive logits and multiplies negative ones
// for every id already in the sequence.
func applyRepetitionPenalty(scores []float64, history []int64, penalty float64) {
	if penalty == 1 || penalty <= 0 {
		return
	}
	seen := make(map[int64]struct{}, len(history))
	for _, id := range history {
		if id < 0 || int(id) >= len(scores) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if scores[id] > 0 {
			scores[id] /= penalty
		} else {
			scores[id] *= penalty
		}
	}
}

func argmax(scores []float64) int {
	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}
	return best
}

// topK returns the k highest-scoring candidates, best first.
func topK(scores []float64, k int) []candidate {
	if k <= 0 || k > len(scores) {
		k = len(scores)
	}
	h := make(minHeap, 0, k)
	for id, score := range scores {
		if math.IsNaN(score) {
			continue
		}
		if h.Len() < k {
			heap.Push(&h, candidate{id: id, score: score})
		} else if score > h[0].score {
			h[0] = candidate{id: id, score: score}
			heap.Fix(&h, 0)
		}
	}
	out := []candidate(h)
	slices.SortStableFunc(out, func(a, b candidate) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return a.id - b.id
	})
	return out
}

func softmax(cands []candidate) []float64 {
	probs := make([]float64, len(cands))
	if len(cands) == 0 {
		return probs
	}
	maxScore := cands[0].score
	var sum float64
	for i, c := range cands {
		probs[i] = math.Exp(c.score - maxScore)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// nucleus keeps the smallest prefix of probs (sorted descending) whose mass
// reaches topP, always at least one entry, and renormalizes it.
func nucleus(probs []float64, topP float64) []float64 {
	if topP >= 1 || len(probs) == 0 {
		return probs
	}
	var cum float64
	keep := len(probs)
	for i, prob := range probs {
		cum += prob
		if cum >= topP {
			keep = i + 1
			break
		}
	}
	kept := probs[:keep]
	var sum float64
	for _, prob := range kept {
		sum += prob
	}
	for i := range kept {
		kept[i] /= sum
	}
	return kept
}
