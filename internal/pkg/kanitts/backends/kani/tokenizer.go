package kani

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"
)

// byteRunes maps every byte to the printable rune byte-level BPE
// vocabularies spell it with, so a leading space becomes "Ġ" and "ñ" becomes
// "Ã±".
var byteRunes = func() [256]rune {
	var table [256]rune
	shifted := 0
	for b := range 256 {
		if (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF) {
			table[b] = rune(b)
			continue
		}
		table[b] = rune(256 + shifted)
		shifted++
	}
	return table
}()

type mergePair struct {
	left, right string
}

// Tokenizer is a byte-level BPE tokenizer over a vocab.json token-to-id map
// and an optional merges.txt. Without merges it falls back to greedy
// longest match inside each pre-tokenized word.
type Tokenizer struct {
	tokenToID map[string]int64
	ranks     map[mergePair]int
	maxLen    int
	unkID     int64
	hasUnk    bool
}

// NewTokenizer loads vocabPath and, when mergesPath is not empty, the merge
// ranks.
func NewTokenizer(vocabPath, mergesPath string) (*Tokenizer, error) {
	vocabData, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocab file: %w", err)
	}

	var vocab map[string]int64
	if err := json.Unmarshal(vocabData, &vocab); err != nil {
		return nil, fmt.Errorf("failed to parse vocab JSON: %w", err)
	}

	var ranks map[mergePair]int
	if mergesPath != "" {
		ranks, err = readMerges(mergesPath)
		if err != nil {
			return nil, err
		}
	}
	return newTokenizer(vocab, ranks)
}

func readMerges(path string) (map[mergePair]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open merges file: %w", err)
	}
	defer f.Close()

	ranks := make(map[mergePair]int)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#version") {
			continue
		}
		left, right, ok := strings.Cut(text, " ")
		if !ok || left == "" || right == "" || strings.Contains(right, " ") {
			return nil, fmt.Errorf("merges line %d: malformed pair %q", line, text)
		}
		p := mergePair{left, right}
		if _, dup := ranks[p]; !dup {
			ranks[p] = len(ranks)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read merges file: %w", err)
	}
	return ranks, nil
}

func newTokenizer(vocab map[string]int64, ranks map[mergePair]int) (*Tokenizer, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("vocab is empty")
	}

	t := &Tokenizer{tokenToID: make(map[string]int64, len(vocab))}
	for token, id := range vocab {
		if id < 0 || id >= tokeniserLength {
			return nil, fmt.Errorf("token %q has id %d outside the text range [0, %d)", token, id, tokeniserLength)
		}
		t.tokenToID[token] = id
		t.maxLen = max(t.maxLen, len(token))
	}
	if len(ranks) > 0 {
		t.ranks = ranks
	}
	for _, unk := range []string{"<|unk|>", "<unk>"} {
		if id, ok := t.tokenToID[unk]; ok {
			t.unkID, t.hasUnk = id, true
			break
		}
	}
	return t, nil
}

// Encode splits text into vocabulary ids. Bytes no vocabulary entry covers
// map to the unknown token, or are dropped when the vocabulary has none.
func (t *Tokenizer) Encode(text string) []int64 {
	ids := make([]int64, 0, len(text)/2+1)
	for _, word := range splitWords(text) {
		ids = t.appendWord(ids, byteLevel(word))
	}
	return ids
}

func (t *Tokenizer) appendWord(ids []int64, word string) []int64 {
	if id, ok := t.tokenToID[word]; ok {
		return append(ids, id)
	}
	if t.ranks == nil {
		return t.appendGreedy(ids, word)
	}
	for _, piece := range t.merge(word) {
		if id, ok := t.tokenToID[piece]; ok {
			ids = append(ids, id)
			continue
		}
		ids = t.appendGreedy(ids, piece)
	}
	return ids
}

// merge applies the lowest ranked merge to every occurrence of its pair
// until no adjacent pair has a rank.
func (t *Tokenizer) merge(word string) []string {
	parts := make([]string, 0, utf8.RuneCountInString(word))
	for _, r := range word {
		parts = append(parts, string(r))
	}

	for len(parts) > 1 {
		best, bestRank := mergePair{}, math.MaxInt
		for i := 0; i+1 < len(parts); i++ {
			p := mergePair{parts[i], parts[i+1]}
			if rank, ok := t.ranks[p]; ok && rank < bestRank {
				best, bestRank = p, rank
			}
		}
		if bestRank == math.MaxInt {
			break
		}

		merged := make([]string, 0, len(parts))
		for i := 0; i < len(parts); {
			if i+1 < len(parts) && parts[i] == best.left && parts[i+1] == best.right {
				merged = append(merged, best.left+best.right)
				i += 2
				continue
			}
			merged = append(merged, parts[i])
			i++
		}
		parts = merged
	}
	return parts
}

func (t *Tokenizer) appendGreedy(ids []int64, remaining string) []int64 {
	for len(remaining) > 0 {
		n := min(t.maxLen, len(remaining))
		matched := false
		for ; n > 0; n-- {
			if id, ok := t.tokenToID[remaining[:n]]; ok {
				ids = append(ids, id)
				remaining = remaining[n:]
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		_, size := utf8.DecodeRuneInString(remaining)
		if t.hasUnk {
			ids = append(ids, t.unkID)
		}
		remaining = remaining[size:]
	}
	return ids
}

func (t *Tokenizer) VocabSize() int {
	return len(t.tokenToID)
}

func byteLevel(word string) string {
	var b strings.Builder
	b.Grow(len(word) * 2)
	for i := 0; i < len(word); i++ {
		b.WriteRune(byteRunes[word[i]])
	}
	return b.String()
}

type runeClass int

const (
	classSpace runeClass = iota
	classLetter
	classNumber
	classOther
)

func classOf(r rune) runeClass {
	switch {
	case unicode.IsSpace(r):
		return classSpace
	case unicode.IsLetter(r) || unicode.IsMark(r):
		return classLetter
	case unicode.IsNumber(r):
		return classNumber
	default:
		return classOther
	}
}

// splitWords cuts text into runs of one rune class. A single space right
// before a run stays attached to it; other whitespace forms its own word.
func splitWords(text string) []string {
	runes := []rune(text)
	n := len(runes)
	var words []string

	for i := 0; i < n; {
		if classOf(runes[i]) == classSpace {
			j := i
			for j < n && classOf(runes[j]) == classSpace {
				j++
			}
			if j < n && runes[j-1] == ' ' {
				j--
			}
			if j > i {
				words = append(words, string(runes[i:j]))
				i = j
				continue
			}
		}

		k := i
		if runes[k] == ' ' {
			k++
		}
		class := classOf(runes[k])
		for k < n && classOf(runes[k]) == class {
			k++
		}
		words = append(words, string(runes[i:k]))
		i = k
	}
	return words
}
