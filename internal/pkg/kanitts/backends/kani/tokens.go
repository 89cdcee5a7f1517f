package kani

import "github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/engine"

// Control ids sit right after the text vocabulary; audio codes follow them,
// one block of codebookSize ids per codebook.
const (
	tokeniserLength = 64400

	startOfText = 1
	endOfText   = 2

	startOfSpeech = tokeniserLength + 1
	endOfSpeech   = tokeniserLength + 2
	startOfHuman  = tokeniserLength + 3
	endOfHuman    = tokeniserLength + 4
	startOfAI     = tokeniserLength + 5
	endOfAI       = tokeniserLength + 6

	audioTokensStart = tokeniserLength + 10
	codebookSize     = 4032
	numCodebooks     = 4
)

// buildPrompt lays out one human turn for the speaker:
// start-of-human, start-of-text, "speaker: text", end-of-text, end-of-human.
// The model continues with start-of-ai and start-of-speech on its own.
func buildPrompt(tok *Tokenizer, text, speaker string) engine.Tokens {
	prompt := text
	if speaker != "" {
		prompt = speaker + ": " + text
	}
	body := tok.Encode(prompt)

	ids := make([]int64, 0, len(body)+4)
	ids = append(ids, startOfHuman, startOfText)
	ids = append(ids, body...)
	ids = append(ids, endOfText, endOfHuman)

	mask := make([]int64, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return engine.Tokens{IDs: ids, Mask: mask}
}
