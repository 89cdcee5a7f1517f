// Package preprocess cleans Spanish input text before tokenization.
package preprocess

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	urlRe        = regexp.MustCompile(`https?://\S+|www\.\S+`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	emailRe      = regexp.MustCompile(`\S+@\S+\.\S+`)
)

type Preprocessor struct{}

func NewPreprocessor() *Preprocessor {
	return &Preprocessor{}
}

func (p *Preprocessor) Process(text string) string {
	text = norm.NFC.String(text)
	text = urlRe.ReplaceAllString(text, "")
	text = htmlTagRe.ReplaceAllString(text, "")
	text = emailRe.ReplaceAllString(text, "")
	text = stripThousandsSeparators(text)
	text = expandCurrency(text)
	text = expandPercent(text)
	text = expandTime(text)
	text = expandOrdinals(text)
	text = expandDecimals(text)
	text = expandNumbers(text)
	text = normalizeQuotes(text)
	text = normalizePunctuation(text)
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	return text
}

var onesWords = []string{
	"", "uno", "dos", "tres", "cuatro", "cinco", "seis", "siete", "ocho", "nueve",
	"diez", "once", "doce", "trece", "catorce", "quince", "dieciséis", "diecisiete",
	"dieciocho", "diecinueve", "veinte", "veintiuno", "veintidós", "veintitrés",
	"veinticuatro", "veinticinco", "veintiséis", "veintisiete", "veintiocho", "veintinueve",
}

var tensWords = []string{
	"", "", "", "treinta", "cuarenta", "cincuenta", "sesenta", "setenta", "ochenta", "noventa",
}

var hundredsWords = []string{
	"", "ciento", "doscientos", "trescientos", "cuatrocientos", "quinientos",
	"seiscientos", "setecientos", "ochocientos", "novecientos",
}

// maxSpelled is the largest magnitude spelled out; longer digit runs are
// left alone.
const maxSpelled = 999_999_999_999

func numberToWords(n int64) string {
	if n == 0 {
		return "cero"
	}
	if n < 0 {
		return "menos " + numberToWords(-n)
	}

	var parts []string
	millions := n / 1_000_000
	rest := n % 1_000_000
	if millions == 1 {
		parts = append(parts, "un millón")
	} else if millions > 1 {
		parts = append(parts, apocope(thousandsToWords(millions))+" millones")
	}
	if rest > 0 {
		parts = append(parts, thousandsToWords(rest))
	}
	return strings.Join(parts, " ")
}

func thousandsToWords(n int64) string {
	var parts []string
	thousands := n / 1000
	rest := n % 1000
	if thousands == 1 {
		parts = append(parts, "mil")
	} else if thousands > 1 {
		parts = append(parts, apocope(chunkToWords(int(thousands)))+" mil")
	}
	if rest > 0 {
		parts = append(parts, chunkToWords(int(rest)))
	}
	return strings.Join(parts, " ")
}

func chunkToWords(n int) string {
	if n == 100 {
		return "cien"
	}
	var parts []string
	if h := n / 100; h > 0 {
		parts = append(parts, hundredsWords[h])
	}
	if r := n % 100; r > 0 {
		parts = append(parts, tensToWords(r))
	}
	return strings.Join(parts, " ")
}

func tensToWords(n int) string {
	if n < 30 {
		return onesWords[n]
	}
	if ones := n % 10; ones != 0 {
		return tensWords[n/10] + " y " + onesWords[ones]
	}
	return tensWords[n/10]
}

// apocope shortens a trailing "uno" before a noun: veintiún mil, un millón.
func apocope(words string) string {
	switch {
	case strings.HasSuffix(words, "veintiuno"):
		return strings.TrimSuffix(words, "veintiuno") + "veintiún"
	case strings.HasSuffix(words, "uno"):
		return strings.TrimSuffix(words, "uno") + "un"
	}
	return words
}

func parseDigits(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n > maxSpelled {
		return 0, false
	}
	return n, true
}

var thousandsSepRe = regexp.MustCompile(`\b\d{1,3}(?:\.\d{3})+\b`)

func stripThousandsSeparators(text string) string {
	return thousandsSepRe.ReplaceAllStringFunc(text, func(match string) string {
		return strings.ReplaceAll(match, ".", "")
	})
}

var numberRe = regexp.MustCompile(`\b\d+\b`)

func expandNumbers(text string) string {
	return numberRe.ReplaceAllStringFunc(text, func(match string) string {
		n, ok := parseDigits(match)
		if !ok {
			return match
		}
		return numberToWords(n)
	})
}

var decimalRe = regexp.MustCompile(`\b(\d+),(\d+)\b`)

func expandDecimals(text string) string {
	return decimalRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := decimalRe.FindStringSubmatch(match)
		whole, ok1 := parseDigits(parts[1])
		frac, ok2 := parseDigits(parts[2])
		if !ok1 || !ok2 {
			return match
		}
		return numberToWords(whole) + " coma " + numberToWords(frac)
	})
}

var currencyRe = regexp.MustCompile(`\$\s?(\d+)(?:,(\d{2}))?`)

func expandCurrency(text string) string {
	return currencyRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := currencyRe.FindStringSubmatch(match)
		n, ok := parseDigits(parts[1])
		if !ok {
			return match
		}
		var result string
		if n == 1 {
			result = "un peso"
		} else {
			result = apocope(numberToWords(n)) + " pesos"
		}
		if parts[2] != "" && parts[2] != "00" {
			cents, _ := parseDigits(parts[2])
			if cents == 1 {
				result += " con un centavo"
			} else {
				result += " con " + apocope(numberToWords(cents)) + " centavos"
			}
		}
		return result
	})
}

var percentRe = regexp.MustCompile(`(\d+)\s?%`)

func expandPercent(text string) string {
	return percentRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := percentRe.FindStringSubmatch(match)
		n, ok := parseDigits(parts[1])
		if !ok {
			return match
		}
		return numberToWords(n) + " por ciento"
	})
}

var timeRe = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)

func expandTime(text string) string {
	return timeRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := timeRe.FindStringSubmatch(match)
		hour, _ := parseDigits(parts[1])
		minute, _ := parseDigits(parts[2])
		if hour > 23 || minute > 59 {
			return match
		}
		result := numberToWords(hour)
		if minute == 0 {
			return result + " en punto"
		}
		return result + " y " + numberToWords(minute)
	})
}

// º and ª are outside \w, so the suffix has no trailing \b.
var ordinalRe = regexp.MustCompile(`\b(\d{1,2})([ºª°])`)

var ordinalWords = []string{
	"", "primero", "segundo", "tercero", "cuarto", "quinto",
	"sexto", "séptimo", "octavo", "noveno", "décimo",
}

func expandOrdinals(text string) string {
	return ordinalRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := ordinalRe.FindStringSubmatch(match)
		n, _ := parseDigits(parts[1])
		if n < 1 || int(n) >= len(ordinalWords) {
			return numberToWords(n)
		}
		word := ordinalWords[n]
		if parts[2] == "ª" {
			word = strings.TrimSuffix(word, "o") + "a"
		}
		return word
	})
}

func normalizeQuotes(text string) string {
	text = strings.ReplaceAll(text, "“", "\"")
	text = strings.ReplaceAll(text, "”", "\"")
	text = strings.ReplaceAll(text, "‘", "'")
	text = strings.ReplaceAll(text, "’", "'")
	text = strings.ReplaceAll(text, "«", "\"")
	text = strings.ReplaceAll(text, "»", "\"")
	return text
}

func normalizePunctuation(text string) string {
	text = strings.ReplaceAll(text, "—", ", ")
	text = strings.ReplaceAll(text, "–", ", ")
	text = strings.ReplaceAll(text, "…", "...")
	text = strings.ReplaceAll(text, "•", ",")
	return text
}
