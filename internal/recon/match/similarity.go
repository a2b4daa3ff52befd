package match

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// numericTokenWeight boosts tokens made of digits (document numbers, NSU,
// invoice references) which identify a movement far better than words.
const numericTokenWeight = 2.0

var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeDescription lower-cases, strips diacritics, and splits a free-text
// bank description into comparable tokens.
func normalizeDescription(s string) []string {
	folded, _, err := transform.String(deaccent, strings.ToLower(s))
	if err != nil {
		folded = strings.ToLower(s)
	}
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func isNumericToken(tok string) bool {
	for _, r := range tok {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return tok != ""
}

// descriptionSimilarity returns a weighted token-overlap score in [0, 1].
// Numeric tokens shared by both descriptions count double. The score is a
// tie-break only; it never qualifies or disqualifies a pair by itself.
func descriptionSimilarity(a, b string) float64 {
	ta := normalizeDescription(a)
	tb := normalizeDescription(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	setA := make(map[string]struct{}, len(ta))
	for _, tok := range ta {
		setA[tok] = struct{}{}
	}
	setB := make(map[string]struct{}, len(tb))
	for _, tok := range tb {
		setB[tok] = struct{}{}
	}

	var shared, total float64
	for tok := range setA {
		w := 1.0
		if isNumericToken(tok) {
			w = numericTokenWeight
		}
		total += w
		if _, ok := setB[tok]; ok {
			shared += w
		}
	}
	for tok := range setB {
		if _, ok := setA[tok]; ok {
			continue
		}
		if isNumericToken(tok) {
			total += numericTokenWeight
		} else {
			total++
		}
	}
	if total == 0 {
		return 0
	}
	return shared / total
}
