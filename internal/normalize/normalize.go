// Package normalize canonicalizes free-text trip facts for comparison.
package normalize

import (
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold strips diacritics and lowercases s. "Zürich" and "zurich" fold equal.
func Fold(s string) string {
	// Transformers are stateful; build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Text folds s and reduces it to space-separated alphanumeric words.
func Text(s string) string {
	return strings.Join(Tokens(s), " ")
}

// Tokens returns the folded alphanumeric words of s.
func Tokens(s string) []string {
	return strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Code canonicalizes identifiers such as confirmation codes and flight
// numbers: whitespace, dashes and case are not significant.
func Code(s string) string {
	var b strings.Builder
	for _, r := range Fold(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// TokenSubset reports whether every token of a appears in b. Empty a is
// never a subset.
func TokenSubset(a, b string) bool {
	ta := Tokens(a)
	if len(ta) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(ta))
	for _, t := range Tokens(b) {
		set[t] = struct{}{}
	}
	for _, t := range ta {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// Containment is the share of the shorter token list found in the longer one.
func Containment(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	if len(ta) > len(tb) {
		ta, tb = tb, ta
	}
	set := make(map[string]struct{}, len(tb))
	for _, t := range tb {
		set[t] = struct{}{}
	}
	var hit int
	for _, t := range ta {
		if _, ok := set[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(ta))
}

// Similarity scores two place or entity names in [0, 1]. It is tolerant of
// case, diacritics, punctuation and partial matches: "Hilton Barcelona" and
// "Hilton Barcelona Downtown" score 1.
func Similarity(a, b string) float64 {
	na, nb := Text(a), Text(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	c := Containment(na, nb)
	l := levenshtein.Similarity(na, nb, nil)
	if l > c {
		return l
	}
	return c
}
