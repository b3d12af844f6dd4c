package router

import (
	"strings"

	"github.com/MrWong99/echonet/internal/registry"
	"github.com/antzucaro/matchr"
)

// fuzzyScan looks for a wake phrase the exact containment scan missed,
// tolerating ASR mishearings ("hey astrea" for "hey astra"). For each indexed
// phrase it slides a window of the same token count across the transcript;
// a window is a hit when every token pair either shares a Double Metaphone
// code or clears the Jaro-Winkler threshold, and the whole window's
// similarity clears it too.
//
// Entries arrive longest-first from the index, so the most specific phrase
// still wins.
func fuzzyScan(text string, entries []registry.Entry, threshold float64) (registry.Entry, string, bool) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return registry.Entry{}, "", false
	}

	for _, e := range entries {
		phraseTokens := strings.Fields(e.Phrase)
		n := len(phraseTokens)
		if n == 0 || n > len(tokens) {
			continue
		}
		for i := 0; i+n <= len(tokens); i++ {
			window := tokens[i : i+n]
			if !windowMatches(window, phraseTokens, threshold) {
				continue
			}
			matched := strings.Join(window, " ")
			if matchr.JaroWinkler(matched, e.Phrase, true) < threshold {
				continue
			}
			return e, matched, true
		}
	}
	return registry.Entry{}, "", false
}

func windowMatches(window, phrase []string, threshold float64) bool {
	for i := range phrase {
		if !tokensAlike(window[i], phrase[i], threshold) {
			return false
		}
	}
	return true
}

func tokensAlike(a, b string, threshold float64) bool {
	if a == b {
		return true
	}
	p1, s1 := matchr.DoubleMetaphone(a)
	p2, s2 := matchr.DoubleMetaphone(b)
	if p1 != "" && (p1 == p2 || p1 == s2) {
		return true
	}
	if s1 != "" && (s1 == p2 || s1 == s2) {
		return true
	}
	return matchr.JaroWinkler(a, b, true) >= threshold
}
