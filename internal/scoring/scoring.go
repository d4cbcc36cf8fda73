package scoring

import (
	"math"
	"regexp"
	"strings"
)

var wordRegex = regexp.MustCompile(`\w+`)

// SeenKeywords tracks how many times each configured keyword has appeared in
// a conversation so far. Counts are capped at the keyword's configured weight,
// so 0 <= seen[k] <= weights[k] always holds.
type SeenKeywords map[string]int

// Clone returns a copy so callers can score without mutating stored state.
func (s SeenKeywords) Clone() SeenKeywords {
	out := make(SeenKeywords, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Score updates the seen-keyword counts with the words of newText and returns
// the cumulative normalized score for the conversation.
//
// Each keyword contributes seen[k]/weights[k] (at most 1.0) to the raw score;
// the maximum raw score is the number of configured keywords, and the result
// is normalized to [0, 100] and rounded to 2 decimals. An empty weight map
// scores 0. The returned map is a new map; the input is not mutated.
func Score(newText string, weights map[string]int, seen SeenKeywords) (SeenKeywords, float64) {
	updated := seen.Clone()

	for _, word := range Tokenize(newText) {
		weight, ok := weights[word]
		if !ok || weight <= 0 {
			continue
		}
		if updated[word] < weight {
			updated[word]++
		}
	}

	if len(weights) == 0 {
		return updated, 0
	}

	var raw float64
	for keyword, count := range updated {
		weight, ok := weights[keyword]
		if !ok || weight <= 0 {
			// Keyword removed from the project config since it was seen.
			continue
		}
		raw += float64(count) / float64(weight)
	}

	normalized := raw / float64(len(weights)) * 100
	return updated, math.Round(normalized*100) / 100
}

// Tokenize splits text into lowercase word tokens.
func Tokenize(text string) []string {
	return wordRegex.FindAllString(strings.ToLower(text), -1)
}
