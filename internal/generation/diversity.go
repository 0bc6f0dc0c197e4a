package generation

import (
	"strings"
	"unicode"
)

// DefaultSimilarityThreshold is the trigram similarity at which two
// candidates count as duplicates.
const DefaultSimilarityThreshold = 0.85

const (
	maxAvoidItems = 6
	avoidSummary  = 160
)

// Normalize lowercases text and drops everything but letters, digits and underscores.
func Normalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func trigrams(text string) map[string]struct{} {
	runes := []rune(text)
	grams := make(map[string]struct{})
	if len(runes) == 0 {
		return grams
	}
	if len(runes) <= 3 {
		grams[text] = struct{}{}
		return grams
	}
	for i := 0; i+3 <= len(runes); i++ {
		grams[string(runes[i:i+3])] = struct{}{}
	}
	return grams
}

// Similarity is the Jaccard index of the character trigrams of a and b.
func Similarity(a, b string) float64 {
	ga, gb := trigrams(Normalize(a)), trigrams(Normalize(b))
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}
	inter := 0
	for g := range ga {
		if _, ok := gb[g]; ok {
			inter++
		}
	}
	union := len(ga) + len(gb) - inter
	return float64(inter) / float64(union)
}

// IsDuplicate reports whether text is blank or too similar to any of existing.
func IsDuplicate(text string, existing []string, threshold float64) bool {
	if Normalize(text) == "" {
		return true
	}
	for _, ex := range existing {
		if Similarity(text, ex) >= threshold {
			return true
		}
	}
	return false
}

// summarize flattens text to one line of at most limit runes.
func summarize(text string, limit int) string {
	flat := strings.ReplaceAll(strings.TrimSpace(text), "\n", " ")
	runes := []rune(flat)
	if len(runes) > limit {
		return string(runes[:limit])
	}
	return flat
}

// avoidList shortens and deduplicates the contents of a superseded round.
func avoidList(contents []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, c := range contents {
		s := summarize(c, avoidSummary)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if len(out) == maxAvoidItems {
			break
		}
	}
	return out
}
