package catalog

import (
	"math"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Score rates the similarity of a and b from 0 to 100. It is the best of a
// whole-string ratio, a token-order-insensitive ratio and, when one string is
// much shorter than the other, the best ratio of the shorter string against
// any equally long window of the longer one.
func Score(a, b string) int {
	a, b = normalize(a), normalize(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 100
	}

	best := ratio(a, b)
	if ts := 0.95 * ratio(sortTokens(a), sortTokens(b)); ts > best {
		best = ts
	}

	shorter, longer := []rune(a), []rune(b)
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	lenRatio := float64(len(longer)) / float64(len(shorter))
	if lenRatio >= 1.5 {
		scale := 0.9
		if lenRatio > 8 {
			scale = 0.6
		}
		if p := scale * partialRatio(shorter, longer); p > best {
			best = p
		}
	}
	return int(math.Round(best))
}

func ratio(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 100
	}
	dist := fuzzy.LevenshteinDistance(a, b)
	return 100 * (1 - float64(dist)/float64(longest))
}

func partialRatio(shorter, longer []rune) float64 {
	s := string(shorter)
	best := 0.0
	for i := 0; i+len(shorter) <= len(longer); i++ {
		r := ratio(s, string(longer[i:i+len(shorter)]))
		if r > best {
			best = r
			if best == 100 {
				break
			}
		}
	}
	return best
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func sortTokens(s string) string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}
