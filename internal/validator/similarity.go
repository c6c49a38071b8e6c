package validator

import (
	"strings"
	"unicode"
)

// maxSignatureRunes caps the length of a normalized signature.
const maxSignatureRunes = 80

// Signature normalizes text for repetition checks: every rune that is not a
// letter, digit or underscore is removed, the rest is lower-cased and the
// result is capped.
func Signature(text string) string {
	var b strings.Builder
	n := 0
	for _, r := range strings.ToLower(text) {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			continue
		}
		b.WriteRune(r)
		n++
		if n == maxSignatureRunes {
			break
		}
	}
	return b.String()
}

// SequenceRatio measures similarity of a and b as 2*M/T, where M is the
// number of runes in matching blocks found by recursively taking the longest
// common substring and T the total rune count. Two empty strings score 1.
func SequenceRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	return 2 * float64(matchingRunes(ra, rb)) / float64(total)
}

func matchingRunes(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	i, j, size := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	return size + matchingRunes(a[:i], b[:j]) + matchingRunes(a[i+size:], b[j+size:])
}

// longestCommonSubstring returns the earliest longest common run of a and b.
func longestCommonSubstring(a, b []rune) (int, int, int) {
	bestI, bestJ, best := 0, 0, 0
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best = cur[j]
					bestI, bestJ = i-best, j-best
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return bestI, bestJ, best
}
