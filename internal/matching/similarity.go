package matching

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

const (
	SimilaritySequence    = "sequence"
	SimilarityLevenshtein = "levenshtein"
	SimilarityEdit        = "edit"
)

// Similarity scores two strings in [0,1], 1 meaning identical.
type Similarity interface {
	Name() string
	Ratio(a, b string) float64
}

// SequenceRatio is the Ratcliff/Obershelp ratio: twice the number of runes in
// matching blocks divided by the total length of both strings.
type SequenceRatio struct{}

func (SequenceRatio) Name() string { return SimilaritySequence }

func (SequenceRatio) Ratio(a, b string) float64 {
	ra := []rune(strings.ToLower(a))
	rb := []rune(strings.ToLower(b))

	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	return 2 * float64(matchingRunes(ra, rb)) / float64(total)
}

func matchingRunes(a, b []rune) int {
	i, j, size := longestCommonBlock(a, b)
	if size == 0 {
		return 0
	}
	return size + matchingRunes(a[:i], b[:j]) + matchingRunes(a[i+size:], b[j+size:])
}

// longestCommonBlock returns the earliest longest common substring of a and b.
func longestCommonBlock(a, b []rune) (int, int, int) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0, 0
	}

	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	best, bestI, bestJ := 0, 0, 0

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] != b[j-1] {
				cur[j] = 0
				continue
			}
			cur[j] = prev[j-1] + 1
			if cur[j] > best {
				best = cur[j]
				bestI, bestJ = i-best, j-best
			}
		}
		prev, cur = cur, prev
	}

	return bestI, bestJ, best
}

// EditRatio is one minus the Levenshtein distance normalized by the longer string.
type EditRatio struct{}

func (EditRatio) Name() string { return SimilarityLevenshtein }

func (EditRatio) Ratio(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)

	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// SimilarityByName resolves a configured similarity. Unknown names fall back to SequenceRatio.
func SimilarityByName(name string) Similarity {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case SimilarityLevenshtein, SimilarityEdit:
		return EditRatio{}
	default:
		return SequenceRatio{}
	}
}
