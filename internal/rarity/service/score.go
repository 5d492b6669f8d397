package service

import (
	"math"
	"math/bits"
	"strings"
	"unicode"

	"golang.org/x/crypto/sha3"

	"sovereign/internal/rarity/models"
)

// maxRootLength is the label length at which the position component reaches zero.
const maxRootLength = 12

// Components are the per-factor scores in [0,1] before weighting.
type Components struct {
	Position     float64 `json:"position"`
	Pattern      float64 `json:"pattern"`
	HashEntropy  float64 `json:"hash_entropy"`
	Distribution float64 `json:"distribution"`
	Structural   float64 `json:"structural"`
}

// Assessment is the scored view of one identifier.
type Assessment struct {
	Identifier string          `json:"identifier"`
	Score      int             `json:"score"`
	Tier       models.TierName `json:"tier"`
	Components Components      `json:"components"`
}

// Scorer computes deterministic rarity scores.
type Scorer struct {
	weights models.Weights
}

func NewScorer(weights models.Weights) *Scorer {
	return &Scorer{weights: weights}
}

// Score returns an integer in [0, MaxScore]. It is a pure function of the
// identifier, the caller-supplied material and the weights.
func (s *Scorer) Score(identifier string, material []byte) (int, Components) {
	root := LabelRoot(identifier)
	c := Components{
		Position:     positionComponent(root),
		Pattern:      patternComponent(root),
		HashEntropy:  hashEntropyComponent(identifier, material),
		Distribution: distributionComponent(root),
		Structural:   structuralComponent(root),
	}
	w := s.weights
	total := float64(w.Position)*c.Position +
		float64(w.Pattern)*c.Pattern +
		float64(w.HashEntropy)*c.HashEntropy +
		float64(w.Distribution)*c.Distribution +
		float64(w.Structural)*c.Structural
	score := int(math.Round(total))
	return max(0, min(models.MaxScore, score)), c
}

// LabelRoot is the identifier up to its first dot.
func LabelRoot(identifier string) string {
	if i := strings.IndexByte(identifier, '.'); i >= 0 {
		return identifier[:i]
	}
	return identifier
}

func positionComponent(root string) float64 {
	n := len(root)
	if n == 0 {
		return 0
	}
	if n >= maxRootLength {
		return 0
	}
	return float64(maxRootLength-n) / float64(maxRootLength-1)
}

func patternComponent(root string) float64 {
	n := len(root)
	switch {
	case n == 0:
		return 0
	case allSame(root):
		return 1
	case n >= 2 && isPalindrome(root):
		return 0.7
	case n >= 3 && isSequential(root):
		return 0.6
	case n >= 4 && isRepeatedUnit(root):
		return 0.5
	}
	return 0.4 * float64(longestRun(root)-1) / float64(n-1)
}

func hashEntropyComponent(identifier string, material []byte) float64 {
	h := sha3.New256()
	h.Write(material)
	h.Write([]byte(identifier))
	sum := h.Sum(nil)

	zeros := 0
	for _, b := range sum {
		if b != 0 {
			zeros += bits.LeadingZeros8(b)
			break
		}
		zeros += 8
	}
	return float64(min(zeros, 16)) / 16
}

func distributionComponent(root string) float64 {
	n := len(root)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return 1
	}
	freq := make(map[byte]int, n)
	for i := 0; i < n; i++ {
		freq[root[i]]++
	}
	var entropy float64
	for _, count := range freq {
		p := float64(count) / float64(n)
		entropy -= p * math.Log2(p)
	}
	maxEntropy := math.Log2(float64(min(n, 256)))
	return 1 - entropy/maxEntropy
}

func structuralComponent(root string) float64 {
	if root == "" {
		return 0
	}
	var digits, letters, other int
	for _, r := range root {
		switch {
		case unicode.IsDigit(r):
			digits++
		case unicode.IsLetter(r):
			letters++
		default:
			other++
		}
	}
	switch {
	case other > 0:
		return 0.2
	case letters == 0:
		return 1
	case digits == 0:
		return 0.6
	default:
		return 0.4
	}
}

func allSame(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}

func isPalindrome(s string) bool {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		if s[i] != s[j] {
			return false
		}
	}
	return true
}

func isSequential(s string) bool {
	step := int(s[1]) - int(s[0])
	if step != 1 && step != -1 {
		return false
	}
	for i := 2; i < len(s); i++ {
		if int(s[i])-int(s[i-1]) != step {
			return false
		}
	}
	return true
}

func isRepeatedUnit(s string) bool {
	n := len(s)
	for unit := 1; unit <= n/2; unit++ {
		if n%unit != 0 {
			continue
		}
		if strings.Repeat(s[:unit], n/unit) == s {
			return true
		}
	}
	return false
}

func longestRun(s string) int {
	best, run := 1, 1
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1] {
			run++
			best = max(best, run)
		} else {
			run = 1
		}
	}
	return best
}
