package models

import (
	"fmt"
	"os"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	dErrors "sovereign/pkg/domain-errors"
)

// TierName identifies a rarity tier.
type TierName string

const (
	TierMythic    TierName = "Mythic"
	TierLegendary TierName = "Legendary"
	TierEpic      TierName = "Epic"
	TierRare      TierName = "Rare"
	TierUncommon  TierName = "Uncommon"
	TierCommon    TierName = "Common"
)

// TierNames lists the protocol tiers, rarest first. A policy may move their
// ranges but never adds, drops or renames one.
var TierNames = []TierName{TierMythic, TierLegendary, TierEpic, TierRare, TierUncommon, TierCommon}

// MaxScore is the upper bound of the score range.
const MaxScore = 1000

// DefaultTotalSupply is the protocol-wide issuance cap.
const DefaultTotalSupply = 3000

func (t TierName) String() string { return string(t) }

// Tier is a named, inclusive score band with a fixed quota.
type Tier struct {
	Name  TierName `yaml:"name" json:"name"`
	Min   int      `yaml:"min" json:"min_score"`
	Max   int      `yaml:"max" json:"max_score"`
	Quota int      `yaml:"quota" json:"quota"`
}

// Contains reports whether score falls inside the band.
func (t Tier) Contains(score int) bool {
	return score >= t.Min && score <= t.Max
}

// Weights are the score contribution ceilings of each scoring component.
type Weights struct {
	Position     int `yaml:"position" json:"position"`
	Pattern      int `yaml:"pattern" json:"pattern"`
	HashEntropy  int `yaml:"hash_entropy" json:"hash_entropy"`
	Distribution int `yaml:"distribution" json:"distribution"`
	Structural   int `yaml:"structural" json:"structural"`
}

func (w Weights) Sum() int {
	return w.Position + w.Pattern + w.HashEntropy + w.Distribution + w.Structural
}

// Policy is the full rarity configuration.
//
// Invariants:
//   - exactly the six protocol tiers, each once
//   - tiers cover [0, MaxScore] with no gap and no overlap
//   - TotalSupply is DefaultTotalSupply and the quotas sum to it
//   - weights sum to MaxScore
type Policy struct {
	TotalSupply int     `yaml:"total_supply"`
	Weights     Weights `yaml:"weights"`
	Tiers       []Tier  `yaml:"tiers"`
}

// DefaultPolicy returns the protocol tier table.
func DefaultPolicy() Policy {
	return Policy{
		TotalSupply: DefaultTotalSupply,
		Weights: Weights{
			Position:     200,
			Pattern:      300,
			HashEntropy:  100,
			Distribution: 150,
			Structural:   250,
		},
		Tiers: []Tier{
			{Name: TierMythic, Min: 900, Max: 1000, Quota: 3},
			{Name: TierLegendary, Min: 800, Max: 899, Quota: 15},
			{Name: TierEpic, Min: 600, Max: 799, Quota: 60},
			{Name: TierRare, Min: 400, Max: 599, Quota: 210},
			{Name: TierUncommon, Min: 200, Max: 399, Quota: 600},
			{Name: TierCommon, Min: 0, Max: 199, Quota: 2112},
		},
	}
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.TotalSupply != DefaultTotalSupply {
		return dErrors.New(dErrors.CodeInvariantViolation,
			fmt.Sprintf("total supply is fixed at %d, got %d", DefaultTotalSupply, p.TotalSupply)).
			WithDetails(map[string]any{"total_supply": p.TotalSupply})
	}
	if len(p.Tiers) != len(TierNames) {
		return dErrors.New(dErrors.CodeInvariantViolation,
			fmt.Sprintf("policy must define %d tiers, got %d", len(TierNames), len(p.Tiers)))
	}
	if p.Weights.Sum() != MaxScore {
		return dErrors.New(dErrors.CodeInvariantViolation,
			fmt.Sprintf("score weights must sum to %d, got %d", MaxScore, p.Weights.Sum()))
	}

	sorted := append([]Tier(nil), p.Tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })

	seen := make(map[TierName]struct{}, len(sorted))
	next, total := 0, 0
	for _, t := range sorted {
		if t.Name == "" {
			return dErrors.New(dErrors.CodeInvariantViolation, "tier name is required")
		}
		if !slices.Contains(TierNames, t.Name) {
			return dErrors.New(dErrors.CodeInvariantViolation, "unknown tier "+t.Name.String()).
				WithDetails(map[string]any{"tier": t.Name})
		}
		if _, dup := seen[t.Name]; dup {
			return dErrors.New(dErrors.CodeInvariantViolation, "duplicate tier "+t.Name.String())
		}
		seen[t.Name] = struct{}{}
		if t.Min != next {
			return dErrors.New(dErrors.CodeInvariantViolation,
				fmt.Sprintf("tier %s starts at %d, expected %d", t.Name, t.Min, next))
		}
		if t.Max < t.Min {
			return dErrors.New(dErrors.CodeInvariantViolation, "tier "+t.Name.String()+" has an empty range")
		}
		if t.Quota < 0 {
			return dErrors.New(dErrors.CodeInvariantViolation, "tier "+t.Name.String()+" has a negative quota")
		}
		next = t.Max + 1
		total += t.Quota
	}
	if next != MaxScore+1 {
		return dErrors.New(dErrors.CodeInvariantViolation,
			fmt.Sprintf("tiers end at %d, expected %d", next-1, MaxScore))
	}
	if total != p.TotalSupply {
		return dErrors.New(dErrors.CodeInvariantViolation,
			fmt.Sprintf("tier quotas sum to %d, total supply is %d", total, p.TotalSupply))
	}
	return nil
}

// TierFor maps a score to its tier. Scores outside [0, MaxScore] are clamped.
func (p Policy) TierFor(score int) Tier {
	score = max(0, min(MaxScore, score))
	for _, t := range p.Tiers {
		if t.Contains(score) {
			return t
		}
	}
	// unreachable for a validated policy
	return p.Tiers[len(p.Tiers)-1]
}

// Tier looks up a tier by name.
func (p Policy) Tier(name TierName) (Tier, bool) {
	for _, t := range p.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}

// LoadPolicy reads a YAML policy file and validates it.
func LoadPolicy(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read tier policy: %w", err)
	}
	return ParsePolicy(raw)
}

// ParsePolicy decodes and validates a YAML policy. An omitted total_supply
// means the protocol default.
func ParsePolicy(raw []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, dErrors.Wrap(err, dErrors.CodeValidation, "invalid tier policy yaml")
	}
	if p.TotalSupply == 0 {
		p.TotalSupply = DefaultTotalSupply
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// TierCount is the ledger view of one tier.
type TierCount struct {
	Tier   TierName `json:"tier"`
	Min    int      `json:"min_score"`
	Max    int      `json:"max_score"`
	Quota  int      `json:"quota"`
	Issued int      `json:"issued"`
}

func (c TierCount) Remaining() int {
	return c.Quota - c.Issued
}

// Reservation is the result of consuming one quota slot.
type Reservation struct {
	Tier TierName
	// Issued is the tier count after the increment.
	Issued int
	// SoldBefore is the protocol-wide count before the increment; it feeds pricing.
	SoldBefore int
}
