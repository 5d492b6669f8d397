package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"sovereign/internal/rarity/models"
	"sovereign/internal/rarity/store"
	dErrors "sovereign/pkg/domain-errors"
)

type RaritySuite struct {
	suite.Suite
	ctx     context.Context
	ledger  *store.InMemory
	service *Service
}

func TestRaritySuite(t *testing.T) {
	suite.Run(t, new(RaritySuite))
}

func (s *RaritySuite) SetupTest() {
	s.ctx = context.Background()
	policy := models.DefaultPolicy()
	s.ledger = store.NewInMemory(policy)
	s.service = New(policy, s.ledger)
}

// =============================================================================
// Scoring
// =============================================================================

func (s *RaritySuite) TestScoreIsDeterministicAndBounded() {
	material := []byte("controller-key-material")
	for _, id := range []string{"8", "888", "alice", "abcba", "1234", "x-y_z.long-suffix", "ZZZZZZZZZZZZZZZZZZZZ"} {
		first := s.service.Assess(id, material)
		second := s.service.Assess(id, material)
		s.Equal(first, second, id)
		s.GreaterOrEqual(first.Score, 0)
		s.LessOrEqual(first.Score, models.MaxScore)
		s.Equal(s.service.Policy().TierFor(first.Score).Name, first.Tier)
	}
}

func (s *RaritySuite) TestSingleDigitRootsAreMythic() {
	for _, id := range []string{"1", "2", "7", "9.sovereign"} {
		a := s.service.Assess(id, nil)
		s.Equal(models.TierMythic, a.Tier, "%s scored %d", id, a.Score)
	}
}

func (s *RaritySuite) TestLongMixedLabelsAreCommon() {
	a := s.service.Assess("sovereign-namespace-holder", []byte("k"))
	s.Equal(models.TierCommon, a.Tier, "scored %d", a.Score)
}

func (s *RaritySuite) TestPatternsScoreAbovePlainLabels() {
	plain := s.service.Assess("qwzx", nil)
	repeated := s.service.Assess("7777", nil)
	palindrome := s.service.Assess("4224", nil)
	s.Greater(repeated.Components.Pattern, palindrome.Components.Pattern)
	s.Greater(palindrome.Components.Pattern, plain.Components.Pattern)
	s.Greater(repeated.Score, plain.Score)
}

func (s *RaritySuite) TestLabelRoot() {
	s.Equal("888", LabelRoot("888.sovereign"))
	s.Equal("alice", LabelRoot("alice"))
	s.Equal("", LabelRoot(".hidden"))
}

// =============================================================================
// Pricing
// =============================================================================

func (s *RaritySuite) TestPriceCents() {
	s.Equal(int64(900), PriceCents(0, "alice"))
	s.Equal(int64(900), PriceCents(9, "alice"))
	s.Equal(int64(1000), PriceCents(10, "alice"))
	s.Equal(int64(3400), PriceCents(250, "alice"))
	s.Equal(int64(2700), PriceCents(0, "888.sovereign"))
	s.Equal(int64(3000), PriceCents(15, "833"))
	s.Equal(int64(900), PriceCents(-3, "alice"))
	s.False(IsPremium("8888"))
}

// =============================================================================
// Quotas
// =============================================================================

func (s *RaritySuite) TestConsumeStopsAtQuota() {
	for i := 1; i <= 3; i++ {
		res, err := ConsumeWith(s.ctx, s.ledger, models.TierMythic)
		s.Require().NoError(err)
		s.Equal(i, res.Issued)
		s.Equal(i-1, res.SoldBefore)
	}

	_, err := ConsumeWith(s.ctx, s.ledger, models.TierMythic)
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeQuotaExceeded))

	ok, err := s.service.HasCapacity(s.ctx, models.TierMythic)
	s.Require().NoError(err)
	s.False(ok)

	ok, err = s.service.HasCapacity(s.ctx, models.TierLegendary)
	s.Require().NoError(err)
	s.True(ok, "no fallback consumption into a lower tier")
}

func (s *RaritySuite) TestConsumeUnknownTier() {
	_, err := ConsumeWith(s.ctx, s.ledger, models.TierName("Platinum"))
	s.True(dErrors.Is(err, dErrors.CodeNotFound))
}

func (s *RaritySuite) TestQuoteUsesSoldCount() {
	for i := 0; i < 12; i++ {
		_, err := ConsumeWith(s.ctx, s.ledger, models.TierCommon)
		s.Require().NoError(err)
	}
	q, err := s.service.Quote(s.ctx, "888", nil)
	s.Require().NoError(err)
	s.True(q.Premium)
	s.True(q.Available)
	s.Equal(int64(3000), q.PriceCents)
}

func (s *RaritySuite) TestInventory() {
	_, err := ConsumeWith(s.ctx, s.ledger, models.TierEpic)
	s.Require().NoError(err)

	counts, err := s.service.Inventory(s.ctx)
	s.Require().NoError(err)
	s.Len(counts, 6)
	for _, c := range counts {
		if c.Tier == models.TierEpic {
			s.Equal(1, c.Issued)
			s.Equal(59, c.Remaining())
		}
	}
}
