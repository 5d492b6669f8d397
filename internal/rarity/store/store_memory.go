package store

import (
	"context"
	"sync"

	"sovereign/internal/rarity/models"
	"sovereign/pkg/platform/sentinel"
)

// InMemory is a mutex-guarded tier ledger.
type InMemory struct {
	mu     sync.Mutex
	tiers  []models.Tier
	issued map[models.TierName]int
}

func NewInMemory(policy models.Policy) *InMemory {
	return &InMemory{
		tiers:  append([]models.Tier(nil), policy.Tiers...),
		issued: make(map[models.TierName]int, len(policy.Tiers)),
	}
}

func (s *InMemory) Consume(ctx context.Context, tier models.TierName) (models.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return models.Reservation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.find(tier)
	if !ok {
		return models.Reservation{}, sentinel.ErrNotFound
	}
	if s.issued[tier] >= t.Quota {
		return models.Reservation{}, sentinel.ErrExhausted
	}
	sold := s.soldLocked()
	s.issued[tier]++
	return models.Reservation{Tier: tier, Issued: s.issued[tier], SoldBefore: sold}, nil
}

// Release returns a slot taken by Consume. Only the in-memory transaction
// runner calls it, to undo a reservation whose unit of work failed.
func (s *InMemory) Release(_ context.Context, tier models.TierName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.issued[tier] == 0 {
		return sentinel.ErrInvalidState
	}
	s.issued[tier]--
	return nil
}

func (s *InMemory) Inventory(_ context.Context) ([]models.TierCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TierCount, 0, len(s.tiers))
	for _, t := range s.tiers {
		out = append(out, models.TierCount{
			Tier: t.Name, Min: t.Min, Max: t.Max, Quota: t.Quota, Issued: s.issued[t.Name],
		})
	}
	return out, nil
}

func (s *InMemory) SoldCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.soldLocked(), nil
}

func (s *InMemory) find(name models.TierName) (models.Tier, bool) {
	for _, t := range s.tiers {
		if t.Name == name {
			return t, true
		}
	}
	return models.Tier{}, false
}

func (s *InMemory) soldLocked() int {
	total := 0
	for _, n := range s.issued {
		total += n
	}
	return total
}
