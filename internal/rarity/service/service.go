package service

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"

	"sovereign/internal/platform/metrics"
	"sovereign/internal/rarity/models"
	dErrors "sovereign/pkg/domain-errors"
	"sovereign/pkg/platform/sentinel"
)

// Ledger is the authoritative per-tier issued counter.
type Ledger interface {
	// Consume atomically increments the tier count if it is below quota. It
	// returns sentinel.ErrExhausted when the tier is full.
	Consume(ctx context.Context, tier models.TierName) (models.Reservation, error)
	Inventory(ctx context.Context) ([]models.TierCount, error)
	SoldCount(ctx context.Context) (int, error)
}

// Service scores identifiers and answers quota and price questions.
type Service struct {
	policy  models.Policy
	scorer  *Scorer
	ledger  Ledger
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// New constructs a Service. The policy must already be validated.
func New(policy models.Policy, ledger Ledger, opts ...Option) *Service {
	s := &Service{
		policy: policy,
		scorer: NewScorer(policy.Weights),
		ledger: ledger,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Policy() models.Policy {
	return s.policy
}

// Assess scores an identifier and maps it to a tier. It has no side effects.
func (s *Service) Assess(identifier string, material []byte) Assessment {
	score, comps := s.scorer.Score(identifier, material)
	return Assessment{
		Identifier: identifier,
		Score:      score,
		Tier:       s.policy.TierFor(score).Name,
		Components: comps,
	}
}

// HasCapacity is a non-authoritative read of whether tier has a free slot.
func (s *Service) HasCapacity(ctx context.Context, tier models.TierName) (bool, error) {
	counts, err := s.Inventory(ctx)
	if err != nil {
		return false, err
	}
	for _, c := range counts {
		if c.Tier == tier {
			return c.Remaining() > 0, nil
		}
	}
	return false, dErrors.New(dErrors.CodeNotFound, "unknown tier "+tier.String())
}

// Inventory reports quota, issued and remaining per tier.
func (s *Service) Inventory(ctx context.Context) ([]models.TierCount, error) {
	counts, err := s.ledger.Inventory(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read tier inventory")
	}
	for _, c := range counts {
		s.metrics.SetTierIssued(c.Tier.String(), c.Issued)
	}
	return counts, nil
}

// Quote is the tier and price an identifier would get right now.
type Quote struct {
	Assessment
	PriceCents int64 `json:"price_cents"`
	Premium    bool  `json:"premium"`
	Available  bool  `json:"available"`
}

// Quote prices an identifier at the current sold count.
func (s *Service) Quote(ctx context.Context, identifier string, material []byte) (*Quote, error) {
	a := s.Assess(identifier, material)
	sold, err := s.ledger.SoldCount(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read sold count")
	}
	available, err := s.HasCapacity(ctx, a.Tier)
	if err != nil {
		return nil, err
	}
	return &Quote{
		Assessment: a,
		PriceCents: PriceCents(sold, identifier),
		Premium:    IsPremium(identifier),
		Available:  available,
	}, nil
}

// ControllerMaterial is the key material fed to scoring. Non-hex input is
// scored as its raw bytes.
func ControllerMaterial(controller string) []byte {
	if raw, err := hex.DecodeString(controller); err == nil {
		return raw
	}
	return []byte(controller)
}

// ConsumeWith reserves one slot of tier on ledger, which may be bound to an
// enclosing transaction. A full tier is QuotaExceeded; there is no fallback to a
// lower tier.
func ConsumeWith(ctx context.Context, ledger Ledger, tier models.TierName) (models.Reservation, error) {
	res, err := ledger.Consume(ctx, tier)
	if err != nil {
		if errors.Is(err, sentinel.ErrExhausted) {
			return models.Reservation{}, dErrors.New(dErrors.CodeQuotaExceeded, "tier "+tier.String()+" is fully issued").
				WithDetails(map[string]any{"tier": tier.String()})
		}
		if errors.Is(err, sentinel.ErrNotFound) {
			return models.Reservation{}, dErrors.New(dErrors.CodeNotFound, "unknown tier "+tier.String())
		}
		return models.Reservation{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to consume tier quota")
	}
	return res, nil
}
