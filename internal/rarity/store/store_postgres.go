package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sovereign/internal/rarity/models"
	"sovereign/pkg/platform/sentinel"
	txcontext "sovereign/pkg/platform/tx"
)

// PostgresStore persists tier counters in tier_counters and the protocol-wide
// sold count in issuance_totals. Consume is a conditional UPDATE, so concurrent
// callers can never push issued_count past quota.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) querier(ctx context.Context) txcontext.Querier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Seed inserts the policy tiers on first boot. Once tiers are persisted the
// policy must name the same tiers and may not raise any quota or the summed
// supply.
func (s *PostgresStore) Seed(ctx context.Context, policy models.Policy) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context, q txcontext.Querier) error {
		if _, err := q.ExecContext(ctx, `LOCK TABLE tier_counters IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("lock tiers: %w", err)
		}
		persisted, err := persistedQuotas(ctx, q)
		if err != nil {
			return err
		}

		if len(persisted) == 0 {
			for _, t := range policy.Tiers {
				if _, err := q.ExecContext(ctx, `
					INSERT INTO tier_counters (tier, min_score, max_score, quota, issued_count)
					VALUES ($1, $2, $3, $4, 0)
				`, string(t.Name), t.Min, t.Max, t.Quota); err != nil {
					return fmt.Errorf("seed tier %s: %w", t.Name, err)
				}
			}
			return nil
		}

		if len(persisted) != len(policy.Tiers) {
			return fmt.Errorf("policy has %d tiers, %d are persisted: %w",
				len(policy.Tiers), len(persisted), sentinel.ErrInvalidState)
		}
		policyTotal, persistedTotal := 0, 0
		for _, quota := range persisted {
			persistedTotal += quota
		}
		for _, t := range policy.Tiers {
			quota, ok := persisted[t.Name]
			if !ok {
				return fmt.Errorf("tier %s is not persisted: %w", t.Name, sentinel.ErrInvalidState)
			}
			if t.Quota > quota {
				return fmt.Errorf("tier %s quota %d exceeds persisted quota %d: %w",
					t.Name, t.Quota, quota, sentinel.ErrInvalidState)
			}
			policyTotal += t.Quota
		}
		if policyTotal > persistedTotal {
			return fmt.Errorf("policy supply %d exceeds persisted supply %d: %w",
				policyTotal, persistedTotal, sentinel.ErrInvalidState)
		}
		return nil
	})
}

func persistedQuotas(ctx context.Context, q txcontext.Querier) (map[models.TierName]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT tier, quota FROM tier_counters`)
	if err != nil {
		return nil, fmt.Errorf("read tiers: %w", err)
	}
	defer rows.Close()

	out := make(map[models.TierName]int)
	for rows.Next() {
		var name string
		var quota int
		if err := rows.Scan(&name, &quota); err != nil {
			return nil, fmt.Errorf("scan tier: %w", err)
		}
		out[models.TierName(name)] = quota
	}
	return out, rows.Err()
}

func (s *PostgresStore) Consume(ctx context.Context, tier models.TierName) (models.Reservation, error) {
	q := s.querier(ctx)

	var issued int
	err := q.QueryRowContext(ctx, `
		UPDATE tier_counters
		SET issued_count = issued_count + 1
		WHERE tier = $1 AND issued_count < quota
		RETURNING issued_count
	`, string(tier)).Scan(&issued)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := q.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM tier_counters WHERE tier = $1)`, string(tier)).Scan(&exists); err != nil {
			return models.Reservation{}, fmt.Errorf("check tier: %w", err)
		}
		if !exists {
			return models.Reservation{}, sentinel.ErrNotFound
		}
		return models.Reservation{}, sentinel.ErrExhausted
	}
	if err != nil {
		return models.Reservation{}, fmt.Errorf("consume tier: %w", err)
	}

	// The single issuance_totals row is locked until commit, so concurrent
	// reservations in different tiers still get distinct sold counts.
	var sold int
	if err := q.QueryRowContext(ctx, `
		UPDATE issuance_totals SET sold = sold + 1 WHERE id = 1 RETURNING sold
	`).Scan(&sold); err != nil {
		return models.Reservation{}, fmt.Errorf("advance sold count: %w", err)
	}
	return models.Reservation{Tier: tier, Issued: issued, SoldBefore: sold - 1}, nil
}

func (s *PostgresStore) Inventory(ctx context.Context) ([]models.TierCount, error) {
	rows, err := s.querier(ctx).QueryContext(ctx, `
		SELECT tier, min_score, max_score, quota, issued_count
		FROM tier_counters
		ORDER BY min_score DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query tiers: %w", err)
	}
	defer rows.Close()

	var out []models.TierCount
	for rows.Next() {
		var c models.TierCount
		var name string
		if err := rows.Scan(&name, &c.Min, &c.Max, &c.Quota, &c.Issued); err != nil {
			return nil, fmt.Errorf("scan tier: %w", err)
		}
		c.Tier = models.TierName(name)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SoldCount(ctx context.Context) (int, error) {
	var sold int
	if err := s.querier(ctx).QueryRowContext(ctx,
		`SELECT sold FROM issuance_totals WHERE id = 1`).Scan(&sold); err != nil {
		return 0, fmt.Errorf("read sold count: %w", err)
	}
	return sold, nil
}
