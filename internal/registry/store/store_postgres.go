package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"sovereign/internal/registry/models"
	"sovereign/pkg/platform/sentinel"
	txcontext "sovereign/pkg/platform/tx"
)

// PostgresStore persists registrations. The single registry_head row is locked
// FOR UPDATE while a registration is sealed, which serializes sequence and
// commitment assignment across processes.
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

func (s *PostgresStore) Insert(ctx context.Context, reg *models.Registration) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context, q txcontext.Querier) error {
		var head models.Head
		err := q.QueryRowContext(ctx,
			`SELECT sequence, commitment_hash FROM registry_head WHERE id = 1 FOR UPDATE`,
		).Scan(&head.Sequence, &head.CommitmentHash)
		if err != nil {
			return fmt.Errorf("lock registry head: %w", err)
		}

		var taken bool
		if err := q.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM registrations WHERE namespace = $1)`, reg.Namespace,
		).Scan(&taken); err != nil {
			return fmt.Errorf("check namespace: %w", err)
		}
		if taken {
			return sentinel.ErrAlreadyUsed
		}

		reg.Seal(head)
		res, err := q.ExecContext(ctx, `
			INSERT INTO registrations (namespace, controller, metadata_hash, registered_at,
				sequence, previous_commitment, commitment_hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (namespace) DO NOTHING
		`, reg.Namespace, reg.Controller, reg.MetadataHash, reg.RegisteredAt,
			reg.Sequence, reg.PreviousCommitment, reg.CommitmentHash)
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		if err != nil {
			return fmt.Errorf("insert registration: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sentinel.ErrAlreadyUsed
		}

		if _, err := q.ExecContext(ctx,
			`UPDATE registry_head SET sequence = $1, commitment_hash = $2 WHERE id = 1`,
			reg.Sequence, reg.CommitmentHash,
		); err != nil {
			return fmt.Errorf("advance registry head: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) FindByNamespace(ctx context.Context, namespace string) (*models.Registration, error) {
	row := s.querier(ctx).QueryRowContext(ctx, `
		SELECT namespace, controller, metadata_hash, registered_at, sequence, previous_commitment, commitment_hash
		FROM registrations
		WHERE namespace = $1
	`, namespace)
	reg, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find registration: %w", err)
	}
	return reg, nil
}

func (s *PostgresStore) ListAfter(ctx context.Context, after int64, limit int) ([]*models.Registration, error) {
	rows, err := s.querier(ctx).QueryContext(ctx, `
		SELECT namespace, controller, metadata_hash, registered_at, sequence, previous_commitment, commitment_hash
		FROM registrations
		WHERE sequence > $1
		ORDER BY sequence ASC
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	var out []*models.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.querier(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM registrations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count registrations: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Head(ctx context.Context) (models.Head, error) {
	var head models.Head
	err := s.querier(ctx).QueryRowContext(ctx,
		`SELECT sequence, commitment_hash FROM registry_head WHERE id = 1`,
	).Scan(&head.Sequence, &head.CommitmentHash)
	if err != nil {
		return models.Head{}, fmt.Errorf("read registry head: %w", err)
	}
	return head, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row scanner) (*models.Registration, error) {
	var reg models.Registration
	if err := row.Scan(&reg.Namespace, &reg.Controller, &reg.MetadataHash, &reg.RegisteredAt,
		&reg.Sequence, &reg.PreviousCommitment, &reg.CommitmentHash); err != nil {
		return nil, err
	}
	reg.RegisteredAt = reg.RegisteredAt.UTC()
	return &reg, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
