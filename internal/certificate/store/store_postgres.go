package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"sovereign/internal/certificate/models"
	"sovereign/pkg/platform/sentinel"
	txcontext "sovereign/pkg/platform/tx"
)

// PostgresStore persists issuance records in the certificates table. Save joins
// the transaction carried by ctx so the record commits with the quota and
// registry writes of the same issuance.
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

func (s *PostgresStore) Save(ctx context.Context, rec *models.Record) error {
	body, err := json.Marshal(rec.Certificate)
	if err != nil {
		return fmt.Errorf("encode certificate: %w", err)
	}
	var sessionID sql.NullString
	if rec.SessionID != "" {
		sessionID = sql.NullString{String: rec.SessionID, Valid: true}
	}
	_, err = s.querier(ctx).ExecContext(ctx, `
		INSERT INTO certificates (content_hash, session_id, namespace, tier, score, price_cents,
			content_pointer, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ContentHash, sessionID, rec.Namespace, rec.Tier, rec.Score, rec.PriceCents,
		rec.ContentPointer, body, rec.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert certificate: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByContentHash(ctx context.Context, contentHash string) (*models.Record, error) {
	return s.findOne(ctx, `WHERE content_hash = $1`, contentHash)
}

func (s *PostgresStore) FindBySession(ctx context.Context, sessionID string) (*models.Record, error) {
	return s.findOne(ctx, `WHERE session_id = $1`, sessionID)
}

func (s *PostgresStore) findOne(ctx context.Context, where string, arg any) (*models.Record, error) {
	var rec models.Record
	var sessionID sql.NullString
	var body []byte
	err := s.querier(ctx).QueryRowContext(ctx, `
		SELECT content_hash, session_id, namespace, tier, score, price_cents, content_pointer, body, created_at
		FROM certificates `+where, arg,
	).Scan(&rec.ContentHash, &sessionID, &rec.Namespace, &rec.Tier, &rec.Score, &rec.PriceCents,
		&rec.ContentPointer, &body, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find certificate: %w", err)
	}
	rec.SessionID = sessionID.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	var cert models.Certificate
	if err := json.Unmarshal(body, &cert); err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	rec.Certificate = &cert
	return &rec, nil
}
