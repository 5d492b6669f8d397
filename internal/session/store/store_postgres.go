package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sovereign/internal/session/models"
	"sovereign/pkg/platform/sentinel"
)

// PostgresStore keeps each session as a JSONB document in claim_sessions. The
// version column is the optimistic concurrency token.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, session *models.Session) error {
	body, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO claim_sessions (session_id, namespace, status, version, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO NOTHING
	`, session.SessionID, session.Namespace, string(session.Status), session.Version, body,
		session.Audit.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrAlreadyUsed
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	var body []byte
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT body, version FROM claim_sessions WHERE session_id = $1`, sessionID,
	).Scan(&body, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	var session models.Session
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	session.Version = version
	return &session, nil
}

func (s *PostgresStore) Update(ctx context.Context, session *models.Session, expectedVersion int64) error {
	next := *session
	next.Version = expectedVersion + 1
	body, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE claim_sessions
		SET namespace = $3, status = $4, version = $2 + 1, body = $5, updated_at = $6
		WHERE session_id = $1 AND version = $2
	`, session.SessionID, expectedVersion, session.Namespace, string(session.Status), body, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		session.Version = next.Version
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM claim_sessions WHERE session_id = $1)`, session.SessionID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return sentinel.ErrStaleVersion
}
