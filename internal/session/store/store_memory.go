package store

import (
	"context"
	"sync"

	"sovereign/internal/session/models"
	"sovereign/pkg/platform/sentinel"
)

// InMemory keeps sessions in a map. Callers get clones so a returned session
// never aliases stored state.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

func NewInMemory() *InMemory {
	return &InMemory{sessions: make(map[string]*models.Session)}
}

func (s *InMemory) Create(ctx context.Context, session *models.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.SessionID]; ok {
		return sentinel.ErrAlreadyUsed
	}
	s.sessions[session.SessionID] = session.Clone()
	return nil
}

func (s *InMemory) Get(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.sessions[sessionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return stored.Clone(), nil
}

func (s *InMemory) Update(ctx context.Context, session *models.Session, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[session.SessionID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return sentinel.ErrStaleVersion
	}
	session.Version = expectedVersion + 1
	s.sessions[session.SessionID] = session.Clone()
	return nil
}
