package store

import (
	"context"
	"sync"

	"sovereign/internal/certificate/models"
	"sovereign/pkg/platform/sentinel"
)

// InMemory holds issuance records keyed by content hash with a session index.
type InMemory struct {
	mu        sync.RWMutex
	byHash    map[string]*models.Record
	bySession map[string]string
}

func NewInMemory() *InMemory {
	return &InMemory{
		byHash:    make(map[string]*models.Record),
		bySession: make(map[string]string),
	}
}

func (s *InMemory) Save(ctx context.Context, rec *models.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[rec.ContentHash]; ok {
		return sentinel.ErrAlreadyUsed
	}
	if rec.SessionID != "" {
		if _, ok := s.bySession[rec.SessionID]; ok {
			return sentinel.ErrAlreadyUsed
		}
		s.bySession[rec.SessionID] = rec.ContentHash
	}
	cp := *rec
	s.byHash[rec.ContentHash] = &cp
	return nil
}

// Delete removes a record. It exists to undo a save inside a failed unit of work.
func (s *InMemory) Delete(_ context.Context, contentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byHash[contentHash]
	if !ok {
		return sentinel.ErrNotFound
	}
	delete(s.byHash, contentHash)
	if rec.SessionID != "" {
		delete(s.bySession, rec.SessionID)
	}
	return nil
}

func (s *InMemory) FindByContentHash(_ context.Context, contentHash string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byHash[contentHash]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemory) FindBySession(_ context.Context, sessionID string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.bySession[sessionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *s.byHash[hash]
	return &cp, nil
}
