package store

import (
	"context"
	"sync"

	"sovereign/internal/registry/models"
	"sovereign/pkg/platform/sentinel"
)

// InMemory is a mutex-guarded registry. Insert seals and appends under one lock,
// so the chain order is the commit order.
type InMemory struct {
	mu          sync.RWMutex
	byNamespace map[string]*models.Registration
	ordered     []*models.Registration
	head        models.Head
}

func NewInMemory() *InMemory {
	return &InMemory{
		byNamespace: make(map[string]*models.Registration),
		head:        models.GenesisHead(),
	}
}

func (s *InMemory) Insert(ctx context.Context, reg *models.Registration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byNamespace[reg.Namespace]; exists {
		return sentinel.ErrAlreadyUsed
	}
	reg.Seal(s.head)
	stored := *reg
	s.byNamespace[reg.Namespace] = &stored
	s.ordered = append(s.ordered, &stored)
	s.head = stored.Head()
	return nil
}

func (s *InMemory) FindByNamespace(_ context.Context, namespace string) (*models.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.byNamespace[namespace]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *reg
	return &cp, nil
}

func (s *InMemory) ListAfter(_ context.Context, after int64, limit int) ([]*models.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// sequences are dense from 1, so index = sequence-1
	start := int(max(after, 0))
	if start >= len(s.ordered) {
		return nil, nil
	}
	end := min(start+limit, len(s.ordered))
	out := make([]*models.Registration, 0, end-start)
	for _, reg := range s.ordered[start:end] {
		cp := *reg
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemory) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ordered), nil
}

func (s *InMemory) Head(_ context.Context) (models.Head, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head, nil
}
