// Package cas stores canonical certificate records by content pointer.
//
// Put is idempotent and objects are immutable. Get re-hashes what it reads and
// refuses bytes that do not match the pointer.
package cas

import (
	"context"
	"sync"

	"sovereign/internal/certificate/models"
	dErrors "sovereign/pkg/domain-errors"
	"sovereign/pkg/platform/sentinel"
)

// InMemory is a map-backed content store.
type InMemory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewInMemory() *InMemory {
	return &InMemory{objects: make(map[string][]byte)}
}

func (s *InMemory) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c, err := models.ContentPointer(data)
	if err != nil {
		return "", err
	}
	key := c.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		s.objects[key] = append([]byte(nil), data...)
	}
	return key, nil
}

func (s *InMemory) Get(_ context.Context, pointer string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.objects[pointer]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if err := checkDigest(pointer, data); err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

func (s *InMemory) Has(_ context.Context, pointer string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[pointer]
	return ok, nil
}

func checkDigest(pointer string, data []byte) error {
	c, err := models.ContentPointer(data)
	if err != nil {
		return err
	}
	if c.String() != pointer {
		return dErrors.New(dErrors.CodeIntegrityViolation, "stored content does not match its pointer")
	}
	return nil
}
