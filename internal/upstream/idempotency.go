package upstream

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/mr-tron/base58"
)

// Key derives the idempotency key of one external operation on one session. The
// same pair always yields the same key, so a retried call is recognised by both
// this service and the upstream.
func Key(sessionID, operation string) string {
	sum := sha256.Sum256([]byte(sessionID + "|" + operation))
	return base58.Encode(sum[:])
}

// EntryState is the lifecycle of an idempotency key.
type EntryState int

const (
	EntryUnknown EntryState = iota
	EntryInFlight
	EntryDone
)

// Entry is the stored view of a key. Result is set only when State is EntryDone.
type Entry struct {
	State  EntryState
	Result []byte
}

// IdempotencyStore remembers which keyed calls are in flight or completed.
type IdempotencyStore interface {
	// Reserve claims key for an in-flight call. It returns false when the key is
	// already reserved or completed.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Complete stores the encoded result of a successful call.
	Complete(ctx context.Context, key string, result []byte, ttl time.Duration) error
	Lookup(ctx context.Context, key string) (Entry, error)
	// Release drops a reservation after a failed call so it can be retried.
	Release(ctx context.Context, key string) error
}

type memoryEntry struct {
	Entry
	expiresAt time.Time
}

// MemoryIdempotency is an in-process IdempotencyStore.
type MemoryIdempotency struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryIdempotency) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.entries[key] = memoryEntry{Entry: Entry{State: EntryInFlight}, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryIdempotency) Complete(_ context.Context, key string, result []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{
		Entry:     Entry{State: EntryDone, Result: append([]byte(nil), result...)},
		expiresAt: m.expiry(ttl),
	}
	return nil
}

func (m *MemoryIdempotency) Lookup(_ context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return Entry{State: EntryUnknown}, nil
	}
	return e.Entry, nil
}

func (m *MemoryIdempotency) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.State == EntryInFlight {
		delete(m.entries, key)
	}
	return nil
}

// live returns the entry for key unless it has expired. Callers hold mu.
func (m *MemoryIdempotency) live(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *MemoryIdempotency) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}
