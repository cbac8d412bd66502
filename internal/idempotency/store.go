// Package idempotency deduplicates job-creation requests. A client that
// retries a create with the same key gets the original job back instead
// of opening a second escrow.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Record is the replayable outcome of a prior job-creation request.
type Record struct {
	JobID      string    `json:"jobId"`
	StatusCode int       `json:"statusCode"`
	Body       []byte    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Store abstracts replay persistence. Lookup returns (nil, nil) for
// unknown or expired keys.
type Store interface {
	Lookup(ctx context.Context, key string) (*Record, error)
	Remember(ctx context.Context, key string, record Record) error
}

// MemoryStore keeps replays in process memory. The default for the
// memory escrow backend and for tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
}

func (m *MemoryStore) Lookup(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if m.now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Remember(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}
