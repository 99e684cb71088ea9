package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is used in tests and when no persistent backend is configured.
// Expired records are dropped lazily on Save.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	claims  claims
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok || rec.Expired(m.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, rec := range m.records {
		if rec.Expired(now) {
			delete(m.records, k)
		}
	}
	m.records[key] = record
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	return m.claims.claim(key, m.now(), ttl), nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.claims.release(key)
	return nil
}

// Len counts live records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	n := 0
	for _, rec := range m.records {
		if !rec.Expired(now) {
			n++
		}
	}
	return n
}
