package cache

import (
	"context"
	"sync"
	"time"

	"github.com/snapcal-tech/snapcal/internal/vision"
)

// MemoryStore is a process-local Store for tests and cache-less deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory cache. ttl <= 0 selects
// DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: make(map[string]Entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, fingerprint string) (*vision.AnalysisResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fingerprint]
	if !ok {
		return nil, false, nil
	}
	// Entries are valid strictly within the TTL; exactly-TTL-old is stale.
	if m.now().Sub(e.CreatedAt) >= m.ttl {
		delete(m.entries, fingerprint)
		return nil, false, nil
	}
	result := e.Result
	return &result, true, nil
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, fingerprint string, result *vision.AnalysisResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[fingerprint] = Entry{
		Fingerprint: fingerprint,
		Result:      *result,
		CreatedAt:   m.now(),
	}
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, fingerprint)
	return nil
}

// Purge implements Store.
func (m *MemoryStore) Purge(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for fp, e := range m.entries {
		if m.now().Sub(e.CreatedAt) >= m.ttl {
			delete(m.entries, fp)
			n++
		}
	}
	return n, nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]Entry)
	return nil
}

// Stats implements Store.
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{Entries: len(m.entries)}
	for _, e := range m.entries {
		if st.Oldest.IsZero() || e.CreatedAt.Before(st.Oldest) {
			st.Oldest = e.CreatedAt
		}
		if e.CreatedAt.After(st.Newest) {
			st.Newest = e.CreatedAt
		}
	}
	return st, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
