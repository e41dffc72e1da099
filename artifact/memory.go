package artifact

import (
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	meta Meta
	data []byte
}

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	entries map[string]*memoryEntry
	order   []string
	mu      sync.RWMutex
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// Put stores content under meta.ID (or its content id).
func (s *MemoryStore) Put(content []byte, meta Meta) (Meta, error) {
	prepared, err := prepare(content, meta, s.now())
	if err != nil {
		return Meta{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[prepared.ID]; ok {
		return reconcile(existing.meta, prepared)
	}

	data := make([]byte, len(content))
	copy(data, content)
	s.entries[prepared.ID] = &memoryEntry{meta: prepared, data: data}
	s.order = append(s.order, prepared.ID)
	return prepared, nil
}

// Get returns a copy of the stored bytes.
func (s *MemoryStore) Get(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, nil
}

// Stat returns the metadata for id.
func (s *MemoryStore) Stat(id string) (Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Meta{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.meta, nil
}

// List returns matching artifacts in insertion order.
func (s *MemoryStore) List(filter Filter) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Meta, 0, len(s.order))
	for _, id := range s.order {
		if m := s.entries[id].meta; filter.matches(m) {
			out = append(out, m)
		}
	}
	return applyLimit(out, filter.Limit), nil
}

// Stats returns the artifact count and total payload size.
func (s *MemoryStore) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Count: len(s.entries)}
	for _, e := range s.entries {
		st.TotalBytes += e.meta.Size
	}
	return st, nil
}
