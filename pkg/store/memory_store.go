package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store keyed by Key.Identifier(). Expired
// records read as not found.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for expiry checks.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: map[string]Record{},
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) Load(_ context.Context, key Key) (Record, bool, error) {
	id, err := key.Identifier()
	if err != nil {
		return Record{}, false, err
	}

	s.mu.RLock()
	record, ok := s.records[id]
	s.mu.RUnlock()
	if !ok || record.Expired(s.now()) {
		return Record{}, false, nil
	}
	return record, true, nil
}

func (s *MemoryStore) Save(_ context.Context, record Record) error {
	record.Key = record.Key.Normalize()
	id, err := record.Key.Identifier()
	if err != nil {
		return err
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = s.now()
	}

	s.mu.Lock()
	s.records[id] = record
	s.mu.Unlock()
	return nil
}

// Delete removes a record, reporting whether it existed.
func (s *MemoryStore) Delete(key Key) bool {
	id, err := key.Identifier()
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	delete(s.records, id)
	return ok
}

// Snapshot returns a copy of every stored record keyed by identifier,
// including expired ones.
func (s *MemoryStore) Snapshot() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.records))
	for id, record := range s.records {
		out[id] = record
	}
	return out
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
