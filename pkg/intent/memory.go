package intent

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type keyEntry struct {
	intentID string
	setAt    time.Time
}

// MemoryStore is the in-process Store. Every operation is a single
// critical section; records are returned as clones so readers never share
// memory with the writer side.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Record
	byHash map[string]string // request_hash → intent_id
	byKey  map[string]keyEntry
	now    func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		byID:   make(map[string]*Record),
		byHash: make(map[string]string),
		byKey:  make(map[string]keyEntry),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) GetByID(_ context.Context, intentID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) GetByHashWithin(_ context.Context, hash string, window time.Duration) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.now().Sub(rec.ReceivedAt) > window {
		// Lazy cleanup: the index entry has aged out; the record stays.
		delete(s.byHash, hash)
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) GetByIdempotencyKeyWithin(_ context.Context, key string, window time.Duration) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	if s.now().Sub(entry.setAt) > window {
		delete(s.byKey, key)
		return nil, ErrNotFound
	}
	rec, ok := s.byID[entry.intentID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[rec.IntentID]; exists {
		return ErrDuplicateID
	}
	stored := rec.Clone()
	s.byID[stored.IntentID] = stored
	if stored.RequestHash != "" {
		s.byHash[stored.RequestHash] = stored.IntentID
	}
	return nil
}

func (s *MemoryStore) SetIdempotencyKey(_ context.Context, key, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[intentID]; !ok {
		return ErrNotFound
	}
	s.byKey[key] = keyEntry{intentID: intentID, setAt: s.now()}
	return nil
}

func (s *MemoryStore) SetEnriched(_ context.Context, intentID string, enriched json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[intentID]
	if !ok {
		return ErrNotFound
	}
	rec.Enriched = append(json.RawMessage(nil), enriched...)
	return nil
}

func (s *MemoryStore) CompareAndSwapState(_ context.Context, intentID string, to State, expectVersion int64, reasonCode string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[intentID]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Version != expectVersion {
		return false, nil
	}
	rec.State = to
	rec.Version++
	if to == StateRejected {
		rec.ReasonCode = reasonCode
	}
	return true, nil
}
