package credential

import (
	"context"
	"sync"
	"time"

	"haleoracle/pkg/platform/sentinel"
)

// MemoryStore keeps credentials in a mutex-guarded map. State is intentionally
// ephemeral; the process being the single owner is a design assumption.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// MemoryOption configures the MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock injects a clock for expiry tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue overwrites any live record for the subject. Last write wins: the prior
// code becomes permanently invalid even if it had time left.
func (s *MemoryStore) Issue(_ context.Context, rec Record) error {
	rec.Subject = NormalizeSubject(rec.Subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Subject] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, subject string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[NormalizeSubject(subject)]
	if !ok {
		return Record{}, sentinel.ErrNotFound
	}
	return rec, nil
}

// Validate checks the code without consuming it. Expired records are reported
// but left in place; Issue replaces them.
func (s *MemoryStore) Validate(_ context.Context, subject, code string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(subject, code)
}

// ValidateAndConsume atomically validates and deletes the record so a code can
// be spent at most once under concurrent submissions.
func (s *MemoryStore) ValidateAndConsume(_ context.Context, subject, code string) (Record, error) {
	key := NormalizeSubject(subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(subject, code); err != nil {
		return Record{}, err
	}
	rec := s.records[key]
	delete(s.records, key)
	return rec, nil
}

func (s *MemoryStore) Consume(_ context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, NormalizeSubject(subject))
	return nil
}

// check assumes the caller holds at least a read lock.
func (s *MemoryStore) check(subject, code string) error {
	rec, ok := s.records[NormalizeSubject(subject)]
	if !ok {
		return sentinel.ErrNotFound
	}
	if s.now().Sub(rec.IssuedAt) > TTL {
		return sentinel.ErrExpired
	}
	if rec.Code != code {
		return sentinel.ErrCodeMismatch
	}
	return nil
}
