package delivery

import (
	"context"
	"strings"
	"sync"

	"haleoracle/pkg/platform/sentinel"
)

// Store tracks in-flight deliveries and terminal verdicts. Both tables key by
// normalized seller address; verdicts are additionally indexed by escrow so
// buyers can poll the escrow they funded.
type Store interface {
	PutPending(ctx context.Context, p Pending) error
	GetPending(ctx context.Context, subject string) (Pending, error)
	PendingByEscrow(ctx context.Context, escrow string) (Pending, error)
	DeletePending(ctx context.Context, subject string) error

	PutVerdict(ctx context.Context, v Verdict) error
	VerdictBySubject(ctx context.Context, subject string) (Verdict, error)
	VerdictByEscrow(ctx context.Context, escrow string) (Verdict, error)
}

// MemoryStore is the in-process Store. Verdict history is last-write-wins per
// key, matching the one-live-credential model upstream.
type MemoryStore struct {
	mu       sync.RWMutex
	pending  map[string]Pending
	bySeller map[string]Verdict
	byEscrow map[string]Verdict
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending:  make(map[string]Pending),
		bySeller: make(map[string]Verdict),
		byEscrow: make(map[string]Verdict),
	}
}

func (s *MemoryStore) PutPending(_ context.Context, p Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.Subject] = p
	return nil
}

func (s *MemoryStore) GetPending(_ context.Context, subject string) (Pending, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[subject]
	if !ok {
		return Pending{}, sentinel.ErrNotFound
	}
	return p, nil
}

// PendingByEscrow scans the pending table; the table holds at most one entry
// per seller and stays tiny, so a linear scan is fine.
func (s *MemoryStore) PendingByEscrow(_ context.Context, escrow string) (Pending, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.pending {
		if strings.EqualFold(p.EscrowAddress, escrow) {
			return p, nil
		}
	}
	return Pending{}, sentinel.ErrNotFound
}

func (s *MemoryStore) DeletePending(_ context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, subject)
	return nil
}

func (s *MemoryStore) PutVerdict(_ context.Context, v Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySeller[v.Subject] = v
	if v.EscrowAddress != "" {
		s.byEscrow[strings.ToLower(v.EscrowAddress)] = v
	}
	return nil
}

func (s *MemoryStore) VerdictBySubject(_ context.Context, subject string) (Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.bySeller[subject]
	if !ok {
		return Verdict{}, sentinel.ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) VerdictByEscrow(_ context.Context, escrow string) (Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byEscrow[escrow]
	if !ok {
		return Verdict{}, sentinel.ErrNotFound
	}
	return v, nil
}
