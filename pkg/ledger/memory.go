package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Entries do not survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry), now: time.Now}
}

func (s *MemoryStore) Record(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.TxHash]; ok {
		return ErrDuplicateTx
	}
	cp := *e
	cp.Status = StatusProduced
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.entries[e.TxHash] = &cp
	return nil
}

func (s *MemoryStore) Settle(_ context.Context, txHash string, status Status, httpStatus int, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[txHash]
	if !ok {
		return ErrNotFound
	}
	at := s.now().UTC()
	e.Status = status
	e.HTTPStatus = httpStatus
	e.Detail = detail
	e.SettledAt = &at
	return nil
}

func (s *MemoryStore) Get(_ context.Context, txHash string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[txHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Unfulfilled(_ context.Context, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.Status != StatusFulfilled {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
