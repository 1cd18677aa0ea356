package budget

import (
	"context"
	"sync"
)

// MemoryStorage implements Storage in memory.
type MemoryStorage struct {
	mu      sync.RWMutex
	budgets map[string]*Budget
	limits  map[string]struct{ d, m int64 }
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		budgets: make(map[string]*Budget),
		limits:  make(map[string]struct{ d, m int64 }),
	}
}

func (s *MemoryStorage) Get(_ context.Context, senderID string) (*Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.budgets[senderID]; ok {
		val := *b
		return &val, nil
	}
	return nil, nil
}

func (s *MemoryStorage) Set(_ context.Context, budget *Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *budget
	s.budgets[budget.SenderID] = &val
	return nil
}

func (s *MemoryStorage) Limits(_ context.Context, senderID string) (int64, int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.limits[senderID]; ok {
		return l.d, l.m, true, nil
	}
	return 0, 0, false, nil
}

func (s *MemoryStorage) SetLimits(_ context.Context, senderID string, daily, monthly int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[senderID] = struct{ d, m int64 }{daily, monthly}
	if b, ok := s.budgets[senderID]; ok {
		b.DailyLimit, b.MonthlyLimit = daily, monthly
	}
	return nil
}
