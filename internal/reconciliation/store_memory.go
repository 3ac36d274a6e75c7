package reconciliation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	id "almoner/pkg/domain"
	"almoner/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu    sync.RWMutex
	cases map[id.CaseID]*Case
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{cases: make(map[id.CaseID]*Case)}
}

func (s *InMemoryStore) Create(_ context.Context, c *Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cases[c.ID]; exists {
		return fmt.Errorf("case %s: %w", c.ID, sentinel.ErrDuplicate)
	}
	snapshot := *c
	s.cases[c.ID] = &snapshot
	return nil
}

func (s *InMemoryStore) Case(_ context.Context, caseID id.CaseID) (*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[caseID]
	if !ok {
		return nil, fmt.Errorf("case %s: %w", caseID, sentinel.ErrNotFound)
	}
	snapshot := *c
	return &snapshot, nil
}

func (s *InMemoryStore) OpenByOrder(_ context.Context, orderID id.OrderID) (*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.cases {
		if c.OrderID == orderID && c.Status == CaseOpen {
			snapshot := *c
			return &snapshot, nil
		}
	}
	return nil, fmt.Errorf("no open case for order %s: %w", orderID, sentinel.ErrNotFound)
}

func (s *InMemoryStore) ListOpen(_ context.Context) ([]*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Case
	for _, c := range s.cases {
		if c.Status == CaseOpen {
			snapshot := *c
			out = append(out, &snapshot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *InMemoryStore) Resolve(_ context.Context, caseID id.CaseID, resolvedBy id.UserID, resolution Resolution, note string, at time.Time) (*Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return nil, fmt.Errorf("case %s: %w", caseID, sentinel.ErrNotFound)
	}
	if c.Status != CaseOpen {
		return nil, fmt.Errorf("case %s already resolved: %w", caseID, sentinel.ErrConflict)
	}
	c.Status = CaseResolved
	c.ResolvedBy = resolvedBy
	c.Resolution = resolution
	c.Note = note
	c.ResolvedAt = at
	snapshot := *c
	return &snapshot, nil
}
