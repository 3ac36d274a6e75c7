package disbursement

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
	mu     sync.RWMutex
	orders map[id.OrderID]*Order
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{orders: make(map[id.OrderID]*Order)}
}

func (s *InMemoryStore) Create(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("order %s: %w", o.ID, sentinel.ErrDuplicate)
	}
	if o.Open() {
		for _, existing := range s.orders {
			if existing.MilestoneID == o.MilestoneID && existing.Open() {
				return fmt.Errorf("milestone %s already has an open order: %w", o.MilestoneID, sentinel.ErrDuplicate)
			}
		}
	}
	snapshot := *o
	s.orders[o.ID] = &snapshot
	return nil
}

func (s *InMemoryStore) Order(_ context.Context, orderID id.OrderID) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, sentinel.ErrNotFound)
	}
	snapshot := *o
	return &snapshot, nil
}

func (s *InMemoryStore) OpenByMilestone(_ context.Context, milestoneID id.MilestoneID) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.orders {
		if o.MilestoneID == milestoneID && o.Open() {
			snapshot := *o
			return &snapshot, nil
		}
	}
	return nil, fmt.Errorf("no open order for milestone %s: %w", milestoneID, sentinel.ErrNotFound)
}

func (s *InMemoryStore) ListByMilestone(_ context.Context, milestoneID id.MilestoneID) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.orders {
		if o.MilestoneID == milestoneID {
			snapshot := *o
			out = append(out, &snapshot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Generation < out[j].Generation })
	return out, nil
}

func (s *InMemoryStore) Update(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.orders[o.ID]
	if !ok {
		return fmt.Errorf("order %s: %w", o.ID, sentinel.ErrNotFound)
	}
	if stored.Version != o.Version {
		return fmt.Errorf("order %s version %d != %d: %w", o.ID, o.Version, stored.Version, sentinel.ErrConflict)
	}
	snapshot := *o
	snapshot.Version++
	s.orders[o.ID] = &snapshot
	o.Version = snapshot.Version
	return nil
}

func (s *InMemoryStore) Due(_ context.Context, now time.Time, limit int) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.orders {
		if o.Status == StatusPending && !o.NextRetryAt.After(now) {
			snapshot := *o
			out = append(out, &snapshot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) StuckExecuting(_ context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.orders {
		if o.Status == StatusExecuting && o.UpdatedAt.Before(cutoff) {
			snapshot := *o
			out = append(out, &snapshot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
