package milestone

import (
	"context"
	"fmt"
	"sort"
	"sync"

	id "almoner/pkg/domain"
	"almoner/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu         sync.RWMutex
	recipients map[id.RecipientID]*Recipient
	milestones map[id.MilestoneID]*Milestone
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		recipients: make(map[id.RecipientID]*Recipient),
		milestones: make(map[id.MilestoneID]*Milestone),
	}
}

func (s *InMemoryStore) CreateRecipient(_ context.Context, r *Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recipients[r.ID]; exists {
		return fmt.Errorf("recipient %s: %w", r.ID, sentinel.ErrDuplicate)
	}
	snapshot := *r
	s.recipients[r.ID] = &snapshot
	return nil
}

func (s *InMemoryStore) Recipient(_ context.Context, recipientID id.RecipientID) (*Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recipients[recipientID]
	if !ok {
		return nil, fmt.Errorf("recipient %s: %w", recipientID, sentinel.ErrNotFound)
	}
	snapshot := *r
	return &snapshot, nil
}

func (s *InMemoryStore) CreateMilestone(_ context.Context, m *Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.milestones {
		if existing.RecipientID == m.RecipientID && existing.Sequence == m.Sequence && existing.Active() && m.Active() {
			return fmt.Errorf("sequence %d already in use: %w", m.Sequence, sentinel.ErrDuplicate)
		}
	}
	snapshot := *m
	s.milestones[m.ID] = &snapshot
	return nil
}

func (s *InMemoryStore) Milestone(_ context.Context, milestoneID id.MilestoneID) (*Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.milestones[milestoneID]
	if !ok {
		return nil, fmt.Errorf("milestone %s: %w", milestoneID, sentinel.ErrNotFound)
	}
	snapshot := *m
	return &snapshot, nil
}

func (s *InMemoryStore) ListByRecipient(_ context.Context, recipientID id.RecipientID) ([]*Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Milestone
	for _, m := range s.milestones {
		if m.RecipientID == recipientID {
			snapshot := *m
			out = append(out, &snapshot)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) Update(_ context.Context, m *Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.milestones[m.ID]
	if !ok {
		return fmt.Errorf("milestone %s: %w", m.ID, sentinel.ErrNotFound)
	}
	if stored.Version != m.Version {
		return fmt.Errorf("milestone %s version %d != %d: %w", m.ID, m.Version, stored.Version, sentinel.ErrConflict)
	}
	snapshot := *m
	snapshot.Version++
	s.milestones[m.ID] = &snapshot
	m.Version = snapshot.Version
	return nil
}
