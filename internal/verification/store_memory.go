package verification

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
	mu      sync.RWMutex
	reports map[id.ReportID]*Report
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{reports: make(map[id.ReportID]*Report)}
}

func (s *InMemoryStore) Create(_ context.Context, r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reports[r.ID]; exists {
		return fmt.Errorf("report %s: %w", r.ID, sentinel.ErrDuplicate)
	}
	snapshot := cloneReport(r)
	s.reports[r.ID] = snapshot
	return nil
}

func (s *InMemoryStore) Report(_ context.Context, reportID id.ReportID) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[reportID]
	if !ok {
		return nil, fmt.Errorf("report %s: %w", reportID, sentinel.ErrNotFound)
	}
	return cloneReport(r), nil
}

func (s *InMemoryStore) ListByMilestone(_ context.Context, milestoneID id.MilestoneID) ([]*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Report
	for _, r := range s.reports {
		if r.MilestoneID == milestoneID {
			out = append(out, cloneReport(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *InMemoryStore) Ratify(_ context.Context, reportID id.ReportID, ratifier id.UserID, decision Outcome, at time.Time) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[reportID]
	if !ok {
		return nil, fmt.Errorf("report %s: %w", reportID, sentinel.ErrNotFound)
	}
	if r.Ratified() {
		return nil, fmt.Errorf("report %s already ratified: %w", reportID, sentinel.ErrConflict)
	}
	r.RatifiedBy = ratifier
	r.RatifiedAt = at
	r.Decision = decision
	return cloneReport(r), nil
}

func cloneReport(r *Report) *Report {
	snapshot := *r
	snapshot.Evidence = append([]string(nil), r.Evidence...)
	return &snapshot
}
