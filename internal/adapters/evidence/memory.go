// Package evidence adapts file storage to the EvidenceStore port. The engine
// never handles file bytes beyond hand-off; it keeps opaque handles only.
package evidence

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"almoner/pkg/platform/sentinel"
)

// InMemoryStore is the development and test double for hosted file storage.
type InMemoryStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{files: make(map[string][]byte)}
}

func (s *InMemoryStore) Store(_ context.Context, file []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := "ev_" + uuid.New().String()
	s.files[handle] = append([]byte{}, file...)
	return handle, nil
}

func (s *InMemoryStore) Resolve(_ context.Context, handle string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.files[handle]; !ok {
		return "", sentinel.ErrNotFound
	}
	return "memory://" + handle, nil
}
