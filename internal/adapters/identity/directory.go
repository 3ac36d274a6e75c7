// Package identity adapts the marketplace's role directory to the
// IdentityDirectory port.
package identity

import (
	"context"
	"sync"

	id "almoner/pkg/domain"
)

// InMemoryDirectory is a role directory backed by a map. It stands in for
// the hosted identity service in tests and local development; the production
// deployment points the port at that service's client.
type InMemoryDirectory struct {
	mu    sync.RWMutex
	roles map[id.UserID]map[id.Role]bool
}

func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{roles: make(map[id.UserID]map[id.Role]bool)}
}

// Assign grants a role to a user.
func (d *InMemoryDirectory) Assign(userID id.UserID, role id.Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.roles[userID] == nil {
		d.roles[userID] = make(map[id.Role]bool)
	}
	d.roles[userID][role] = true
}

func (d *InMemoryDirectory) HasRole(_ context.Context, userID id.UserID, role id.Role) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.roles[userID][role], nil
}
