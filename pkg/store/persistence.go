// Package store implements the versioned entity store: per-entity serialized
// mutation with optimistic concurrency tokens, idempotent replay of duplicate
// requests, and hand-off publication of accepted outcomes to the event bus.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/developer-mesh/task-sync/pkg/models"
)

// ErrEntityNotFound is returned when no entity exists for the given id
var ErrEntityNotFound = errors.New("entity not found")

// Persistence is the narrow contract the versioned store requires from the
// backing database. WriteIfToken must be implemented as a single atomic
// conditional write: it succeeds only when the stored token still equals the
// given token.
type Persistence interface {
	ReadCurrent(ctx context.Context, entityID string) (*models.Entity, error)
	WriteIfToken(ctx context.Context, entityID string, token int64, newPayload models.Payload) (bool, error)
	Insert(ctx context.Context, entity *models.Entity) error
}

// MemoryPersistence is an in-process Persistence implementation backed by a
// map. It is used in tests and by single-process deployments.
type MemoryPersistence struct {
	mu       sync.RWMutex
	entities map[string]*models.Entity
}

// NewMemoryPersistence creates an empty in-memory persistence layer
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		entities: make(map[string]*models.Entity),
	}
}

// ReadCurrent returns a copy of the stored entity
func (m *MemoryPersistence) ReadCurrent(ctx context.Context, entityID string) (*models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entity, ok := m.entities[entityID]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return entity.Clone(), nil
}

// WriteIfToken applies the payload only if the stored token still matches.
// The token is bumped by exactly 1 on success.
func (m *MemoryPersistence) WriteIfToken(ctx context.Context, entityID string, token int64, newPayload models.Payload) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entity, ok := m.entities[entityID]
	if !ok {
		return false, ErrEntityNotFound
	}
	if entity.ConcurrencyToken != token {
		return false, nil
	}

	entity.Payload = newPayload.Clone()
	entity.ConcurrencyToken = token + 1
	entity.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Insert stores a new entity. The entity's token must already be set.
func (m *MemoryPersistence) Insert(ctx context.Context, entity *models.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entities[entity.ID]; exists {
		return errors.New("entity already exists")
	}
	m.entities[entity.ID] = entity.Clone()
	return nil
}
