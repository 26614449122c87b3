package client

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/developer-mesh/task-sync/pkg/models"
)

// FetchFunc loads an entity from the server
type FetchFunc func(ctx context.Context, entityID string) (*models.Entity, error)

// EntityCache is a memoizing read cache keyed by entity id with explicit
// invalidation on mutation. It replaces resolver-side request batching: a
// burst of reads for the same entity hits the fetcher once, and accepted
// outcomes refresh the cached state.
type EntityCache struct {
	cache *lru.Cache[string, *models.Entity]
	fetch FetchFunc

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// NewEntityCache creates a cache holding up to size entities
func NewEntityCache(size int, fetch FetchFunc) (*EntityCache, error) {
	if size <= 0 {
		size = 512
	}
	cache, err := lru.New[string, *models.Entity](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create entity cache: %w", err)
	}
	return &EntityCache{
		cache:    cache,
		fetch:    fetch,
		inflight: make(map[string]chan struct{}),
	}, nil
}

// Get returns the cached entity or fetches it once. Concurrent callers for
// the same id share a single fetch.
func (c *EntityCache) Get(ctx context.Context, entityID string) (*models.Entity, error) {
	for {
		if entity, ok := c.cache.Get(entityID); ok {
			return entity.Clone(), nil
		}

		c.mu.Lock()
		if wait, ok := c.inflight[entityID]; ok {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		wait := make(chan struct{})
		c.inflight[entityID] = wait
		c.mu.Unlock()

		entity, err := c.fetch(ctx, entityID)
		if err == nil {
			c.cache.Add(entityID, entity.Clone())
		}

		c.mu.Lock()
		delete(c.inflight, entityID)
		close(wait)
		c.mu.Unlock()

		if err != nil {
			return nil, fmt.Errorf("failed to fetch entity %s: %w", entityID, err)
		}
		return entity, nil
	}
}

// Invalidate drops the cached entry for an entity
func (c *EntityCache) Invalidate(entityID string) {
	c.cache.Remove(entityID)
}

// HandleOutcome keeps the cache coherent with the mutation stream. Accepted
// outcomes replace the cached entry with the authoritative state; anything
// else leaves it untouched. The signature matches the bus handler contract.
func (c *EntityCache) HandleOutcome(ctx context.Context, outcome *models.MutationOutcome) error {
	if !outcome.Accepted() {
		return nil
	}

	if cached, ok := c.cache.Get(outcome.EntityID); ok && cached.ConcurrencyToken >= outcome.NewToken {
		return nil
	}

	c.cache.Add(outcome.EntityID, &models.Entity{
		ID:               outcome.EntityID,
		Type:             outcome.EntityType,
		Payload:          outcome.ResultingPayload.Clone(),
		ConcurrencyToken: outcome.NewToken,
		UpdatedAt:        outcome.OccurredAt,
	})
	return nil
}
