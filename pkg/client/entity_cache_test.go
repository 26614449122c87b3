package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/task-sync/pkg/models"
)

func TestEntityCacheSingleFlight(t *testing.T) {
	var fetches int64
	gate := make(chan struct{})
	cache, err := NewEntityCache(16, func(ctx context.Context, entityID string) (*models.Entity, error) {
		atomic.AddInt64(&fetches, 1)
		<-gate
		return observedEntity(entityID, 1, models.Payload{"title": "A"}), nil
	})
	require.NoError(t, err)

	const readers = 8
	var wg sync.WaitGroup
	results := make([]*models.Entity, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entity, getErr := cache.Get(context.Background(), "t-1")
			require.NoError(t, getErr)
			results[i] = entity
		}(i)
	}

	// Let the burst pile up behind the one in-flight fetch
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches), "burst of reads shares one fetch")
	for _, entity := range results {
		assert.Equal(t, "A", entity.Payload["title"])
	}
}

func TestEntityCacheInvalidate(t *testing.T) {
	var fetches int64
	cache, err := NewEntityCache(16, func(ctx context.Context, entityID string) (*models.Entity, error) {
		n := atomic.AddInt64(&fetches, 1)
		return observedEntity(entityID, n, models.Payload{"rev": n}), nil
	})
	require.NoError(t, err)

	first, err := cache.Get(context.Background(), "t-1")
	require.NoError(t, err)
	again, err := cache.Get(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, first.ConcurrencyToken, again.ConcurrencyToken)

	cache.Invalidate("t-1")
	refreshed, err := cache.Get(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), refreshed.ConcurrencyToken)
}

func TestEntityCacheFetchError(t *testing.T) {
	cache, err := NewEntityCache(16, func(ctx context.Context, entityID string) (*models.Entity, error) {
		return nil, fmt.Errorf("server unavailable")
	})
	require.NoError(t, err)

	_, err = cache.Get(context.Background(), "t-1")
	assert.Error(t, err)
}

func TestEntityCacheHandleOutcome(t *testing.T) {
	cache, err := NewEntityCache(16, func(ctx context.Context, entityID string) (*models.Entity, error) {
		return observedEntity(entityID, 3, models.Payload{"title": "A"}), nil
	})
	require.NoError(t, err)

	_, err = cache.Get(context.Background(), "t-1")
	require.NoError(t, err)

	t.Run("Stale Outcome Ignored", func(t *testing.T) {
		require.NoError(t, cache.HandleOutcome(context.Background(), &models.MutationOutcome{
			EntityID:         "t-1",
			EntityType:       "task",
			Code:             models.OutcomeAccepted,
			NewToken:         2,
			ResultingPayload: models.Payload{"title": "old"},
		}))
		entity, getErr := cache.Get(context.Background(), "t-1")
		require.NoError(t, getErr)
		assert.Equal(t, "A", entity.Payload["title"])
	})

	t.Run("Newer Outcome Refreshes", func(t *testing.T) {
		require.NoError(t, cache.HandleOutcome(context.Background(), &models.MutationOutcome{
			EntityID:         "t-1",
			EntityType:       "task",
			Code:             models.OutcomeAccepted,
			NewToken:         4,
			ResultingPayload: models.Payload{"title": "B"},
		}))
		entity, getErr := cache.Get(context.Background(), "t-1")
		require.NoError(t, getErr)
		assert.Equal(t, int64(4), entity.ConcurrencyToken)
		assert.Equal(t, "B", entity.Payload["title"])
	})

	t.Run("Conflict Outcome Ignored", func(t *testing.T) {
		require.NoError(t, cache.HandleOutcome(context.Background(), &models.MutationOutcome{
			EntityID:     "t-1",
			EntityType:   "task",
			Code:         models.OutcomeVersionConflict,
			CurrentToken: 9,
		}))
		entity, getErr := cache.Get(context.Background(), "t-1")
		require.NoError(t, getErr)
		assert.Equal(t, int64(4), entity.ConcurrencyToken)
	})
}
