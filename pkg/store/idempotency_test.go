package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/task-sync/pkg/models"
)

func sampleOutcome() *models.MutationOutcome {
	return &models.MutationOutcome{
		EntityID:         "t-1",
		EntityType:       "task",
		RequestID:        "req-1",
		Code:             models.OutcomeAccepted,
		NewToken:         2,
		ResultingPayload: models.Payload{"title": "B"},
		OccurredAt:       time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestLRUOutcomeCache(t *testing.T) {
	cache, err := NewLRUOutcomeCache(2)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("Miss", func(t *testing.T) {
		_, ok, err := cache.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Round Trip", func(t *testing.T) {
		outcome := sampleOutcome()
		require.NoError(t, cache.Put(ctx, outcome.RequestID, outcome))

		got, ok, err := cache.Get(ctx, outcome.RequestID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, outcome.NewToken, got.NewToken)
		assert.Equal(t, outcome.ResultingPayload, got.ResultingPayload)

		// Returned copy is not aliased to the cached one
		got.ResultingPayload["title"] = "tampered"
		again, ok, err := cache.Get(ctx, outcome.RequestID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "B", again.ResultingPayload["title"])
	})

	t.Run("Evicts Oldest", func(t *testing.T) {
		for _, id := range []string{"a", "b", "c"} {
			outcome := sampleOutcome()
			outcome.RequestID = id
			require.NoError(t, cache.Put(ctx, id, outcome))
		}
		_, ok, err := cache.Get(ctx, "a")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRedisOutcomeCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	cache := NewRedisOutcomeCache(client, time.Hour)
	ctx := context.Background()

	t.Run("Miss", func(t *testing.T) {
		_, ok, err := cache.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Round Trip", func(t *testing.T) {
		outcome := sampleOutcome()
		require.NoError(t, cache.Put(ctx, outcome.RequestID, outcome))

		got, ok, err := cache.Get(ctx, outcome.RequestID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, outcome.Code, got.Code)
		assert.Equal(t, outcome.NewToken, got.NewToken)
		assert.Equal(t, outcome.ResultingPayload, got.ResultingPayload)
	})

	t.Run("Expires", func(t *testing.T) {
		outcome := sampleOutcome()
		outcome.RequestID = "req-ttl"
		require.NoError(t, cache.Put(ctx, outcome.RequestID, outcome))

		mr.FastForward(2 * time.Hour)

		_, ok, err := cache.Get(ctx, outcome.RequestID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
