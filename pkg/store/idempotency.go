package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/developer-mesh/task-sync/pkg/models"
)

// OutcomeCache records the terminal outcome for each request id. The event
// pipeline is at-least-once, so duplicate deliveries of the same request must
// resolve to the recorded outcome instead of re-applying the mutation.
type OutcomeCache interface {
	Get(ctx context.Context, requestID string) (*models.MutationOutcome, bool, error)
	Put(ctx context.Context, requestID string, outcome *models.MutationOutcome) error
}

// LRUOutcomeCache is an in-process OutcomeCache with bounded size. Suitable
// for single-process deployments; multi-process deployments should use the
// Redis cache so duplicates are detected across workers.
type LRUOutcomeCache struct {
	cache *lru.Cache[string, *models.MutationOutcome]
}

// NewLRUOutcomeCache creates a cache holding up to size outcomes
func NewLRUOutcomeCache(size int) (*LRUOutcomeCache, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, *models.MutationOutcome](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create outcome cache: %w", err)
	}
	return &LRUOutcomeCache{cache: cache}, nil
}

// Get returns the recorded outcome for a request id, if any
func (c *LRUOutcomeCache) Get(ctx context.Context, requestID string) (*models.MutationOutcome, bool, error) {
	outcome, ok := c.cache.Get(requestID)
	if !ok {
		return nil, false, nil
	}
	return outcome.Clone(), true, nil
}

// Put records a terminal outcome
func (c *LRUOutcomeCache) Put(ctx context.Context, requestID string, outcome *models.MutationOutcome) error {
	c.cache.Add(requestID, outcome.Clone())
	return nil
}

// RedisOutcomeCache stores outcomes in Redis with a TTL so duplicate request
// ids are recognized by every server process.
type RedisOutcomeCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisOutcomeCache creates a Redis-backed outcome cache
func NewRedisOutcomeCache(client *redis.Client, ttl time.Duration) *RedisOutcomeCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisOutcomeCache{
		client:    client,
		keyPrefix: "tasksync:outcome:",
		ttl:       ttl,
	}
}

// Get returns the recorded outcome for a request id, if any
func (c *RedisOutcomeCache) Get(ctx context.Context, requestID string) (*models.MutationOutcome, bool, error) {
	data, err := c.client.Get(ctx, c.keyPrefix+requestID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read outcome for request %s: %w", requestID, err)
	}

	var outcome models.MutationOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		return nil, false, fmt.Errorf("failed to decode outcome for request %s: %w", requestID, err)
	}
	return &outcome, true, nil
}

// Put records a terminal outcome
func (c *RedisOutcomeCache) Put(ctx context.Context, requestID string, outcome *models.MutationOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to encode outcome for request %s: %w", requestID, err)
	}

	if err := c.client.Set(ctx, c.keyPrefix+requestID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store outcome for request %s: %w", requestID, err)
	}
	return nil
}
