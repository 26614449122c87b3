package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/developer-mesh/task-sync/pkg/models"
	"github.com/developer-mesh/task-sync/pkg/observability"
)

// Publisher is the hand-off contract to the event bus. The store publishes
// every terminal outcome except validation failures, which are only reported
// synchronously to the submitting client.
type Publisher interface {
	Publish(ctx context.Context, topic string, outcome *models.MutationOutcome) error
}

// Config contains versioned store configuration
type Config struct {
	// PublishMaxRetries bounds re-attempts of the bus hand-off
	PublishMaxRetries uint64
	// PublishInitialInterval is the first publish retry delay
	PublishInitialInterval time.Duration
}

// DefaultConfig returns the default store configuration
func DefaultConfig() Config {
	return Config{
		PublishMaxRetries:      5,
		PublishInitialInterval: 50 * time.Millisecond,
	}
}

// VersionedStore applies mutation requests against entities guarded by
// optimistic concurrency tokens. It is the sole arbiter of which concurrent
// write wins. Mutations for one entity id are serialized through a per-id
// lock; mutations for different entities proceed in parallel.
type VersionedStore struct {
	persistence Persistence
	outcomes    OutcomeCache
	publisher   Publisher
	validator   ChangeSetValidator
	config      Config
	logger      observability.Logger
	metrics     observability.MetricsClient

	entityLocks sync.Map // entityID -> *sync.Mutex
}

// NewVersionedStore creates a versioned store. The publisher and validator
// are optional; a nil publisher disables outcome fan-out and a nil validator
// accepts every change set.
func NewVersionedStore(persistence Persistence, outcomes OutcomeCache, publisher Publisher, validator ChangeSetValidator, config Config, logger observability.Logger, metrics observability.MetricsClient) *VersionedStore {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if config.PublishMaxRetries == 0 {
		config.PublishMaxRetries = DefaultConfig().PublishMaxRetries
	}
	if config.PublishInitialInterval <= 0 {
		config.PublishInitialInterval = DefaultConfig().PublishInitialInterval
	}

	return &VersionedStore{
		persistence: persistence,
		outcomes:    outcomes,
		publisher:   publisher,
		validator:   validator,
		config:      config,
		logger:      logger.WithPrefix("versioned-store"),
		metrics:     metrics,
	}
}

// Create persists a new entity with token 1 and announces it on the bus
func (s *VersionedStore) Create(ctx context.Context, entityID, entityType string, payload models.Payload) (*models.Entity, error) {
	entity := &models.Entity{
		ID:               entityID,
		Type:             entityType,
		Payload:          payload.Clone(),
		ConcurrencyToken: 1,
		UpdatedAt:        time.Now().UTC(),
	}

	if err := s.persistence.Insert(ctx, entity); err != nil {
		return nil, fmt.Errorf("failed to create entity %s: %w", entityID, err)
	}

	outcome := &models.MutationOutcome{
		EntityID:         entityID,
		EntityType:       entityType,
		Code:             models.OutcomeAccepted,
		NewToken:         1,
		ResultingPayload: payload.Clone(),
		OccurredAt:       entity.UpdatedAt,
	}
	s.publish(ctx, outcome)

	return entity.Clone(), nil
}

// Apply resolves a mutation request to a terminal outcome.
//
// Duplicate deliveries of a request id return the recorded outcome without
// touching the entity. A stale expected token yields a VersionConflict
// outcome carrying the current server token and payload so the caller can
// rebase without a second round trip. An accepted mutation is handed off to
// the bus before Apply returns.
func (s *VersionedStore) Apply(ctx context.Context, req *models.MutationRequest) (*models.MutationOutcome, error) {
	start := time.Now()

	if cached, ok, err := s.lookupOutcome(ctx, req.RequestID); err != nil {
		return nil, err
	} else if ok {
		s.metrics.IncrementCounter("store.apply.replayed", 1)
		return cached, nil
	}

	if err := req.Validate(); err != nil {
		return s.resolveValidationFailure(ctx, req, err)
	}
	if s.validator != nil {
		if err := s.validator.ValidateChangeSet(req.EntityType, req.ChangeSet); err != nil {
			return s.resolveValidationFailure(ctx, req, err)
		}
	}

	lock := s.lockFor(req.EntityID)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock: a duplicate may have resolved while we waited
	if cached, ok, err := s.lookupOutcome(ctx, req.RequestID); err != nil {
		return nil, err
	} else if ok {
		s.metrics.IncrementCounter("store.apply.replayed", 1)
		return cached, nil
	}

	entity, err := s.persistence.ReadCurrent(ctx, req.EntityID)
	if err != nil {
		if err == ErrEntityNotFound {
			return s.resolveValidationFailure(ctx, req, fmt.Errorf("entity %s does not exist", req.EntityID))
		}
		return nil, fmt.Errorf("failed to read entity %s: %w", req.EntityID, err)
	}

	if entity.ConcurrencyToken != req.ExpectedToken {
		outcome := s.conflictOutcome(req, entity)
		if err := s.recordOutcome(ctx, req.RequestID, outcome); err != nil {
			return nil, err
		}
		s.publish(ctx, outcome)
		s.metrics.IncrementCounter("store.apply.conflict", 1)
		return outcome, nil
	}

	merged := entity.Payload.Merge(req.ChangeSet)
	written, err := s.persistence.WriteIfToken(ctx, req.EntityID, req.ExpectedToken, merged)
	if err != nil {
		return nil, fmt.Errorf("failed to write entity %s: %w", req.EntityID, err)
	}
	if !written {
		// Lost to a writer in another process; report the fresh state
		current, err := s.persistence.ReadCurrent(ctx, req.EntityID)
		if err != nil {
			return nil, fmt.Errorf("failed to re-read entity %s after write race: %w", req.EntityID, err)
		}
		outcome := s.conflictOutcome(req, current)
		if err := s.recordOutcome(ctx, req.RequestID, outcome); err != nil {
			return nil, err
		}
		s.publish(ctx, outcome)
		s.metrics.IncrementCounter("store.apply.conflict", 1)
		return outcome, nil
	}

	outcome := &models.MutationOutcome{
		EntityID:         req.EntityID,
		EntityType:       req.EntityType,
		RequestID:        req.RequestID,
		OriginClientID:   req.OriginClientID,
		Code:             models.OutcomeAccepted,
		NewToken:         req.ExpectedToken + 1,
		ResultingPayload: merged.Clone(),
		OccurredAt:       time.Now().UTC(),
	}
	if err := s.recordOutcome(ctx, req.RequestID, outcome); err != nil {
		return nil, err
	}
	s.publish(ctx, outcome)

	s.metrics.IncrementCounter("store.apply.accepted", 1)
	s.metrics.RecordTimer("store.apply", time.Since(start), map[string]string{"entity_type": req.EntityType})
	return outcome, nil
}

func (s *VersionedStore) conflictOutcome(req *models.MutationRequest, current *models.Entity) *models.MutationOutcome {
	return &models.MutationOutcome{
		EntityID:       req.EntityID,
		EntityType:     req.EntityType,
		RequestID:      req.RequestID,
		OriginClientID: req.OriginClientID,
		Code:           models.OutcomeVersionConflict,
		RejectedToken:  req.ExpectedToken,
		CurrentToken:   current.ConcurrencyToken,
		CurrentPayload: current.Payload.Clone(),
		ConflictReason: fmt.Sprintf("expected token %d but entity is at token %d", req.ExpectedToken, current.ConcurrencyToken),
		OccurredAt:     time.Now().UTC(),
	}
}

func (s *VersionedStore) resolveValidationFailure(ctx context.Context, req *models.MutationRequest, cause error) (*models.MutationOutcome, error) {
	outcome := &models.MutationOutcome{
		EntityID:       req.EntityID,
		EntityType:     req.EntityType,
		RequestID:      req.RequestID,
		OriginClientID: req.OriginClientID,
		Code:           models.OutcomeValidationFailed,
		ConflictReason: cause.Error(),
		OccurredAt:     time.Now().UTC(),
	}
	if err := s.recordOutcome(ctx, req.RequestID, outcome); err != nil {
		return nil, err
	}
	s.metrics.IncrementCounter("store.apply.validation_failed", 1)
	return outcome, nil
}

func (s *VersionedStore) lookupOutcome(ctx context.Context, requestID string) (*models.MutationOutcome, bool, error) {
	if s.outcomes == nil || requestID == "" {
		return nil, false, nil
	}
	outcome, ok, err := s.outcomes.Get(ctx, requestID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up outcome for request %s: %w", requestID, err)
	}
	return outcome, ok, nil
}

func (s *VersionedStore) recordOutcome(ctx context.Context, requestID string, outcome *models.MutationOutcome) error {
	if s.outcomes == nil || requestID == "" {
		return nil
	}
	if err := s.outcomes.Put(ctx, requestID, outcome); err != nil {
		return fmt.Errorf("failed to record outcome for request %s: %w", requestID, err)
	}
	return nil
}

// publish hands the outcome to the bus, retrying with backoff until the bus
// acknowledges or the retry budget runs out. Publication failure never fails
// the mutation itself; persistence has already succeeded.
func (s *VersionedStore) publish(ctx context.Context, outcome *models.MutationOutcome) {
	if s.publisher == nil {
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.PublishInitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.config.PublishMaxRetries), ctx)

	err := backoff.Retry(func() error {
		return s.publisher.Publish(ctx, outcome.Topic(), outcome)
	}, policy)

	if err != nil {
		s.logger.Error("Failed to publish outcome after retries", map[string]interface{}{
			"entity_id":  outcome.EntityID,
			"request_id": outcome.RequestID,
			"code":       string(outcome.Code),
			"error":      err.Error(),
		})
		s.metrics.IncrementCounter("store.publish.failed", 1)
	}
}

func (s *VersionedStore) lockFor(entityID string) *sync.Mutex {
	lock, _ := s.entityLocks.LoadOrStore(entityID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}
