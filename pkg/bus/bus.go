// Package bus implements the in-process event bus that fans mutation
// outcomes out to subscribers with at-least-once delivery, per-entity
// ordering, bounded redelivery, and a dead-letter path for outcomes that
// exhaust their budget.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/task-sync/pkg/models"
	"github.com/developer-mesh/task-sync/pkg/observability"
)

// Handler consumes a mutation outcome. Returning nil acknowledges the
// delivery; returning an error or exceeding the ack timeout triggers
// redelivery. Handlers must be idempotent keyed by request id, because a
// subscriber may see the same outcome more than once.
type Handler func(ctx context.Context, outcome *models.MutationOutcome) error

// Bus errors
var (
	// ErrSubscriptionInvalid is returned when a registration is rejected
	ErrSubscriptionInvalid = errors.New("invalid subscription")
	// ErrBusClosed is returned when publishing to a closed bus
	ErrBusClosed = errors.New("event bus is closed")
	// ErrEnqueueTimeout is returned when a subscriber queue stays full past
	// the enqueue deadline. Callers retry; persistence has already succeeded.
	ErrEnqueueTimeout = errors.New("timed out enqueuing outcome for subscriber")
)

// Config contains event bus configuration
type Config struct {
	// QueueSize is the per-subscription buffer size
	QueueSize int
	// AckTimeout bounds a single handler invocation
	AckTimeout time.Duration
	// MaxDeliveryAttempts bounds redelivery before dead-lettering
	MaxDeliveryAttempts int
	// RedeliveryDelay is the pause between delivery attempts
	RedeliveryDelay time.Duration
	// EnqueueTimeout bounds how long Publish waits on a full queue
	EnqueueTimeout time.Duration
}

// DefaultConfig returns the default bus configuration
func DefaultConfig() Config {
	return Config{
		QueueSize:           256,
		AckTimeout:          5 * time.Second,
		MaxDeliveryAttempts: 3,
		RedeliveryDelay:     100 * time.Millisecond,
		EnqueueTimeout:      2 * time.Second,
	}
}

type subscription struct {
	id           string
	topic        string
	subscriberID string
	handler      Handler
	queue        chan *models.MutationOutcome
	done         chan struct{}
}

// Bus is an explicitly constructed event bus instance. There is no package
// singleton; owners inject the bus into the store and its consumers.
type Bus struct {
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient
	dlq     DeadLetterStore

	mu     sync.RWMutex
	subs   map[string]map[string]*subscription // topic -> subscriberID -> sub
	byID   map[string]*subscription
	closed bool

	wg sync.WaitGroup
}

// New creates an event bus. The dead-letter store is optional; without one,
// exhausted outcomes are only logged.
func New(config Config, dlq DeadLetterStore, logger observability.Logger, metrics observability.MetricsClient) *Bus {
	def := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.AckTimeout <= 0 {
		config.AckTimeout = def.AckTimeout
	}
	if config.MaxDeliveryAttempts <= 0 {
		config.MaxDeliveryAttempts = def.MaxDeliveryAttempts
	}
	if config.RedeliveryDelay <= 0 {
		config.RedeliveryDelay = def.RedeliveryDelay
	}
	if config.EnqueueTimeout <= 0 {
		config.EnqueueTimeout = def.EnqueueTimeout
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	return &Bus{
		config:  config,
		logger:  logger.WithPrefix("event-bus"),
		metrics: metrics,
		dlq:     dlq,
		subs:    make(map[string]map[string]*subscription),
		byID:    make(map[string]*subscription),
	}
}

// Subscribe registers a handler for a topic under a caller-chosen subscriber
// id and returns the subscription id. Registering the same subscriber id for
// the same topic twice is a no-op that returns the existing id, so reconnect
// paths re-subscribe safely. Identity is the subscriber id, never the handler
// function: the same method bound to two different instances is two distinct
// subscriptions. Each subscription gets its own worker goroutine, so a slow
// or failing handler never blocks other subscribers.
func (b *Bus) Subscribe(topic, subscriberID string, handler Handler) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("%w: empty topic", ErrSubscriptionInvalid)
	}
	if subscriberID == "" {
		return "", fmt.Errorf("%w: empty subscriber id", ErrSubscriptionInvalid)
	}
	if handler == nil {
		return "", fmt.Errorf("%w: nil handler", ErrSubscriptionInvalid)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrBusClosed
	}

	if existing, ok := b.subs[topic][subscriberID]; ok {
		return existing.id, nil
	}

	sub := &subscription{
		id:           uuid.New().String(),
		topic:        topic,
		subscriberID: subscriberID,
		handler:      handler,
		queue:        make(chan *models.MutationOutcome, b.config.QueueSize),
		done:         make(chan struct{}),
	}

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*subscription)
	}
	b.subs[topic][subscriberID] = sub
	b.byID[sub.id] = sub

	b.wg.Add(1)
	go b.deliverLoop(sub)

	b.logger.Debug("Subscribed handler", map[string]interface{}{
		"topic":           topic,
		"subscriber_id":   subscriberID,
		"subscription_id": sub.id,
	})
	return sub.id, nil
}

// Unsubscribe removes a subscription and stops its worker
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	sub, ok := b.byID[subscriptionID]
	if ok {
		delete(b.byID, subscriptionID)
		delete(b.subs[sub.topic], sub.subscriberID)
		if len(b.subs[sub.topic]) == 0 {
			delete(b.subs, sub.topic)
		}
	}
	b.mu.Unlock()

	if ok {
		close(sub.done)
	}
}

// Publish enqueues the outcome for every subscriber of the topic. Enqueue
// order matches accept order, so any one subscriber observes outcomes for a
// given entity in token order. An error means at least one subscriber queue
// could not accept the outcome in time; the caller may retry.
func (b *Bus) Publish(ctx context.Context, topic string, outcome *models.MutationOutcome) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	targets := make([]*subscription, 0, len(b.subs[topic]))
	for _, sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	var enqueueErr error
	for _, sub := range targets {
		// Each subscriber gets its own copy; payloads are never aliased
		// between the persistence path and delivery paths.
		copied := outcome.Clone()

		select {
		case sub.queue <- copied:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.config.EnqueueTimeout):
			b.logger.Warn("Subscriber queue full, outcome not enqueued", map[string]interface{}{
				"topic":           topic,
				"subscription_id": sub.id,
				"request_id":      outcome.RequestID,
			})
			b.metrics.IncrementCounter("bus.enqueue.timeout", 1)
			enqueueErr = ErrEnqueueTimeout
		}
	}

	b.metrics.IncrementCounter("bus.published", 1)
	return enqueueErr
}

// deliverLoop drains one subscription's queue, redelivering failed outcomes
// up to the attempt budget before dead-lettering them. Retrying an item
// holds back later items on the same subscription, which is what preserves
// per-entity ordering.
func (b *Bus) deliverLoop(sub *subscription) {
	defer b.wg.Done()

	for {
		select {
		case <-sub.done:
			return
		case outcome := <-sub.queue:
			b.deliverWithRetry(sub, outcome)
		}
	}
}

func (b *Bus) deliverWithRetry(sub *subscription, outcome *models.MutationOutcome) {
	var lastErr error

	for attempt := 1; attempt <= b.config.MaxDeliveryAttempts; attempt++ {
		lastErr = b.deliverOnce(sub, outcome)
		if lastErr == nil {
			b.metrics.IncrementCounter("bus.delivered", 1)
			return
		}

		b.logger.Warn("Delivery attempt failed", map[string]interface{}{
			"topic":           sub.topic,
			"subscription_id": sub.id,
			"request_id":      outcome.RequestID,
			"attempt":         attempt,
			"error":           lastErr.Error(),
		})
		b.metrics.IncrementCounter("bus.delivery.retry", 1)

		if attempt < b.config.MaxDeliveryAttempts {
			select {
			case <-sub.done:
				return
			case <-time.After(b.config.RedeliveryDelay):
			}
		}
	}

	b.deadLetter(sub, outcome, lastErr)
}

func (b *Bus) deliverOnce(sub *subscription, outcome *models.MutationOutcome) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.AckTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- sub.handler(ctx, outcome)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("handler did not acknowledge within %s", b.config.AckTimeout)
	}
}

func (b *Bus) deadLetter(sub *subscription, outcome *models.MutationOutcome, cause error) {
	b.logger.Error("Delivery budget exhausted, dead-lettering outcome", map[string]interface{}{
		"topic":           sub.topic,
		"subscription_id": sub.id,
		"request_id":      outcome.RequestID,
		"entity_id":       outcome.EntityID,
		"error":           cause.Error(),
	})
	b.metrics.IncrementCounter("bus.dead_lettered", 1)

	if b.dlq == nil {
		return
	}

	entry := NewDeadLetterEntry(sub.topic, sub.id, outcome, b.config.MaxDeliveryAttempts, cause)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.dlq.Add(ctx, entry); err != nil {
		b.logger.Error("Failed to store dead-letter entry", map[string]interface{}{
			"request_id": outcome.RequestID,
			"error":      err.Error(),
		})
	}
}

// ReplayDeadLetters republishes up to limit pending dead-letter entries and
// marks the ones that were accepted back onto the bus as resolved.
func (b *Bus) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	if b.dlq == nil {
		return 0, nil
	}

	entries, err := b.dlq.List(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list dead-letter entries: %w", err)
	}

	replayed := 0
	for _, entry := range entries {
		outcome, err := entry.DecodeOutcome()
		if err != nil {
			b.logger.Error("Failed to decode dead-letter entry", map[string]interface{}{
				"entry_id": entry.ID,
				"error":    err.Error(),
			})
			continue
		}
		if err := b.Publish(ctx, entry.Topic, outcome); err != nil {
			continue
		}
		if err := b.dlq.MarkResolved(ctx, entry.ID); err != nil {
			b.logger.Warn("Failed to mark dead-letter entry resolved", map[string]interface{}{
				"entry_id": entry.ID,
				"error":    err.Error(),
			})
			continue
		}
		replayed++
	}
	return replayed, nil
}

// Close stops all subscription workers and waits for them to drain
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.byID))
	for _, sub := range b.byID {
		subs = append(subs, sub)
	}
	b.byID = make(map[string]*subscription)
	b.subs = make(map[string]map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
	b.wg.Wait()
}
