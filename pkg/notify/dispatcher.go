package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/developer-mesh/task-sync/pkg/models"
	"github.com/developer-mesh/task-sync/pkg/observability"
)

// Config contains dispatcher configuration
type Config struct {
	// RateWindow and RateMaxCount bound deliveries per recipient: at most
	// RateMaxCount notifications per RateWindow. Excess is deferred, not
	// dropped.
	RateWindow   time.Duration
	RateMaxCount int

	// AggregationWindow batches outcomes sharing an aggregation key
	AggregationWindow time.Duration

	// Delivery retry policy
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// DeliveryTimeout bounds one Send call
	DeliveryTimeout time.Duration
}

// DefaultConfig returns the default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		RateWindow:        time.Minute,
		RateMaxCount:      30,
		AggregationWindow: 30 * time.Second,
		MaxAttempts:       4,
		InitialInterval:   500 * time.Millisecond,
		MaxInterval:       30 * time.Second,
		DeliveryTimeout:   10 * time.Second,
	}
}

type aggregateBucket struct {
	outcomes []*models.MutationOutcome
	timer    *time.Timer
}

// Dispatcher consumes accepted mutation outcomes and delivers notifications
// to external channels. Failures are isolated per recipient: an unreachable
// recipient never blocks delivery to the others.
type Dispatcher struct {
	channel  Channel
	resolver RecipientResolver
	config   Config
	logger   observability.Logger
	metrics  observability.MetricsClient
	onResult func(*DeliveryResult)

	mu       sync.Mutex
	buckets  map[string]*aggregateBucket
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
	closed   bool

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. onResult is optional; when set it is
// called with the DeliveryResult of every flushed batch.
func NewDispatcher(channel Channel, resolver RecipientResolver, config Config, logger observability.Logger, metrics observability.MetricsClient, onResult func(*DeliveryResult)) *Dispatcher {
	def := DefaultConfig()
	if config.RateWindow <= 0 {
		config.RateWindow = def.RateWindow
	}
	if config.RateMaxCount <= 0 {
		config.RateMaxCount = def.RateMaxCount
	}
	if config.AggregationWindow <= 0 {
		config.AggregationWindow = def.AggregationWindow
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = def.InitialInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = def.MaxInterval
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = def.DeliveryTimeout
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	return &Dispatcher{
		channel:  channel,
		resolver: resolver,
		config:   config,
		logger:   logger.WithPrefix("notification-dispatcher"),
		metrics:  metrics,
		onResult: onResult,
		buckets:  make(map[string]*aggregateBucket),
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnEvent is the bus handler. Only accepted outcomes produce notifications;
// conflicts and validation failures concern the origin client alone.
// Delivery is idempotent per request id because outcomes sharing a request
// id collapse into the same aggregation bucket entry.
func (d *Dispatcher) OnEvent(ctx context.Context, outcome *models.MutationOutcome) error {
	if !outcome.Accepted() {
		return nil
	}

	key := outcome.AggregationKey()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}

	bucket, ok := d.buckets[key]
	if !ok {
		bucket = &aggregateBucket{}
		bucket.timer = time.AfterFunc(d.config.AggregationWindow, func() {
			d.flush(key)
		})
		d.buckets[key] = bucket
	}

	for _, existing := range bucket.outcomes {
		if existing.RequestID == outcome.RequestID {
			return nil
		}
	}
	bucket.outcomes = append(bucket.outcomes, outcome.Clone())
	return nil
}

// flush drains one aggregation bucket and delivers a single batched
// notification to every resolved recipient. The wait-group increment happens
// in the same critical section that takes the bucket, so Close observes every
// in-flight delivery before it starts waiting: any flush arriving after Close
// drained the buckets finds nothing to take and adds no work.
func (d *Dispatcher) flush(key string) {
	d.mu.Lock()
	bucket, ok := d.buckets[key]
	if ok {
		delete(d.buckets, key)
		d.wg.Add(1)
	}
	d.mu.Unlock()

	if !ok {
		return
	}

	recipients := d.recipientsFor(bucket.outcomes)
	notification := d.buildNotification(bucket.outcomes)

	go func() {
		defer d.wg.Done()
		result := d.Deliver(context.Background(), recipients, notification)
		if d.onResult != nil {
			d.onResult(result)
		}
	}()
}

func (d *Dispatcher) recipientsFor(outcomes []*models.MutationOutcome) []string {
	seen := make(map[string]struct{})
	var recipients []string
	for _, outcome := range outcomes {
		for _, r := range d.resolver.RecipientsFor(outcome) {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			recipients = append(recipients, r)
		}
	}
	return recipients
}

func (d *Dispatcher) buildNotification(outcomes []*models.MutationOutcome) *Notification {
	latest := outcomes[len(outcomes)-1]

	subject := fmt.Sprintf("%s updated", latest.EntityType)
	body := fmt.Sprintf("%s %s was updated", latest.EntityType, latest.EntityID)
	if len(outcomes) > 1 {
		subject = fmt.Sprintf("%d updates to %s %s", len(outcomes), latest.EntityType, latest.EntityID)
		body = fmt.Sprintf("%s %s received %d updates, now at version %d",
			latest.EntityType, latest.EntityID, len(outcomes), latest.NewToken)
	}

	return &Notification{
		Subject:    subject,
		Body:       body,
		EntityID:   latest.EntityID,
		EntityType: latest.EntityType,
		EventCount: len(outcomes),
		CreatedAt:  time.Now().UTC(),
	}
}

// Deliver sends the notification to every recipient concurrently and
// reports who got it and who did not. Each recipient delivery waits on that
// recipient's rate limiter and retries with exponential backoff up to the
// attempt ceiling.
func (d *Dispatcher) Deliver(ctx context.Context, recipients []string, notification *Notification) *DeliveryResult {
	result := &DeliveryResult{EntityID: notification.EntityID}

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, recipientID := range recipients {
		wg.Add(1)
		go func(recipientID string) {
			defer wg.Done()

			err := d.deliverTo(ctx, recipientID, notification)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.FailedDeliveries = append(result.FailedDeliveries, FailedDelivery{
					RecipientID: recipientID,
					Reason:      err.Error(),
				})
			} else {
				result.DeliveredTo = append(result.DeliveredTo, recipientID)
			}
		}(recipientID)
	}

	wg.Wait()
	result.CompletedAt = time.Now().UTC()

	d.metrics.IncrementCounter("notify.delivered", float64(len(result.DeliveredTo)))
	if len(result.FailedDeliveries) > 0 {
		d.metrics.IncrementCounter("notify.failed", float64(len(result.FailedDeliveries)))
		d.logger.Warn("Notification delivery partially failed", map[string]interface{}{
			"entity_id": notification.EntityID,
			"delivered": len(result.DeliveredTo),
			"failed":    len(result.FailedDeliveries),
		})
	}
	return result
}

func (d *Dispatcher) deliverTo(ctx context.Context, recipientID string, notification *Notification) error {
	// Deferring on the limiter rather than dropping keeps delivery
	// at-least-once under recipient bursts.
	if err := d.limiterFor(recipientID).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait aborted: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.config.InitialInterval
	b.MaxInterval = d.config.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.config.MaxAttempts-1)), ctx)

	breaker := d.breakerFor(recipientID)

	err := backoff.Retry(func() error {
		_, sendErr := breaker.Execute(func() (interface{}, error) {
			sendCtx, cancel := context.WithTimeout(ctx, d.config.DeliveryTimeout)
			defer cancel()

			copied := *notification
			copied.RecipientID = recipientID
			return nil, d.channel.Send(sendCtx, recipientID, &copied)
		})
		if sendErr == gobreaker.ErrOpenState || sendErr == gobreaker.ErrTooManyRequests {
			// Open breaker means the recipient channel is known bad;
			// further attempts in this batch are pointless.
			return backoff.Permanent(sendErr)
		}
		return sendErr
	}, policy)

	if err != nil {
		d.logger.Error("Giving up on recipient after retries", map[string]interface{}{
			"recipient_id": recipientID,
			"entity_id":    notification.EntityID,
			"error":        err.Error(),
		})
	}
	return err
}

// limiterFor returns the recipient's token bucket, refilling at
// RateMaxCount per RateWindow with burst RateMaxCount. A token bucket
// approximates the per-window cap: a window straddling a full burst and its
// refill can admit up to twice RateMaxCount. The invariant that matters is
// kept exactly: excess deliveries wait for tokens, they are never dropped.
func (d *Dispatcher) limiterFor(recipientID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	limiter, ok := d.limiters[recipientID]
	if !ok {
		perSecond := float64(d.config.RateMaxCount) / d.config.RateWindow.Seconds()
		limiter = rate.NewLimiter(rate.Limit(perSecond), d.config.RateMaxCount)
		d.limiters[recipientID] = limiter
	}
	return limiter
}

func (d *Dispatcher) breakerFor(recipientID string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	breaker, ok := d.breakers[recipientID]
	if !ok {
		breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "notify:" + recipientID,
			Timeout: d.config.RateWindow,
		})
		d.breakers[recipientID] = breaker
	}
	return breaker
}

// Flush delivers all pending aggregation buckets immediately
func (d *Dispatcher) Flush() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.buckets))
	for key, bucket := range d.buckets {
		bucket.timer.Stop()
		keys = append(keys, key)
	}
	d.mu.Unlock()

	for _, key := range keys {
		d.flush(key)
	}
}

// Close flushes pending buckets and waits for in-flight deliveries
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.Flush()
	d.wg.Wait()
}
