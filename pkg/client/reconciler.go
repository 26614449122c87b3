package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/task-sync/pkg/models"
	"github.com/developer-mesh/task-sync/pkg/observability"
)

// Transport submits mutation requests toward the server. Submission is fire
// and forget; outcomes arrive asynchronously through HandleOutcome on the
// push channel.
type Transport interface {
	Submit(ctx context.Context, req *models.MutationRequest) error
}

// Config contains reconciler configuration
type Config struct {
	// RetrySchedule holds the wait before each submission is declared lost.
	// Its length is the total attempt budget: an operation that never
	// receives an outcome fails after exactly len(RetrySchedule) attempts.
	RetrySchedule []time.Duration
}

// DefaultConfig returns the default reconciler configuration
func DefaultConfig() Config {
	return Config{
		RetrySchedule: []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second},
	}
}

type baseline struct {
	payload models.Payload
	token   int64
}

// Reconciler maintains one client's optimistic overlay. Local edits render
// immediately; confirmations, rejections, and other clients' accepted edits
// arriving over the push channel are merged against the pending-operation
// queue. Pending operations for one entity are submitted strictly FIFO:
// only the head is in flight, and followers carry the token the head's
// confirmation establishes.
type Reconciler struct {
	clientID  string
	transport Transport
	config    Config
	logger    observability.Logger
	onFailure func(*PendingOperation)

	mu        sync.Mutex
	baselines map[string]*baseline
	ops       map[string]*PendingOperation // keyed by current request id
	queues    map[string][]*PendingOperation
	failures  []*PendingOperation
	online    bool
	closed    bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewReconciler creates a reconciler and starts its scheduler. onFailure is
// optional; when set it receives every operation that reaches the failed
// state, which is the user-visible error surface.
func NewReconciler(clientID string, transport Transport, config Config, logger observability.Logger, onFailure func(*PendingOperation)) *Reconciler {
	if len(config.RetrySchedule) == 0 {
		config.RetrySchedule = DefaultConfig().RetrySchedule
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	r := &Reconciler{
		clientID:  clientID,
		transport: transport,
		config:    config,
		logger:    logger.WithPrefix("reconciler:" + clientID),
		onFailure: onFailure,
		baselines: make(map[string]*baseline),
		ops:       make(map[string]*PendingOperation),
		queues:    make(map[string][]*PendingOperation),
		online:    true,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	r.wg.Add(1)
	go r.schedulerLoop()
	return r
}

// Observe records server state for an entity, typically from the initial
// fetch. Stale observations (older tokens) are ignored.
func (r *Reconciler) Observe(entity *models.Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	base := r.baselines[entity.ID]
	if base != nil && base.token >= entity.ConcurrencyToken {
		return
	}
	r.baselines[entity.ID] = &baseline{
		payload: entity.Payload.Clone(),
		token:   entity.ConcurrencyToken,
	}
	r.recomputeOverlay(entity.ID)
}

// LocalView returns the optimistic payload for an entity: the last known
// server state with all pending local edits applied in FIFO order. The
// second return is the last confirmed server token.
func (r *Reconciler) LocalView(entityID string) (models.Payload, int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	base, ok := r.baselines[entityID]
	if !ok {
		return nil, 0, false
	}

	view := base.payload.Clone()
	for _, op := range r.queues[entityID] {
		view = view.Merge(op.ChangeSet)
	}
	return view, base.token, true
}

// Edit applies a speculative local change and queues it for submission. The
// optimistic view updates before any network round trip. While offline the
// operation stays queued and is flushed on reconnection.
func (r *Reconciler) Edit(ctx context.Context, entityID, entityType string, changeSet map[string]interface{}) (*PendingOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("reconciler is closed")
	}
	base, ok := r.baselines[entityID]
	if !ok {
		return nil, fmt.Errorf("no observed state for entity %s", entityID)
	}
	if len(changeSet) == 0 {
		return nil, fmt.Errorf("empty change set for entity %s", entityID)
	}

	// The edit's base is the current overlay, so stacked edits rebase
	// cleanly when earlier ones confirm.
	overlay := base.payload.Clone()
	for _, prev := range r.queues[entityID] {
		overlay = overlay.Merge(prev.ChangeSet)
	}

	op := &PendingOperation{
		RequestID:         uuid.New().String(),
		EntityID:          entityID,
		EntityType:        entityType,
		ChangeSet:         models.Payload(changeSet).Clone(),
		BasePayload:       overlay,
		OptimisticPayload: overlay.Merge(changeSet),
		SubmittedAt:       time.Now().UTC(),
		Status:            StatusPending,
	}

	r.ops[op.RequestID] = op
	r.queues[entityID] = append(r.queues[entityID], op)

	if r.online && len(r.queues[entityID]) == 1 {
		r.submitLocked(op)
	}

	return op.snapshot(), nil
}

// HandleOutcome merges a mutation outcome arriving over the push channel.
// It is safe against duplicate delivery: outcomes for already-resolved or
// cancelled request ids are ignored. The signature matches the bus handler
// contract.
func (r *Reconciler) HandleOutcome(ctx context.Context, outcome *models.MutationOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	if op, owned := r.ops[outcome.RequestID]; owned && !op.Terminal() {
		switch outcome.Code {
		case models.OutcomeAccepted:
			op.Status = StatusConfirmed
			r.setBaselineLocked(op.EntityID, outcome.ResultingPayload, outcome.NewToken)
			r.removeLocked(op)
			r.submitHeadLocked(op.EntityID)

		case models.OutcomeVersionConflict:
			r.setBaselineLocked(op.EntityID, outcome.CurrentPayload, outcome.CurrentToken)
			r.rebaseLocked(op, outcome.CurrentPayload, outcome.CurrentToken)

		case models.OutcomeValidationFailed:
			r.failLocked(op, "validation failed: "+outcome.ConflictReason)
		}
		return nil
	}

	// Another writer's accepted edit. Advance the baseline and proactively
	// rebase our in-flight head instead of waiting for its conflict.
	if outcome.Accepted() && outcome.OriginClientID != r.clientID {
		base := r.baselines[outcome.EntityID]
		if base != nil && outcome.NewToken <= base.token {
			return nil
		}
		r.setBaselineLocked(outcome.EntityID, outcome.ResultingPayload, outcome.NewToken)

		if queue := r.queues[outcome.EntityID]; len(queue) > 0 && queue[0].submitted {
			r.rebaseLocked(queue[0], outcome.ResultingPayload, outcome.NewToken)
		}
	}
	return nil
}

// Cancel abandons a pending operation before its outcome arrives. A later
// outcome for the cancelled request id is discarded. Cancellation does not
// abort any server-side mutation already in flight.
func (r *Reconciler) Cancel(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[requestID]
	if !ok || op.Terminal() {
		return false
	}
	op.Status = StatusCancelled
	r.removeLocked(op)
	r.submitHeadLocked(op.EntityID)
	return true
}

// SetOnline flips connectivity. Going online flushes queued operations, one
// head per entity, in submission order. Going offline stops retry timers
// from burning the attempt budget.
func (r *Reconciler) SetOnline(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.online == online {
		return
	}
	r.online = online
	if online {
		for entityID := range r.queues {
			r.submitHeadLocked(entityID)
		}
	}
	r.wakeLocked()
}

// Pending returns snapshots of the queued operations for an entity
func (r *Reconciler) Pending(entityID string) []*PendingOperation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*PendingOperation, 0, len(r.queues[entityID]))
	for _, op := range r.queues[entityID] {
		out = append(out, op.snapshot())
	}
	return out
}

// Failures returns the operations that reached the failed state
func (r *Reconciler) Failures() []*PendingOperation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*PendingOperation, len(r.failures))
	copy(out, r.failures)
	return out
}

// Close cancels all pending retry timers and waits for in-flight submits.
// Pending operations are left queued; a reconnecting client constructs a
// fresh reconciler and replays them from its own storage.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()
}

// --- internals, all called with r.mu held ---

func (r *Reconciler) setBaselineLocked(entityID string, payload models.Payload, token int64) {
	base := r.baselines[entityID]
	if base != nil && base.token >= token {
		return
	}
	r.baselines[entityID] = &baseline{payload: payload.Clone(), token: token}
	r.recomputeOverlay(entityID)
}

// recomputeOverlay re-derives each queued operation's base and optimistic
// payload from the current baseline, so views stay consistent after a
// confirmation, failure, or cancellation upstream in the queue.
func (r *Reconciler) recomputeOverlay(entityID string) {
	base, ok := r.baselines[entityID]
	if !ok {
		return
	}
	current := base.payload.Clone()
	for _, op := range r.queues[entityID] {
		op.BasePayload = current
		op.OptimisticPayload = current.Merge(op.ChangeSet)
		current = op.OptimisticPayload
	}
}

func (r *Reconciler) removeLocked(op *PendingOperation) {
	delete(r.ops, op.RequestID)
	queue := r.queues[op.EntityID]
	for i, queued := range queue {
		if queued == op {
			r.queues[op.EntityID] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(r.queues[op.EntityID]) == 0 {
		delete(r.queues, op.EntityID)
	}
	r.recomputeOverlay(op.EntityID)
	r.wakeLocked()
}

func (r *Reconciler) submitHeadLocked(entityID string) {
	queue := r.queues[entityID]
	if len(queue) == 0 || !r.online {
		return
	}
	head := queue[0]
	if !head.submitted {
		r.submitLocked(head)
	}
}

// submitLocked sends the operation's current incarnation. The transport
// call happens off-lock; only bookkeeping is done here.
func (r *Reconciler) submitLocked(op *PendingOperation) {
	base, ok := r.baselines[op.EntityID]
	if !ok || r.closed {
		return
	}
	op.ExpectedToken = base.token
	op.submitted = true
	op.deadline = time.Now().Add(r.config.RetrySchedule[op.RetryCount])

	req := &models.MutationRequest{
		EntityID:       op.EntityID,
		EntityType:     op.EntityType,
		ExpectedToken:  op.ExpectedToken,
		ChangeSet:      models.Payload(op.ChangeSet).Clone(),
		RequestID:      op.RequestID,
		OriginClientID: r.clientID,
		SubmittedAt:    time.Now().UTC(),
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.transport.Submit(context.Background(), req); err != nil {
			r.logger.Warn("Submit failed, awaiting retry", map[string]interface{}{
				"request_id": req.RequestID,
				"entity_id":  req.EntityID,
				"error":      err.Error(),
			})
		}
	}()

	r.wakeLocked()
}

// rebaseLocked adopts the server's state as the operation's new base and
// re-derives the change set with a field-level merge. A merge the policy
// cannot resolve fails the operation and surfaces to the user; it is never
// silently overwritten.
func (r *Reconciler) rebaseLocked(op *PendingOperation, serverPayload models.Payload, serverToken int64) {
	rebased, err := MergeChangeSet(op.BasePayload, serverPayload, op.ChangeSet)
	if err != nil {
		r.failLocked(op, err.Error())
		return
	}

	// The old request id has a recorded terminal outcome server-side, so
	// the rebased submission needs a fresh one.
	delete(r.ops, op.RequestID)
	op.RequestID = uuid.New().String()
	r.ops[op.RequestID] = op

	op.ChangeSet = rebased
	op.BasePayload = serverPayload.Clone()
	op.OptimisticPayload = serverPayload.Merge(rebased)
	op.Status = StatusRetrying

	if r.online {
		r.submitLocked(op)
	} else {
		op.submitted = false
	}
}

func (r *Reconciler) failLocked(op *PendingOperation, reason string) {
	op.Status = StatusFailed
	op.FailureReason = reason
	r.removeLocked(op)
	r.failures = append(r.failures, op.snapshot())
	r.submitHeadLocked(op.EntityID)

	r.logger.Error("Pending operation failed", map[string]interface{}{
		"request_id": op.RequestID,
		"entity_id":  op.EntityID,
		"reason":     reason,
	})

	if r.onFailure != nil && !r.closed {
		snap := op.snapshot()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.onFailure(snap)
		}()
	}
}

func (r *Reconciler) wakeLocked() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// schedulerLoop is the single timer driving every operation's retry state.
// It wakes at the earliest deadline, resubmits operations whose outcome is
// overdue, and fails the ones that exhausted the schedule.
func (r *Reconciler) schedulerLoop() {
	defer r.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.nextWake())

		select {
		case <-r.done:
			return
		case <-r.wake:
		case <-timer.C:
			r.handleDeadlines()
		}
	}
}

func (r *Reconciler) nextWake() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := time.Hour
	now := time.Now()
	for _, op := range r.ops {
		if !op.submitted || op.Terminal() {
			continue
		}
		d := op.deadline.Sub(now)
		if d < 0 {
			d = 0
		}
		if d < next {
			next = d
		}
	}
	return next
}

func (r *Reconciler) handleDeadlines() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.online || r.closed {
		return
	}

	now := time.Now()
	var overdue []*PendingOperation
	for _, op := range r.ops {
		if op.submitted && !op.Terminal() && !op.deadline.After(now) {
			overdue = append(overdue, op)
		}
	}

	for _, op := range overdue {
		if op.RetryCount >= len(r.config.RetrySchedule)-1 {
			r.failLocked(op, fmt.Sprintf("no server response after %d attempts", op.RetryCount+1))
			continue
		}
		// Lost-message resubmission keeps the request id so the server
		// replays the recorded outcome if the original did land.
		op.RetryCount++
		op.Status = StatusRetrying
		r.logger.Debug("Resubmitting overdue operation", map[string]interface{}{
			"request_id": op.RequestID,
			"entity_id":  op.EntityID,
			"attempt":    op.RetryCount + 1,
		})
		r.submitLocked(op)
	}
}
