package client

import (
	"time"

	"github.com/developer-mesh/task-sync/pkg/models"
)

// OperationStatus is the lifecycle state of a pending operation
type OperationStatus string

// Operation statuses. Confirmed, failed, and cancelled are terminal.
const (
	StatusPending   OperationStatus = "pending"
	StatusRetrying  OperationStatus = "retrying"
	StatusConfirmed OperationStatus = "confirmed"
	StatusFailed    OperationStatus = "failed"
	StatusCancelled OperationStatus = "cancelled"
)

// PendingOperation is a speculative local edit awaiting server confirmation.
// It is owned exclusively by one reconciler and destroyed on confirmation or
// converted to a user-visible failure after exhausting retries.
type PendingOperation struct {
	// RequestID is the idempotency key of the current submission. A rebase
	// issues a fresh id because the old one already has a recorded conflict
	// outcome server-side; a timeout resubmission reuses the id so a lost
	// request replays idempotently.
	RequestID string

	EntityID   string
	EntityType string
	ChangeSet  map[string]interface{}

	// BasePayload is the server payload the change set was derived from.
	// It advances on every successful rebase.
	BasePayload models.Payload

	// OptimisticPayload is the speculative merged view shown locally
	OptimisticPayload models.Payload

	ExpectedToken int64
	SubmittedAt   time.Time
	RetryCount    int
	Status        OperationStatus
	FailureReason string

	// deadline is when the scheduler considers the submission lost
	deadline  time.Time
	submitted bool
}

// Terminal reports whether the operation reached a final state
func (op *PendingOperation) Terminal() bool {
	return op.Status == StatusConfirmed || op.Status == StatusFailed || op.Status == StatusCancelled
}

func (op *PendingOperation) snapshot() *PendingOperation {
	out := *op
	out.ChangeSet = models.Payload(op.ChangeSet).Clone()
	out.BasePayload = op.BasePayload.Clone()
	out.OptimisticPayload = op.OptimisticPayload.Clone()
	return &out
}
