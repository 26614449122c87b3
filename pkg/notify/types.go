// Package notify implements the notification dispatcher: a bus consumer that
// fans mutation outcomes out to external channels with per-recipient rate
// limiting, burst aggregation, and bounded backoff on delivery failure.
package notify

import (
	"context"
	"time"

	"github.com/developer-mesh/task-sync/pkg/models"
)

// Notification is a message delivered to one recipient. Aggregated
// notifications cover several outcomes that shared an aggregation key
// within one window.
type Notification struct {
	RecipientID string    `json:"recipient_id"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	EntityID    string    `json:"entity_id"`
	EntityType  string    `json:"entity_type"`
	EventCount  int       `json:"event_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Channel is the external delivery contract (email, push). The dispatcher
// only requires send semantics; transport details are the channel's concern.
type Channel interface {
	Send(ctx context.Context, recipientID string, notification *Notification) error
}

// RecipientResolver maps an outcome to the recipients that should hear
// about it (watchers of a task, participants of a thread).
type RecipientResolver interface {
	RecipientsFor(outcome *models.MutationOutcome) []string
}

// StaticResolver resolves every outcome to a fixed recipient list
type StaticResolver struct {
	Recipients []string
}

// RecipientsFor implements RecipientResolver
func (r *StaticResolver) RecipientsFor(outcome *models.MutationOutcome) []string {
	return r.Recipients
}

// FailedDelivery records one recipient the dispatcher gave up on
type FailedDelivery struct {
	RecipientID string `json:"recipient_id"`
	Reason      string `json:"reason"`
}

// DeliveryResult enumerates the fate of one dispatched notification batch.
// Partial failure is the expected steady state at scale; the dispatcher
// never raises a hard error for it.
type DeliveryResult struct {
	EntityID         string           `json:"entity_id"`
	DeliveredTo      []string         `json:"delivered_to"`
	FailedDeliveries []FailedDelivery `json:"failed_deliveries"`
	CompletedAt      time.Time        `json:"completed_at"`
}
