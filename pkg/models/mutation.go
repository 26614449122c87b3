package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutcomeCode classifies the terminal result of a mutation request
type OutcomeCode string

// Outcome codes
const (
	// OutcomeAccepted indicates the mutation won and the token advanced
	OutcomeAccepted OutcomeCode = "accepted"
	// OutcomeVersionConflict indicates the expected token was stale
	OutcomeVersionConflict OutcomeCode = "version_conflict"
	// OutcomeValidationFailed indicates the change set was malformed
	OutcomeValidationFailed OutcomeCode = "validation_failed"
)

// MutationRequest is a client-submitted change to a single entity. It carries
// the concurrency token the client last observed and a client-generated
// idempotency key so duplicate deliveries resolve to the cached outcome.
type MutationRequest struct {
	EntityID       string                 `json:"entity_id"`
	EntityType     string                 `json:"entity_type"`
	ExpectedToken  int64                  `json:"expected_token"`
	ChangeSet      map[string]interface{} `json:"change_set"`
	RequestID      string                 `json:"request_id"`
	OriginClientID string                 `json:"origin_client_id"`
	SubmittedAt    time.Time              `json:"submitted_at"`
}

// NewMutationRequest creates a request with a fresh idempotency key
func NewMutationRequest(entityID, entityType string, expectedToken int64, changeSet map[string]interface{}, clientID string) *MutationRequest {
	return &MutationRequest{
		EntityID:       entityID,
		EntityType:     entityType,
		ExpectedToken:  expectedToken,
		ChangeSet:      changeSet,
		RequestID:      uuid.New().String(),
		OriginClientID: clientID,
		SubmittedAt:    time.Now().UTC(),
	}
}

// Validate checks structural requirements that hold for every entity type
func (r *MutationRequest) Validate() error {
	if r.EntityID == "" {
		return fmt.Errorf("mutation request missing entity_id")
	}
	if r.RequestID == "" {
		return fmt.Errorf("mutation request missing request_id")
	}
	if r.ExpectedToken < 1 {
		return fmt.Errorf("mutation request expected_token must be >= 1, got %d", r.ExpectedToken)
	}
	if len(r.ChangeSet) == 0 {
		return fmt.Errorf("mutation request has empty change_set")
	}
	return nil
}

// MutationOutcome is the terminal resolution of a MutationRequest. It is
// produced by the versioned store and owned by the event bus until every
// subscriber acknowledges it or the redelivery budget is exhausted.
//
// On acceptance NewToken and ResultingPayload are set. On a version conflict
// CurrentToken and CurrentPayload carry the server's present state so the
// origin client can rebase without a second round trip.
type MutationOutcome struct {
	EntityID         string      `json:"entity_id"`
	EntityType       string      `json:"entity_type"`
	RequestID        string      `json:"request_id"`
	OriginClientID   string      `json:"origin_client_id"`
	Code             OutcomeCode `json:"code"`
	NewToken         int64       `json:"new_token,omitempty"`
	ResultingPayload Payload     `json:"resulting_payload,omitempty"`
	RejectedToken    int64       `json:"rejected_token,omitempty"`
	CurrentToken     int64       `json:"current_token,omitempty"`
	CurrentPayload   Payload     `json:"current_payload,omitempty"`
	ConflictReason   string      `json:"conflict_reason,omitempty"`
	OccurredAt       time.Time   `json:"occurred_at"`
}

// Accepted reports whether the mutation won
func (o *MutationOutcome) Accepted() bool {
	return o.Code == OutcomeAccepted
}

// Topic returns the bus topic outcomes for this entity type are published on
func (o *MutationOutcome) Topic() string {
	return "entity." + o.EntityType
}

// AggregationKey groups outcomes that should be batched into one
// notification when they land within the same aggregation window.
func (o *MutationOutcome) AggregationKey() string {
	return o.EntityType + ":" + o.EntityID
}

// Clone returns a deep copy of the outcome
func (o *MutationOutcome) Clone() *MutationOutcome {
	if o == nil {
		return nil
	}
	out := *o
	out.ResultingPayload = o.ResultingPayload.Clone()
	out.CurrentPayload = o.CurrentPayload.Clone()
	return &out
}
