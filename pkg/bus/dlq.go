package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/developer-mesh/task-sync/pkg/models"
)

// Dead-letter entry statuses
const (
	DeadLetterStatusPending  = "pending"
	DeadLetterStatusResolved = "resolved"
)

// DeadLetterSchema is the DDL for the dead-letter table owned by the bus
const DeadLetterSchema = `
CREATE TABLE IF NOT EXISTS event_dlq (
	id              TEXT PRIMARY KEY,
	topic           TEXT NOT NULL,
	subscription_id TEXT NOT NULL,
	request_id      TEXT NOT NULL,
	entity_id       TEXT NOT NULL,
	outcome         JSONB NOT NULL,
	attempts        INT NOT NULL,
	error_message   TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DeadLetterEntry is an outcome that exhausted its redelivery budget,
// preserved for operator inspection and manual replay.
type DeadLetterEntry struct {
	ID             string          `json:"id" db:"id"`
	Topic          string          `json:"topic" db:"topic"`
	SubscriptionID string          `json:"subscription_id" db:"subscription_id"`
	RequestID      string          `json:"request_id" db:"request_id"`
	EntityID       string          `json:"entity_id" db:"entity_id"`
	Outcome        json.RawMessage `json:"outcome" db:"outcome"`
	Attempts       int             `json:"attempts" db:"attempts"`
	ErrorMessage   string          `json:"error_message" db:"error_message"`
	Status         string          `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// NewDeadLetterEntry builds an entry from a failed delivery
func NewDeadLetterEntry(topic, subscriptionID string, outcome *models.MutationOutcome, attempts int, cause error) *DeadLetterEntry {
	data, err := json.Marshal(outcome)
	if err != nil {
		data = json.RawMessage("{}")
	}
	return &DeadLetterEntry{
		ID:             uuid.New().String(),
		Topic:          topic,
		SubscriptionID: subscriptionID,
		RequestID:      outcome.RequestID,
		EntityID:       outcome.EntityID,
		Outcome:        data,
		Attempts:       attempts,
		ErrorMessage:   cause.Error(),
		Status:         DeadLetterStatusPending,
		CreatedAt:      time.Now().UTC(),
	}
}

// DecodeOutcome unmarshals the preserved outcome
func (e *DeadLetterEntry) DecodeOutcome() (*models.MutationOutcome, error) {
	var outcome models.MutationOutcome
	if err := json.Unmarshal(e.Outcome, &outcome); err != nil {
		return nil, fmt.Errorf("failed to decode dead-letter outcome: %w", err)
	}
	return &outcome, nil
}

// DeadLetterStore persists dead-letter entries
type DeadLetterStore interface {
	Add(ctx context.Context, entry *DeadLetterEntry) error
	// List returns up to limit pending entries, oldest first
	List(ctx context.Context, limit int) ([]*DeadLetterEntry, error)
	MarkResolved(ctx context.Context, entryID string) error
}

// MemoryDeadLetterStore keeps entries in memory, bounded to maxEntries
type MemoryDeadLetterStore struct {
	mu         sync.Mutex
	entries    []*DeadLetterEntry
	maxEntries int
}

// NewMemoryDeadLetterStore creates an in-memory dead-letter store
func NewMemoryDeadLetterStore(maxEntries int) *MemoryDeadLetterStore {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &MemoryDeadLetterStore{maxEntries: maxEntries}
}

// Add implements DeadLetterStore.Add
func (m *MemoryDeadLetterStore) Add(ctx context.Context, entry *DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, entry)
	if len(m.entries) > m.maxEntries {
		m.entries = m.entries[len(m.entries)-m.maxEntries:]
	}
	return nil
}

// List implements DeadLetterStore.List
func (m *MemoryDeadLetterStore) List(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*DeadLetterEntry, 0, limit)
	for _, entry := range m.entries {
		if entry.Status != DeadLetterStatusPending {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkResolved implements DeadLetterStore.MarkResolved
func (m *MemoryDeadLetterStore) MarkResolved(ctx context.Context, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.entries {
		if entry.ID == entryID {
			entry.Status = DeadLetterStatusResolved
			return nil
		}
	}
	return fmt.Errorf("dead-letter entry %s not found", entryID)
}

// PostgresDeadLetterStore persists entries in the event_dlq table
type PostgresDeadLetterStore struct {
	db *sqlx.DB
}

// NewPostgresDeadLetterStore creates a Postgres-backed dead-letter store
func NewPostgresDeadLetterStore(db *sqlx.DB) *PostgresDeadLetterStore {
	return &PostgresDeadLetterStore{db: db}
}

// Add implements DeadLetterStore.Add
func (p *PostgresDeadLetterStore) Add(ctx context.Context, entry *DeadLetterEntry) error {
	query := `
		INSERT INTO event_dlq (
			id, topic, subscription_id, request_id, entity_id,
			outcome, attempts, error_message, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := p.db.ExecContext(ctx, query,
		entry.ID, entry.Topic, entry.SubscriptionID, entry.RequestID, entry.EntityID,
		entry.Outcome, entry.Attempts, entry.ErrorMessage, entry.Status, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead-letter entry %s: %w", entry.ID, err)
	}
	return nil
}

// List implements DeadLetterStore.List
func (p *PostgresDeadLetterStore) List(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, topic, subscription_id, request_id, entity_id,
		       outcome, attempts, error_message, status, created_at
		FROM event_dlq
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	var entries []*DeadLetterEntry
	if err := p.db.SelectContext(ctx, &entries, query, DeadLetterStatusPending, limit); err != nil {
		return nil, fmt.Errorf("failed to list dead-letter entries: %w", err)
	}
	return entries, nil
}

// MarkResolved implements DeadLetterStore.MarkResolved
func (p *PostgresDeadLetterStore) MarkResolved(ctx context.Context, entryID string) error {
	query := `UPDATE event_dlq SET status = $1 WHERE id = $2`

	result, err := p.db.ExecContext(ctx, query, DeadLetterStatusResolved, entryID)
	if err != nil {
		return fmt.Errorf("failed to resolve dead-letter entry %s: %w", entryID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for entry %s: %w", entryID, err)
	}
	if affected == 0 {
		return fmt.Errorf("dead-letter entry %s not found", entryID)
	}
	return nil
}
