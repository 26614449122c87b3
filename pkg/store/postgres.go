package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/developer-mesh/task-sync/pkg/models"
)

// EntitySchema is the DDL for the entity table owned by this core
const EntitySchema = `
CREATE TABLE IF NOT EXISTS entities (
	id                TEXT PRIMARY KEY,
	entity_type       TEXT NOT NULL,
	payload           JSONB NOT NULL DEFAULT '{}',
	concurrency_token BIGINT NOT NULL DEFAULT 1,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresPersistence implements Persistence against a Postgres entities
// table. The conditional write is a single UPDATE guarded by the token
// column, so concurrent writers from any number of processes serialize on
// the row without advisory locks.
type PostgresPersistence struct {
	db *sqlx.DB
}

// NewPostgresPersistence creates a persistence layer on an existing connection
func NewPostgresPersistence(db *sqlx.DB) *PostgresPersistence {
	return &PostgresPersistence{db: db}
}

type entityRow struct {
	ID               string          `db:"id"`
	EntityType       string          `db:"entity_type"`
	Payload          json.RawMessage `db:"payload"`
	ConcurrencyToken int64           `db:"concurrency_token"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

// ReadCurrent reads the entity row for the given id
func (p *PostgresPersistence) ReadCurrent(ctx context.Context, entityID string) (*models.Entity, error) {
	var row entityRow
	query := `SELECT id, entity_type, payload, concurrency_token, updated_at FROM entities WHERE id = $1`

	if err := p.db.GetContext(ctx, &row, query, entityID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to read entity %s: %w", entityID, err)
	}

	var payload models.Payload
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload for entity %s: %w", entityID, err)
	}

	return &models.Entity{
		ID:               row.ID,
		Type:             row.EntityType,
		Payload:          payload,
		ConcurrencyToken: row.ConcurrencyToken,
		UpdatedAt:        row.UpdatedAt,
	}, nil
}

// WriteIfToken performs the atomic conditional write. It returns false when
// the token no longer matches, which the caller reports as a version
// conflict.
func (p *PostgresPersistence) WriteIfToken(ctx context.Context, entityID string, token int64, newPayload models.Payload) (bool, error) {
	data, err := json.Marshal(newPayload)
	if err != nil {
		return false, fmt.Errorf("failed to encode payload for entity %s: %w", entityID, err)
	}

	query := `
		UPDATE entities
		SET payload = $1, concurrency_token = concurrency_token + 1, updated_at = now()
		WHERE id = $2 AND concurrency_token = $3
	`

	result, err := p.db.ExecContext(ctx, query, data, entityID, token)
	if err != nil {
		return false, fmt.Errorf("failed to write entity %s: %w", entityID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows for entity %s: %w", entityID, err)
	}
	return affected == 1, nil
}

// Insert stores a new entity row
func (p *PostgresPersistence) Insert(ctx context.Context, entity *models.Entity) error {
	data, err := json.Marshal(entity.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for entity %s: %w", entity.ID, err)
	}

	query := `
		INSERT INTO entities (id, entity_type, payload, concurrency_token, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	if _, err := p.db.ExecContext(ctx, query, entity.ID, entity.Type, data, entity.ConcurrencyToken, entity.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert entity %s: %w", entity.ID, err)
	}
	return nil
}
