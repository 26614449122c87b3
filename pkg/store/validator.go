package store

import (
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ChangeSetValidator checks a change set against the domain rules for an
// entity type. A non-nil error is reported to the submitting client as a
// ValidationFailed outcome and is never retried.
type ChangeSetValidator interface {
	ValidateChangeSet(entityType string, changeSet map[string]interface{}) error
}

// SchemaValidator validates change sets against per-type JSON schemas.
// Entity types without a registered schema pass validation unchecked.
type SchemaValidator struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

// NewSchemaValidator creates a validator with no registered schemas
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// RegisterSchema compiles and registers a JSON schema for an entity type
func (v *SchemaValidator) RegisterSchema(entityType string, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", entityType, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[entityType] = schema
	return nil
}

// ValidateChangeSet implements ChangeSetValidator
func (v *SchemaValidator) ValidateChangeSet(entityType string, changeSet map[string]interface{}) error {
	v.mu.RLock()
	schema, ok := v.schemas[entityType]
	v.mu.RUnlock()

	if !ok {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(changeSet))
	if err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", entityType, err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return fmt.Errorf("invalid change set for %s: %s", entityType, first.String())
	}
	return nil
}
