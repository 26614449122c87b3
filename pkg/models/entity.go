// Package models defines the core data types shared between the versioned
// store, the event bus, the notification dispatcher, and client reconcilers.
package models

import (
	"time"
)

// Payload holds the domain fields of an entity. Values must be
// JSON-serializable; nested objects are represented as map[string]interface{}.
type Payload map[string]interface{}

// Clone returns a deep copy of the payload. Entity state is always copied,
// never aliased, between the persistence path and the notification path.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return val
	}
}

// Merge returns a copy of the payload with the given changes applied on top.
// A nil value in changes removes the field.
func (p Payload) Merge(changes map[string]interface{}) Payload {
	out := p.Clone()
	if out == nil {
		out = make(Payload, len(changes))
	}
	for k, v := range changes {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// Entity is a mutable business object (task, comment) guarded by an
// optimistic concurrency token. The token starts at 1 and is incremented by
// exactly 1 on every accepted mutation; two accepted mutations for the same
// id never share a token.
type Entity struct {
	ID               string    `json:"id" db:"id"`
	Type             string    `json:"type" db:"entity_type"`
	Payload          Payload   `json:"payload" db:"payload"`
	ConcurrencyToken int64     `json:"concurrency_token" db:"concurrency_token"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy of the entity
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	out.Payload = e.Payload.Clone()
	return &out
}
