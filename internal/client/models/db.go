// Package models defines the client-side records persisted in the local
// store and exchanged with the backend.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/google/uuid"
)

// Entity is a locally stored copy of a syncable record.
type Entity struct {
	// ID is assigned at creation and never changes.
	ID   string      `json:"id"`
	Kind domain.Kind `json:"entityType"`

	// Version is server-assigned. Zero until the first write is acknowledged.
	Version   int64      `json:"version"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`

	// Dirty is true while unacknowledged local mutations exist.
	Dirty bool `json:"-"`
	// NeedsResync is set when the server permanently rejected a local change.
	NeedsResync bool `json:"-"`

	Payload json.RawMessage `json:"payload"`
}

// NewEntity builds a fresh, unsynced entity around p with a new id.
func NewEntity(p domain.Payload) (*Entity, error) {
	raw, err := domain.EncodePayload(p)
	if err != nil {
		return nil, err
	}
	return &Entity{
		ID:        uuid.NewString(),
		Kind:      p.Kind(),
		UpdatedAt: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Deleted reports whether the entity is a tombstone.
func (e *Entity) Deleted() bool { return e.DeletedAt != nil }

// Decode returns the typed payload.
func (e *Entity) Decode() (domain.Payload, error) {
	return domain.DecodePayload(e.Kind, e.Payload)
}

// DecodeAs decodes the payload of e into T, failing when the kind differs.
func DecodeAs[T domain.Payload](e *Entity) (T, error) {
	var zero T
	p, err := e.Decode()
	if err != nil {
		return zero, err
	}
	t, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("entity %s is a %s", e.ID, e.Kind)
	}
	return t, nil
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	c := *e
	if e.DeletedAt != nil {
		d := *e.DeletedAt
		c.DeletedAt = &d
	}
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c
}
