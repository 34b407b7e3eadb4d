package models

import (
	"encoding/json"
	"time"

	"github.com/dmitrijs2005/roomies/internal/domain"
)

// Entity is the authoritative server copy of a syncable record. It encodes
// to the same JSON shape the client stores.
type Entity struct {
	ID        string          `json:"id"`
	Kind      domain.Kind     `json:"entityType"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
	DeletedAt *time.Time      `json:"deletedAt,omitempty"`
	Payload   json.RawMessage `json:"payload"`

	// RoomID scopes visibility and realtime fan-out: a household id, or the
	// user id for a profile.
	RoomID          string `json:"-"`
	LastMutationKey string `json:"-"`
}

func (e *Entity) Deleted() bool { return e.DeletedAt != nil }

// MutationKey remembers the outcome of an idempotent write.
type MutationKey struct {
	UserID   string
	Key      string
	EntityID string
	Response json.RawMessage
}
