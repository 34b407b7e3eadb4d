// Package domain defines the entity kinds synced between the app and the
// backend and the payload each kind carries.
package domain

import (
	"encoding/json"
	"fmt"
)

// Kind is the closed set of syncable entity types.
type Kind string

const (
	KindUser      Kind = "user"
	KindHousehold Kind = "household"
	KindTask      Kind = "task"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{KindUser, KindHousehold, KindTask}

// ParseKind accepts a kind name or its REST collection name.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "user", "users":
		return KindUser, nil
	case "household", "households":
		return KindHousehold, nil
	case "task", "tasks":
		return KindTask, nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
}

// Collection is the REST collection name, e.g. "tasks".
func (k Kind) Collection() string {
	return string(k) + "s"
}

// Payload is the kind-specific body of an entity.
type Payload interface {
	Kind() Kind
	Validate() error
}

// NewPayload returns an empty payload value for k.
func NewPayload(k Kind) (Payload, error) {
	switch k {
	case KindUser:
		return &User{}, nil
	case KindHousehold:
		return &Household{}, nil
	case KindTask:
		return &Task{}, nil
	default:
		return nil, fmt.Errorf("unknown entity kind %q", k)
	}
}

// DecodePayload unmarshals raw into the payload type of k.
func DecodePayload(k Kind, raw json.RawMessage) (Payload, error) {
	p, err := NewPayload(k)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", k, err)
	}
	return p, nil
}

// EncodePayload marshals p into its canonical JSON form.
func EncodePayload(p Payload) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return b, nil
}
