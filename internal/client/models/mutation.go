package models

import (
	"encoding/json"
	"time"

	"github.com/dmitrijs2005/roomies/internal/domain"
)

// Op is the kind of change a pending mutation carries.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// PendingMutation is a durable, not yet acknowledged local change.
type PendingMutation struct {
	// Seq is the FIFO position in the queue.
	Seq      int64
	EntityID string
	Kind     domain.Kind
	Op       Op
	Payload  json.RawMessage
	// BaseVersion is the entity version this change was made against.
	BaseVersion    int64
	IdempotencyKey string
	// Supersedes holds the idempotency keys of mutations collapsed into a
	// delete, so a conflict caused by one of our own earlier writes can be
	// recognised.
	Supersedes    []string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}

// Session holds the tokens of the signed-in user.
type Session struct {
	UserID       string    `json:"userId"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// ExpiresWithin reports whether the access token expires within d of now.
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	return s.ExpiresAt.Sub(now) < d
}

// Resolution names how a conflict was settled.
type Resolution string

const ResolutionRemoteWins Resolution = "remote_wins"

// FieldChange is one payload field that differs between the discarded local
// change and the accepted remote state.
type FieldChange struct {
	Name   string          `json:"name"`
	Local  json.RawMessage `json:"local,omitempty"`
	Remote json.RawMessage `json:"remote,omitempty"`
}

// ConflictEvent records a local change discarded in favour of server state.
type ConflictEvent struct {
	ID               int64
	EntityID         string
	Kind             domain.Kind
	Op               Op
	IdempotencyKey   string
	LocalBaseVersion int64
	LocalPayload     json.RawMessage
	RemoteVersion    int64
	RemotePayload    json.RawMessage
	RemoteDeleted    bool
	Fields           []FieldChange
	Resolution       Resolution
	DetectedAt       time.Time
}

// DiffFields lists top-level payload fields whose values differ.
func DiffFields(local, remote json.RawMessage) []FieldChange {
	var l, r map[string]json.RawMessage
	_ = json.Unmarshal(local, &l)
	_ = json.Unmarshal(remote, &r)

	seen := make(map[string]struct{}, len(l)+len(r))
	var out []FieldChange
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		lv, rv := l[name], r[name]
		if !jsonEqual(lv, rv) {
			out = append(out, FieldChange{Name: name, Local: lv, Remote: rv})
		}
	}
	for _, k := range sortedKeys(l) {
		add(k)
	}
	for _, k := range sortedKeys(r) {
		add(k)
	}
	return out
}
