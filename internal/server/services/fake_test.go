package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"maps"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/dbx"
	"github.com/dmitrijs2005/roomies/internal/server/models"
	"github.com/dmitrijs2005/roomies/internal/server/repositories/entities"
	"github.com/dmitrijs2005/roomies/internal/server/repositories/memberships"
	"github.com/dmitrijs2005/roomies/internal/server/repositories/mutationkeys"
	"github.com/dmitrijs2005/roomies/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/roomies/internal/server/repositories/users"
	"github.com/dmitrijs2005/roomies/internal/wire"
)

// memStore is an in-memory stand-in for the database. Transactions are
// emulated by snapshotting the maps and restoring them on error.
type memStore struct {
	mu       sync.Mutex
	users    map[string]*models.User
	tokens   map[string]*models.RefreshToken
	entities map[string]*models.Entity
	members  map[string]bool
	keys     map[string]*models.MutationKey
	version  int64
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]*models.User{},
		tokens:   map[string]*models.RefreshToken{},
		entities: map[string]*models.Entity{},
		members:  map[string]bool{},
		keys:     map[string]*models.MutationKey{},
	}
}

type snapshot struct {
	users    map[string]*models.User
	tokens   map[string]*models.RefreshToken
	entities map[string]*models.Entity
	members  map[string]bool
	keys     map[string]*models.MutationKey
	version  int64
}

func (m *memStore) snapshot() snapshot {
	ents := make(map[string]*models.Entity, len(m.entities))
	for k, v := range m.entities {
		c := *v
		ents[k] = &c
	}
	return snapshot{
		users:    maps.Clone(m.users),
		tokens:   maps.Clone(m.tokens),
		entities: ents,
		members:  maps.Clone(m.members),
		keys:     maps.Clone(m.keys),
		version:  m.version,
	}
}

func (m *memStore) restore(s snapshot) {
	m.users, m.tokens, m.entities, m.members, m.keys, m.version =
		s.users, s.tokens, s.entities, s.members, s.keys, s.version
}

// useMemTx replaces the transaction seam for the duration of the test.
func useMemTx(t *testing.T, m *memStore) {
	t.Helper()
	orig := withTx
	t.Cleanup(func() { withTx = orig })
	withTx = func(ctx context.Context, _ *sql.DB, fn func(ctx context.Context, tx dbx.DBTX) error) error {
		m.mu.Lock()
		snap := m.snapshot()
		m.mu.Unlock()
		if err := fn(ctx, nil); err != nil {
			m.mu.Lock()
			m.restore(snap)
			m.mu.Unlock()
			return err
		}
		return nil
	}
}

type memManager struct{ s *memStore }

func (m *memManager) RunMigrations(context.Context, *sql.DB) error    { return nil }
func (m *memManager) Users(dbx.DBTX) users.Repository                 { return (*memUsers)(m.s) }
func (m *memManager) RefreshTokens(dbx.DBTX) refreshtokens.Repository { return (*memTokens)(m.s) }
func (m *memManager) Entities(dbx.DBTX) entities.Repository           { return (*memEntities)(m.s) }
func (m *memManager) Memberships(dbx.DBTX) memberships.Repository     { return (*memMembers)(m.s) }
func (m *memManager) MutationKeys(dbx.DBTX) mutationkeys.Repository   { return (*memKeys)(m.s) }

type memUsers memStore

func (r *memUsers) Create(_ context.Context, u *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.Email]; ok {
		return common.ErrIdentifierInUse
	}
	u.CreatedAt = time.Now()
	c := *u
	r.users[u.Email] = &c
	return nil
}

func (r *memUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[email]
	if !ok {
		return nil, common.ErrNotFound
	}
	c := *u
	return &c, nil
}

type memTokens memStore

func (r *memTokens) Create(_ context.Context, userID, token string, expires time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = &models.RefreshToken{UserID: userID, Token: token, Expires: expires}
	return nil
}

func (r *memTokens) Find(_ context.Context, token string) (*models.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[token]
	if !ok {
		return nil, common.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (r *memTokens) Delete(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, token)
	return nil
}

type memEntities memStore

func (r *memEntities) NextVersion(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version++
	return r.version, nil
}

func (r *memEntities) Get(_ context.Context, id string) (*models.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	c := *e
	return &c, nil
}

func (r *memEntities) GetForUpdate(ctx context.Context, id string) (*models.Entity, error) {
	return r.Get(ctx, id)
}

func (r *memEntities) Insert(_ context.Context, e *models.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *e
	r.entities[e.ID] = &c
	return nil
}

func (r *memEntities) Update(_ context.Context, e *models.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entities[e.ID]; !ok {
		return common.ErrNotFound
	}
	c := *e
	r.entities[e.ID] = &c
	return nil
}

func (r *memEntities) Changes(_ context.Context, userID string, since int64, limit int) ([]*models.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter(since, limit, func(e *models.Entity) bool {
		return e.RoomID == userID || r.members[e.RoomID+"|"+userID]
	}), nil
}

func (r *memEntities) RoomChanges(_ context.Context, roomID string, since int64, limit int) ([]*models.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter(since, limit, func(e *models.Entity) bool { return e.RoomID == roomID }), nil
}

func (r *memEntities) filter(since int64, limit int, keep func(*models.Entity) bool) []*models.Entity {
	var out []*models.Entity
	for _, e := range r.entities {
		if e.Version > since && keep(e) {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *memEntities) FindHouseholdByInviteCode(_ context.Context, code string) (*models.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entities {
		if e.Kind != "household" || e.Deleted() {
			continue
		}
		var h struct {
			InviteCode string `json:"inviteCode"`
		}
		if json.Unmarshal(e.Payload, &h) == nil && h.InviteCode == code {
			c := *e
			return &c, nil
		}
	}
	return nil, common.ErrNotFound
}

type memMembers memStore

func (r *memMembers) Add(_ context.Context, householdID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[householdID+"|"+userID] = true
	return nil
}

func (r *memMembers) IsMember(_ context.Context, householdID, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members[householdID+"|"+userID], nil
}

func (r *memMembers) Households(_ context.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for k := range r.members {
		for i := range k {
			if k[i] == '|' && k[i+1:] == userID {
				out = append(out, k[:i])
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

type memKeys memStore

func (r *memKeys) Reserve(_ context.Context, userID, key, entityID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := userID + "|" + key
	if _, ok := r.keys[k]; ok {
		return false, nil
	}
	r.keys[k] = &models.MutationKey{UserID: userID, Key: key, EntityID: entityID}
	return true, nil
}

func (r *memKeys) Find(_ context.Context, userID, key string) (*models.MutationKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mk, ok := r.keys[userID+"|"+key]
	if !ok {
		return nil, common.ErrNotFound
	}
	c := *mk
	return &c, nil
}

func (r *memKeys) Complete(_ context.Context, userID, key string, response json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mk, ok := r.keys[userID+"|"+key]
	if !ok {
		return common.ErrNotFound
	}
	c := *mk
	c.Response = response
	r.keys[userID+"|"+key] = &c
	return nil
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []wire.Event
	rooms  []string
}

func (p *recordingPublisher) Publish(_ context.Context, roomID string, ev wire.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rooms = append(p.rooms, roomID)
	p.events = append(p.events, ev)
}
