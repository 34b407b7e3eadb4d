package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/dbx"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/dmitrijs2005/roomies/internal/logging"
	"github.com/dmitrijs2005/roomies/internal/server/models"
	"github.com/dmitrijs2005/roomies/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/roomies/internal/wire"
	"github.com/google/uuid"
)

const (
	DefaultChangesLimit = 200
	MaxChangesLimit     = 1000

	inviteCodeBytes = 4
)

// ErrHouseholdPending is returned when a task references a household the
// server has not seen yet. The client is expected to retry later.
var ErrHouseholdPending = errors.New("household not yet created")

// Publisher fans entity events out to realtime subscribers of a room.
type Publisher interface {
	Publish(ctx context.Context, roomID string, ev wire.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, wire.Event) {}

// WriteRequest describes one create, update or delete.
type WriteRequest struct {
	UserID  string
	Kind    domain.Kind
	ID      string
	Payload json.RawMessage
	// IfMatch is the version the client based its change on. Nil skips the
	// check.
	IfMatch        *int64
	IdempotencyKey string
}

// ChangesPage is one page of the change feed.
type ChangesPage struct {
	Entities []*models.Entity `json:"entities"`
	Cursor   int64            `json:"cursor"`
	HasMore  bool             `json:"hasMore"`
}

// EntityService applies versioned writes to users, households and tasks and
// serves the change feed.
type EntityService struct {
	db    *sql.DB
	repos repomanager.RepositoryManager
	pub   Publisher
	log   logging.Logger
	now   func() time.Time
}

func NewEntityService(db *sql.DB, m repomanager.RepositoryManager, pub Publisher, log logging.Logger) *EntityService {
	if pub == nil {
		pub = nopPublisher{}
	}
	return &EntityService{
		db:    db,
		repos: m,
		pub:   pub,
		log:   log.With("component", "entities"),
		now:   time.Now,
	}
}

// SetPublisher replaces the event sink. Call it before serving requests.
func (s *EntityService) SetPublisher(pub Publisher) {
	s.pub = pub
}

type writeOp func(ctx context.Context, tx dbx.DBTX, req WriteRequest) (*models.Entity, string, error)

// Create inserts a new entity. Reusing an existing id is a version conflict.
func (s *EntityService) Create(ctx context.Context, req WriteRequest) (*models.Entity, error) {
	return s.write(ctx, req, s.create)
}

// Update replaces the payload of a live entity.
func (s *EntityService) Update(ctx context.Context, req WriteRequest) (*models.Entity, error) {
	return s.write(ctx, req, s.update)
}

// Delete turns an entity into a tombstone.
func (s *EntityService) Delete(ctx context.Context, req WriteRequest) (*models.Entity, error) {
	return s.write(ctx, req, s.delete)
}

// write runs op in a transaction guarded by the idempotency key. A key seen
// before replays the stored result without touching the entity again.
func (s *EntityService) write(ctx context.Context, req WriteRequest, op writeOp) (*models.Entity, error) {
	if req.IdempotencyKey == "" {
		return nil, common.NewValidationError("idempotencyKey", "is required")
	}
	if req.Kind == domain.KindUser && req.ID == "" {
		req.ID = req.UserID
	}

	var (
		result *models.Entity
		event  string
		replay bool
	)
	err := withTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		keys := s.repos.MutationKeys(tx)
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		fresh, err := keys.Reserve(ctx, req.UserID, req.IdempotencyKey, req.ID)
		if err != nil {
			return err
		}
		if !fresh {
			mk, err := keys.Find(ctx, req.UserID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			var e models.Entity
			if err := json.Unmarshal(mk.Response, &e); err != nil {
				return fmt.Errorf("replay %s: %w", req.IdempotencyKey, err)
			}
			result, replay = &e, true
			return nil
		}

		e, ev, err := op(ctx, tx, req)
		if err != nil {
			return err
		}
		resp, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := keys.Complete(ctx, req.UserID, req.IdempotencyKey, resp); err != nil {
			return err
		}
		result, event = e, ev
		return nil
	})
	if err != nil {
		return nil, err
	}

	if replay {
		s.log.Debug(ctx, "replayed mutation", "key", req.IdempotencyKey, "entity_id", result.ID)
		return result, nil
	}
	s.log.Info(ctx, "entity written", "op", event, "kind", string(result.Kind), "entity_id", result.ID, "version", result.Version)
	s.publish(ctx, event, result)
	return result, nil
}

func (s *EntityService) publish(ctx context.Context, typ string, e *models.Entity) {
	body, err := json.Marshal(e)
	if err != nil {
		s.log.Error(ctx, "encode event", "error", err)
		return
	}
	s.pub.Publish(ctx, e.RoomID, wire.Event{
		Type:       typ,
		EntityType: string(e.Kind),
		Entity:     body,
		RoomID:     e.RoomID,
	})
}

func (s *EntityService) create(ctx context.Context, tx dbx.DBTX, req WriteRequest) (*models.Entity, string, error) {
	if req.Kind == domain.KindUser {
		return nil, "", common.ErrForbidden
	}
	ents := s.repos.Entities(tx)

	existing, err := ents.GetForUpdate(ctx, req.ID)
	switch {
	case err == nil:
		if err := s.checkRoom(ctx, tx, req.UserID, existing.RoomID); err != nil {
			return nil, "", err
		}
		return nil, "", conflict(existing)
	case !errors.Is(err, common.ErrNotFound):
		return nil, "", err
	}

	p, err := decodeValid(req.Kind, req.Payload)
	if err != nil {
		return nil, "", err
	}

	var room string
	switch v := p.(type) {
	case *domain.Household:
		v.OwnerID = req.UserID
		code, err := common.MakeRandHexString(inviteCodeBytes)
		if err != nil {
			return nil, "", common.ErrInternal
		}
		v.InviteCode = strings.ToUpper(code)
		room = req.ID
	case *domain.Task:
		if err := s.checkHousehold(ctx, tx, req.UserID, v.HouseholdID); err != nil {
			return nil, "", err
		}
		room = v.HouseholdID
	}

	payload, err := domain.EncodePayload(p)
	if err != nil {
		return nil, "", err
	}
	v, err := ents.NextVersion(ctx)
	if err != nil {
		return nil, "", err
	}
	e := &models.Entity{
		ID:              req.ID,
		Kind:            req.Kind,
		RoomID:          room,
		Version:         v,
		Payload:         payload,
		LastMutationKey: req.IdempotencyKey,
		UpdatedAt:       s.now().UTC(),
	}
	if err := ents.Insert(ctx, e); err != nil {
		return nil, "", err
	}
	if req.Kind == domain.KindHousehold {
		if err := s.repos.Memberships(tx).Add(ctx, e.ID, req.UserID); err != nil {
			return nil, "", err
		}
	}
	return e, wire.EventEntityCreated, nil
}

func (s *EntityService) update(ctx context.Context, tx dbx.DBTX, req WriteRequest) (*models.Entity, string, error) {
	ents := s.repos.Entities(tx)

	e, err := s.lockLive(ctx, tx, req)
	if err != nil {
		return nil, "", err
	}

	p, err := decodeValid(req.Kind, req.Payload)
	if err != nil {
		return nil, "", err
	}
	cur, err := domain.DecodePayload(e.Kind, e.Payload)
	if err != nil {
		return nil, "", err
	}

	switch v := p.(type) {
	case *domain.User:
		if e.ID != req.UserID {
			return nil, "", common.ErrForbidden
		}
		v.Email = cur.(*domain.User).Email
	case *domain.Household:
		c := cur.(*domain.Household)
		v.OwnerID, v.InviteCode = c.OwnerID, c.InviteCode
	case *domain.Task:
		if v.HouseholdID != cur.(*domain.Task).HouseholdID {
			return nil, "", common.NewValidationError("householdId", "cannot be changed")
		}
	}

	payload, err := domain.EncodePayload(p)
	if err != nil {
		return nil, "", err
	}
	if e.Version, err = ents.NextVersion(ctx); err != nil {
		return nil, "", err
	}
	e.Payload = payload
	e.LastMutationKey = req.IdempotencyKey
	e.UpdatedAt = s.now().UTC()
	if err := ents.Update(ctx, e); err != nil {
		return nil, "", err
	}
	return e, wire.EventEntityUpdated, nil
}

func (s *EntityService) delete(ctx context.Context, tx dbx.DBTX, req WriteRequest) (*models.Entity, string, error) {
	ents := s.repos.Entities(tx)

	e, err := s.lockLive(ctx, tx, req)
	if err != nil {
		return nil, "", err
	}

	switch e.Kind {
	case domain.KindUser:
		return nil, "", common.ErrForbidden
	case domain.KindHousehold:
		h, err := domain.DecodePayload(e.Kind, e.Payload)
		if err != nil {
			return nil, "", err
		}
		if h.(*domain.Household).OwnerID != req.UserID {
			return nil, "", common.ErrForbidden
		}
	}

	now := s.now().UTC()
	if e.Version, err = ents.NextVersion(ctx); err != nil {
		return nil, "", err
	}
	e.DeletedAt = &now
	e.LastMutationKey = req.IdempotencyKey
	e.UpdatedAt = now
	if err := ents.Update(ctx, e); err != nil {
		return nil, "", err
	}
	return e, wire.EventEntityDeleted, nil
}

// lockLive loads the target of an update or delete and checks access and
// the base version.
func (s *EntityService) lockLive(ctx context.Context, tx dbx.DBTX, req WriteRequest) (*models.Entity, error) {
	e, err := s.repos.Entities(tx).GetForUpdate(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if e.Kind != req.Kind {
		return nil, common.ErrNotFound
	}
	if err := s.checkRoom(ctx, tx, req.UserID, e.RoomID); err != nil {
		return nil, err
	}
	if e.Deleted() || (req.IfMatch != nil && *req.IfMatch != e.Version) {
		return nil, conflict(e)
	}
	return e, nil
}

func (s *EntityService) checkHousehold(ctx context.Context, tx dbx.DBTX, userID, householdID string) error {
	h, err := s.repos.Entities(tx).Get(ctx, householdID)
	if errors.Is(err, common.ErrNotFound) {
		return ErrHouseholdPending
	}
	if err != nil {
		return err
	}
	if h.Kind != domain.KindHousehold || h.Deleted() {
		return common.NewValidationError("householdId", "does not refer to a household")
	}
	return s.checkRoom(ctx, tx, userID, householdID)
}

func (s *EntityService) checkRoom(ctx context.Context, db dbx.DBTX, userID, roomID string) error {
	ok, err := s.canAccess(ctx, db, userID, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return common.ErrForbidden
	}
	return nil
}

func (s *EntityService) canAccess(ctx context.Context, db dbx.DBTX, userID, roomID string) (bool, error) {
	if roomID == "" {
		return false, nil
	}
	if roomID == userID {
		return true, nil
	}
	return s.repos.Memberships(db).IsMember(ctx, roomID, userID)
}

// CanAccessRoom reports whether userID may read the entities of roomID.
func (s *EntityService) CanAccessRoom(ctx context.Context, userID, roomID string) (bool, error) {
	return s.canAccess(ctx, s.db, userID, roomID)
}

// Get returns one entity, tombstones included.
func (s *EntityService) Get(ctx context.Context, userID string, kind domain.Kind, id string) (*models.Entity, error) {
	e, err := s.repos.Entities(s.db).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Kind != kind {
		return nil, common.ErrNotFound
	}
	if err := s.checkRoom(ctx, s.db, userID, e.RoomID); err != nil {
		return nil, err
	}
	return e, nil
}

// Changes returns the entities visible to userID with version above since.
func (s *EntityService) Changes(ctx context.Context, userID string, since int64, limit int) (*ChangesPage, error) {
	limit = clampLimit(limit)
	list, err := s.repos.Entities(s.db).Changes(ctx, userID, since, limit+1)
	if err != nil {
		return nil, err
	}
	return page(list, since, limit), nil
}

// RoomChanges is Changes restricted to one room the user belongs to. It
// lets a new member fetch history older than their cursor.
func (s *EntityService) RoomChanges(ctx context.Context, userID, roomID string, since int64, limit int) (*ChangesPage, error) {
	if err := s.checkRoom(ctx, s.db, userID, roomID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	list, err := s.repos.Entities(s.db).RoomChanges(ctx, roomID, since, limit+1)
	if err != nil {
		return nil, err
	}
	return page(list, since, limit), nil
}

// JoinHousehold adds userID to the household owning code and returns it.
func (s *EntityService) JoinHousehold(ctx context.Context, userID, code string) (*models.Entity, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, common.NewValidationError("inviteCode", "is required")
	}
	h, err := s.repos.Entities(s.db).FindHouseholdByInviteCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.repos.Memberships(s.db).Add(ctx, h.ID, userID); err != nil {
		return nil, err
	}
	s.log.Info(ctx, "household joined", "household_id", h.ID, "user_id", userID)
	return h, nil
}

func decodeValid(kind domain.Kind, raw json.RawMessage) (domain.Payload, error) {
	p, err := domain.DecodePayload(kind, raw)
	if err != nil {
		return nil, common.NewValidationError("payload", err.Error())
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func conflict(e *models.Entity) error {
	cur, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return &common.VersionConflictError{Current: cur, LastMutationKey: e.LastMutationKey}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultChangesLimit
	case limit > MaxChangesLimit:
		return MaxChangesLimit
	}
	return limit
}

func page(list []*models.Entity, since int64, limit int) *ChangesPage {
	p := &ChangesPage{Entities: list, Cursor: since}
	if len(list) > limit {
		p.Entities, p.HasMore = list[:limit], true
	}
	if n := len(p.Entities); n > 0 {
		p.Cursor = p.Entities[n-1].Version
	}
	if p.Entities == nil {
		p.Entities = []*models.Entity{}
	}
	return p
}
