package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/google/uuid"
)

// Get returns common.ErrNotFound for unknown ids. Tombstones are returned.
func (s *Store) Get(ctx context.Context, id string) (*models.Entity, error) {
	return s.read().entities.Get(ctx, id)
}

// List returns the entities of kind (all kinds when empty).
func (s *Store) List(ctx context.Context, kind domain.Kind, includeDeleted bool) ([]*models.Entity, error) {
	return s.read().entities.List(ctx, kind, includeDeleted)
}

// Save writes e locally and queues the matching mutation in the same
// transaction. op is OpCreate for a new entity or OpUpdate for an existing
// one. The stored entity and the queued mutation are returned.
func (s *Store) Save(ctx context.Context, e *models.Entity, op models.Op) (*models.Entity, *models.PendingMutation, error) {
	if e.ID == "" {
		return nil, nil, common.NewValidationError("id", "required")
	}
	if _, err := domain.DecodePayload(e.Kind, e.Payload); err != nil {
		return nil, nil, common.NewValidationError("payload", err.Error())
	}

	unlock := s.locks.Lock(e.ID)
	defer unlock()

	var (
		saved *models.Entity
		m     *models.PendingMutation
	)
	err := s.inTx(ctx, func(ctx context.Context, r repos) error {
		local, err := r.entities.Get(ctx, e.ID)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}

		switch op {
		case models.OpCreate:
			if local != nil {
				return fmt.Errorf("create %s: %w", e.ID, common.NewValidationError("id", "already exists"))
			}
			saved = &models.Entity{ID: e.ID, Kind: e.Kind}
		case models.OpUpdate:
			if local == nil {
				return fmt.Errorf("update %s: %w", e.ID, common.ErrNotFound)
			}
			if local.Deleted() {
				return fmt.Errorf("update %s: %w", e.ID, common.NewValidationError("id", "entity is deleted"))
			}
			if local.Kind != e.Kind {
				return fmt.Errorf("update %s: %w", e.ID, common.NewValidationError("kind", "cannot change"))
			}
			saved = local
		default:
			return fmt.Errorf("save: unsupported op %q", op)
		}

		saved.Payload = append(json.RawMessage(nil), e.Payload...)
		saved.UpdatedAt = s.now()
		saved.Dirty = true
		if err := r.entities.Upsert(ctx, saved); err != nil {
			return err
		}

		m = &models.PendingMutation{
			EntityID:       saved.ID,
			Kind:           saved.Kind,
			Op:             op,
			Payload:        saved.Payload,
			BaseVersion:    saved.Version,
			IdempotencyKey: uuid.NewString(),
		}
		return r.mutations.Enqueue(ctx, m)
	})
	if err != nil {
		return nil, nil, err
	}

	s.notify(Change{EntityID: saved.ID, Kind: saved.Kind, Source: SourceLocal})
	return saved, m, nil
}

// Delete tombstones the entity and collapses its queue into one delete
// mutation that supersedes everything queued before it. Superseded pushes
// in flight are cancelled.
//
// An entity the server has never seen (version 0, nothing ever sent) is
// purged outright and no mutation is returned.
func (s *Store) Delete(ctx context.Context, id string) (*models.PendingMutation, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var (
		m       *models.PendingMutation
		kind    domain.Kind
		cancels []func()
	)
	err := s.inTx(ctx, func(ctx context.Context, r repos) error {
		local, err := r.entities.Get(ctx, id)
		if err != nil {
			return err
		}
		kind = local.Kind

		queued, err := r.mutations.ListByEntity(ctx, id)
		if err != nil {
			return err
		}
		if local.Deleted() {
			// already deleted; hand back the pending delete if there is one
			for _, q := range queued {
				if q.Op == models.OpDelete {
					m = q
				}
			}
			return nil
		}

		sent := false
		supersedes := make([]string, 0, len(queued))
		for _, q := range queued {
			supersedes = append(supersedes, q.IdempotencyKey)
			if q.Attempts > 0 || s.isInFlight(q.IdempotencyKey) {
				sent = true
			}
			if cancel := s.flightCancel(q.IdempotencyKey); cancel != nil {
				cancels = append(cancels, cancel)
			}
		}

		if err := r.mutations.DeleteByEntity(ctx, id); err != nil {
			return err
		}

		if local.Version == 0 && !sent {
			if err := r.deferred.Delete(ctx, id); err != nil {
				return err
			}
			return r.entities.Purge(ctx, id)
		}

		now := s.now()
		local.DeletedAt = &now
		local.UpdatedAt = now
		local.Dirty = true
		if err := r.entities.Upsert(ctx, local); err != nil {
			return err
		}

		m = &models.PendingMutation{
			EntityID:       id,
			Kind:           local.Kind,
			Op:             models.OpDelete,
			BaseVersion:    local.Version,
			IdempotencyKey: uuid.NewString(),
			Supersedes:     supersedes,
		}
		return r.mutations.Enqueue(ctx, m)
	})
	if err != nil {
		return nil, err
	}

	for _, cancel := range cancels {
		cancel()
	}
	s.notify(Change{EntityID: id, Kind: kind, Deleted: true, Source: SourceLocal})
	return m, nil
}

// Resync re-queues the current local state of an entity whose change was
// rejected, and clears its NeedsResync flag.
func (s *Store) Resync(ctx context.Context, id string) (*models.PendingMutation, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var m *models.PendingMutation
	err := s.inTx(ctx, func(ctx context.Context, r repos) error {
		local, err := r.entities.Get(ctx, id)
		if err != nil {
			return err
		}

		op := models.OpUpdate
		switch {
		case local.Deleted():
			op = models.OpDelete
		case local.Version == 0:
			op = models.OpCreate
		}

		m = &models.PendingMutation{
			EntityID:       id,
			Kind:           local.Kind,
			Op:             op,
			BaseVersion:    local.Version,
			IdempotencyKey: uuid.NewString(),
		}
		if op != models.OpDelete {
			m.Payload = local.Payload
		}
		if err := r.mutations.Enqueue(ctx, m); err != nil {
			return err
		}

		local.NeedsResync = false
		local.Dirty = true
		return r.entities.Upsert(ctx, local)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
