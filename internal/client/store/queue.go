package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/common"
)

// Pending returns the whole mutation queue in FIFO order.
func (s *Store) Pending(ctx context.Context) ([]*models.PendingMutation, error) {
	return s.read().mutations.ListAll(ctx)
}

// PendingCount returns the number of queued mutations.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	return s.read().mutations.Count(ctx)
}

// PendingHeads returns, for every entity with queued work, its oldest
// mutation, provided that mutation is due at now.
func (s *Store) PendingHeads(ctx context.Context, now time.Time) ([]*models.PendingMutation, error) {
	heads, err := s.read().mutations.Heads(ctx)
	if err != nil {
		return nil, err
	}
	due := heads[:0]
	for _, m := range heads {
		if !m.NextAttemptAt.After(now) {
			due = append(due, m)
		}
	}
	return due, nil
}

// NextFor returns the oldest queued mutation of an entity, or
// common.ErrNotFound.
func (s *Store) NextFor(ctx context.Context, entityID string) (*models.PendingMutation, error) {
	queued, err := s.read().mutations.ListByEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		return nil, common.ErrNotFound
	}
	return queued[0], nil
}

// Claim marks m as in flight and returns a context that a later Delete of the
// entity cancels. It fails with ErrSuperseded when m is no longer the head of
// its entity's queue. release must be called when the push is over.
func (s *Store) Claim(ctx context.Context, m *models.PendingMutation) (context.Context, func(), error) {
	unlock := s.locks.Lock(m.EntityID)
	defer unlock()

	queued, err := s.read().mutations.ListByEntity(ctx, m.EntityID)
	if err != nil {
		return nil, nil, err
	}
	if len(queued) == 0 || queued[0].IdempotencyKey != m.IdempotencyKey {
		return nil, nil, ErrSuperseded
	}
	*m = *queued[0]

	pctx, cancel := context.WithCancel(ctx)
	s.flightMu.Lock()
	s.inFlight[m.IdempotencyKey] = cancel
	s.flightMu.Unlock()

	release := func() {
		s.flightMu.Lock()
		delete(s.inFlight, m.IdempotencyKey)
		s.flightMu.Unlock()
		cancel()
	}
	return pctx, release, nil
}

func (s *Store) isInFlight(key string) bool {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	_, ok := s.inFlight[key]
	return ok
}

func (s *Store) flightCancel(key string) context.CancelFunc {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	return s.inFlight[key]
}

// Ack records the server's acceptance of m. remote is the resulting server
// state; for a delete it may be nil (the entity was already gone).
//
// Later mutations of the same entity are rebased onto the new version. When
// the queue of the entity becomes empty the entity is clean again: its
// payload becomes the server's, confirmed tombstones are purged and any
// remote state parked while the queue was busy is applied.
func (s *Store) Ack(ctx context.Context, m *models.PendingMutation, remote *models.Entity) error {
	unlock := s.locks.Lock(m.EntityID)
	defer unlock()

	var change *Change
	err := s.inTx(ctx, func(ctx context.Context, r repos) error {
		cur, err := r.mutations.Get(ctx, m.IdempotencyKey)
		if errors.Is(err, common.ErrNotFound) {
			return ErrSuperseded
		}
		if err != nil {
			return err
		}
		if err := r.mutations.Delete(ctx, cur.Seq); err != nil {
			return err
		}

		remaining, err := r.mutations.ListByEntity(ctx, m.EntityID)
		if err != nil {
			return err
		}

		if m.Op == models.OpDelete || (remote != nil && remote.Deleted() && len(remaining) == 0) {
			if err := r.mutations.DeleteByEntity(ctx, m.EntityID); err != nil {
				return err
			}
			if err := r.deferred.Delete(ctx, m.EntityID); err != nil {
				return err
			}
			if err := r.entities.Purge(ctx, m.EntityID); err != nil {
				return err
			}
			change = &Change{EntityID: m.EntityID, Kind: m.Kind, Deleted: true, Source: SourceRemote}
			return nil
		}

		if remote == nil {
			return fmt.Errorf("ack %s %s: missing server state", m.Op, m.EntityID)
		}

		local, err := r.entities.Get(ctx, m.EntityID)
		if errors.Is(err, common.ErrNotFound) {
			local = &models.Entity{ID: m.EntityID, Kind: m.Kind}
		} else if err != nil {
			return err
		}

		if remote.Version > local.Version {
			local.Version = remote.Version
		}
		if len(remaining) > 0 {
			// newer local edits stay on top until they are acknowledged too
			if err := r.mutations.Rebase(ctx, m.EntityID, local.Version); err != nil {
				return err
			}
			return r.entities.Upsert(ctx, local)
		}

		local.Payload = remote.Payload
		local.UpdatedAt = remote.UpdatedAt
		local.DeletedAt = remote.DeletedAt
		local.Dirty = false
		local.NeedsResync = false
		if err := r.entities.Upsert(ctx, local); err != nil {
			return err
		}

		c, err := s.applyDeferred(ctx, r, local)
		if err != nil {
			return err
		}
		if c == nil {
			c = &Change{EntityID: local.ID, Kind: local.Kind, Source: SourceRemote}
		}
		change = c
		return nil
	})
	if err != nil {
		return err
	}
	if change != nil {
		s.notify(*change)
	}
	return nil
}

// Retry records a failed attempt of m and when to try it again. A mutation
// that is gone meanwhile is ignored.
func (s *Store) Retry(ctx context.Context, m *models.PendingMutation, cause error, next time.Time) error {
	unlock := s.locks.Lock(m.EntityID)
	defer unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := s.read().mutations.ScheduleRetry(ctx, m.Seq, m.Attempts+1, next, msg)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err == nil {
		m.Attempts++
		m.NextAttemptAt = next
		m.LastError = msg
	}
	return err
}

// Reject drops a mutation the server refused for good. The entity keeps its
// local state, stays dirty and is flagged NeedsResync for the user to deal
// with.
func (s *Store) Reject(ctx context.Context, m *models.PendingMutation, reason error) error {
	unlock := s.locks.Lock(m.EntityID)
	defer unlock()

	err := s.inTx(ctx, func(ctx context.Context, r repos) error {
		cur, err := r.mutations.Get(ctx, m.IdempotencyKey)
		if errors.Is(err, common.ErrNotFound) {
			return ErrSuperseded
		}
		if err != nil {
			return err
		}
		if err := r.mutations.Delete(ctx, cur.Seq); err != nil {
			return err
		}
		if err := r.entities.SetDirty(ctx, m.EntityID, true); err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}
		if err := r.entities.SetNeedsResync(ctx, m.EntityID, true); err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Warn(ctx, "mutation rejected", "entity_id", m.EntityID, "op", m.Op, "key", m.IdempotencyKey, "reason", reason)
	s.notify(Change{EntityID: m.EntityID, Kind: m.Kind, Source: SourceLocal})
	return nil
}

// Rebase moves the queue of an entity onto version, for a conflict caused
// by one of our own superseded writes. The next attempt is due immediately.
func (s *Store) Rebase(ctx context.Context, m *models.PendingMutation, version int64) error {
	unlock := s.locks.Lock(m.EntityID)
	defer unlock()

	return s.inTx(ctx, func(ctx context.Context, r repos) error {
		if _, err := r.mutations.Get(ctx, m.IdempotencyKey); err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return ErrSuperseded
			}
			return err
		}
		if err := r.mutations.Rebase(ctx, m.EntityID, version); err != nil {
			return err
		}
		local, err := r.entities.Get(ctx, m.EntityID)
		if err != nil {
			return err
		}
		if version > local.Version {
			local.Version = version
		}
		m.BaseVersion = version
		return r.entities.Upsert(ctx, local)
	})
}

// ResolveConflict settles a rejected write of m in favour of remote. Every
// queued mutation of the entity is discarded and recorded as a ConflictEvent
// together with the field-level differences, then remote is applied.
func (s *Store) ResolveConflict(ctx context.Context, m *models.PendingMutation, remote *models.Entity) ([]*models.ConflictEvent, error) {
	unlock := s.locks.Lock(m.EntityID)
	defer unlock()

	var (
		events []*models.ConflictEvent
		change Change
	)
	err := s.inTx(ctx, func(ctx context.Context, r repos) error {
		if _, err := r.mutations.Get(ctx, m.IdempotencyKey); err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return ErrSuperseded
			}
			return err
		}
		queued, err := r.mutations.ListByEntity(ctx, m.EntityID)
		if err != nil {
			return err
		}

		now := s.now()
		for _, q := range queued {
			ev := &models.ConflictEvent{
				EntityID:         q.EntityID,
				Kind:             q.Kind,
				Op:               q.Op,
				IdempotencyKey:   q.IdempotencyKey,
				LocalBaseVersion: q.BaseVersion,
				LocalPayload:     q.Payload,
				RemoteVersion:    remote.Version,
				RemotePayload:    remote.Payload,
				RemoteDeleted:    remote.Deleted(),
				Resolution:       models.ResolutionRemoteWins,
				DetectedAt:       now,
			}
			if q.Op != models.OpDelete && !remote.Deleted() {
				ev.Fields = models.DiffFields(q.Payload, remote.Payload)
			}
			if err := r.conflicts.Insert(ctx, ev); err != nil {
				return err
			}
			events = append(events, ev)
		}
		if err := r.mutations.DeleteByEntity(ctx, m.EntityID); err != nil {
			return err
		}

		change = Change{EntityID: m.EntityID, Kind: m.Kind, Deleted: remote.Deleted(), Source: SourceRemote}
		if remote.Deleted() {
			if err := r.deferred.Delete(ctx, m.EntityID); err != nil {
				return err
			}
			return r.entities.Purge(ctx, m.EntityID)
		}

		clean := remote.Clone()
		clean.ID, clean.Kind = m.EntityID, m.Kind
		clean.Dirty, clean.NeedsResync = false, false
		if err := r.entities.Upsert(ctx, clean); err != nil {
			return err
		}
		c, err := s.applyDeferred(ctx, r, clean)
		if err != nil {
			return err
		}
		if c != nil {
			change = *c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ev := range events {
		s.log.Warn(ctx, "local change discarded, server state wins",
			"entity_id", ev.EntityID, "op", ev.Op, "key", ev.IdempotencyKey,
			"local_base_version", ev.LocalBaseVersion, "remote_version", ev.RemoteVersion, "fields", len(ev.Fields))
	}
	s.notify(change)
	return events, nil
}
