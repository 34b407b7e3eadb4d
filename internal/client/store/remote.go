package store

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/common"
)

// ApplyRemote merges a server state of an entity into the store and reports
// whether the local copy changed.
//
// Only versions newer than the local one are applied, so replays are no-ops.
// If the entity has queued or unresolved local changes the state is parked
// and applied once the queue drains. Tombstones purge the local row.
func (s *Store) ApplyRemote(ctx context.Context, remote *models.Entity) (bool, error) {
	unlock := s.locks.Lock(remote.ID)
	defer unlock()

	var change *Change
	err := s.inTx(ctx, func(ctx context.Context, r repos) error {
		local, err := r.entities.Get(ctx, remote.ID)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}

		if local == nil && remote.Deleted() {
			return r.deferred.Delete(ctx, remote.ID)
		}
		if local != nil {
			if remote.Version <= local.Version {
				return nil
			}
			n, err := r.mutations.ListByEntity(ctx, remote.ID)
			if err != nil {
				return err
			}
			if len(n) > 0 || local.Dirty {
				s.log.Debug(ctx, "remote state deferred", "entity_id", remote.ID, "version", remote.Version)
				return r.deferred.Put(ctx, remote)
			}
		}

		c, err := s.write(ctx, r, remote)
		change = c
		return err
	})
	if err != nil {
		return false, err
	}
	if change != nil {
		s.notify(*change)
		return true, nil
	}
	return false, nil
}

// write stores remote as a clean entity, or purges it when it is a
// tombstone. The caller holds the entity lock.
func (s *Store) write(ctx context.Context, r repos, remote *models.Entity) (*Change, error) {
	if remote.Deleted() {
		if err := r.entities.Purge(ctx, remote.ID); err != nil {
			return nil, err
		}
		return &Change{EntityID: remote.ID, Kind: remote.Kind, Deleted: true, Source: SourceRemote}, nil
	}
	clean := remote.Clone()
	clean.Dirty, clean.NeedsResync = false, false
	if err := r.entities.Upsert(ctx, clean); err != nil {
		return nil, err
	}
	return &Change{EntityID: remote.ID, Kind: remote.Kind, Source: SourceRemote}, nil
}

// applyDeferred applies a parked remote state newer than local, if any, and
// forgets it either way.
func (s *Store) applyDeferred(ctx context.Context, r repos, local *models.Entity) (*Change, error) {
	parked, err := r.deferred.Get(ctx, local.ID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.deferred.Delete(ctx, local.ID); err != nil {
		return nil, err
	}
	if parked.Version <= local.Version {
		return nil, nil
	}
	s.log.Debug(ctx, "applying deferred remote state", "entity_id", local.ID, "version", parked.Version)
	return s.write(ctx, r, parked)
}
