package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/roomies/internal/dbx"
)

// Watermark is the highest server version pulled so far.
func (s *Store) Watermark(ctx context.Context) (int64, error) {
	return s.read().metadata.GetInt64(ctx, metadata.KeyWatermark)
}

// SetWatermark only ever moves the watermark forward.
func (s *Store) SetWatermark(ctx context.Context, v int64) error {
	return s.inTx(ctx, func(ctx context.Context, r repos) error {
		cur, err := r.metadata.GetInt64(ctx, metadata.KeyWatermark)
		if err != nil {
			return err
		}
		if v <= cur {
			return nil
		}
		return r.metadata.SetInt64(ctx, metadata.KeyWatermark, v)
	})
}

// LastSync is the time of the last complete sync cycle (zero if never).
func (s *Store) LastSync(ctx context.Context) (time.Time, error) {
	ms, err := s.read().metadata.GetInt64(ctx, metadata.KeyLastSync)
	if err != nil || ms == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *Store) SetLastSync(ctx context.Context, t time.Time) error {
	return s.read().metadata.SetInt64(ctx, metadata.KeyLastSync, t.UnixMilli())
}

// Conflicts returns logged conflict events, newest first.
func (s *Store) Conflicts(ctx context.Context, limit int) ([]*models.ConflictEvent, error) {
	return s.read().conflicts.List(ctx, limit)
}

// DirtyCount returns how many entities carry unacknowledged changes.
func (s *Store) DirtyCount(ctx context.Context) (int, error) {
	return s.read().entities.CountDirty(ctx)
}

// Reset wipes all synced data, e.g. after signing out.
func (s *Store) Reset(ctx context.Context) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, table := range []string{"mutations", "deferred_remote", "conflicts", "entities"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		meta := metadata.NewSQLiteRepository(tx)
		if err := meta.Delete(ctx, metadata.KeyWatermark); err != nil {
			return err
		}
		return meta.Delete(ctx, metadata.KeyLastSync)
	})
}
