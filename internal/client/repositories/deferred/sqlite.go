// Package deferred parks remote entity states that arrived while the entity
// still had local mutations queued. They are applied once the queue drains.
package deferred

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/dbx"
	"github.com/dmitrijs2005/roomies/internal/domain"
)

type Repository interface {
	// Put keeps the highest version seen per entity.
	Put(ctx context.Context, e *models.Entity) error
	// Get returns common.ErrNotFound when nothing is parked.
	Get(ctx context.Context, entityID string) (*models.Entity, error)
	Delete(ctx context.Context, entityID string) error
	List(ctx context.Context) ([]*models.Entity, error)
}

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Put(ctx context.Context, e *models.Entity) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO deferred_remote
		(entity_id, kind, version, updated_at, deleted_at, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			kind = excluded.kind,
			version = excluded.version,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			payload = excluded.payload,
			received_at = excluded.received_at
		WHERE excluded.version > deferred_remote.version`,
		e.ID, string(e.Kind), e.Version, dbx.Millis(e.UpdatedAt), dbx.NullMillis(e.DeletedAt),
		payloadOrEmpty(e), dbx.Millis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to park remote entity: %w", err)
	}
	return nil
}

func payloadOrEmpty(e *models.Entity) []byte {
	if len(e.Payload) == 0 {
		return []byte("{}")
	}
	return e.Payload
}

const selectColumns = `entity_id, kind, version, updated_at, deleted_at, payload`

func scan(row interface{ Scan(...any) error }) (*models.Entity, error) {
	var (
		e         models.Entity
		kind      string
		updated   int64
		deletedAt sql.NullInt64
	)
	if err := row.Scan(&e.ID, &kind, &e.Version, &updated, &deletedAt, &e.Payload); err != nil {
		return nil, err
	}
	e.Kind = domain.Kind(kind)
	e.UpdatedAt = dbx.FromMillis(updated)
	e.DeletedAt = dbx.TimePtr(deletedAt)
	return &e, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, entityID string) (*models.Entity, error) {
	e, err := scan(r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM deferred_remote WHERE entity_id = ?`, entityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get parked entity: %w", err)
	}
	return e, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, entityID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM deferred_remote WHERE entity_id = ?`, entityID); err != nil {
		return fmt.Errorf("failed to drop parked entity: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*models.Entity, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM deferred_remote ORDER BY received_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list parked entities: %w", err)
	}
	defer rows.Close()

	var out []*models.Entity
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
