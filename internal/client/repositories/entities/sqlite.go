package entities

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/dbx"
	"github.com/dmitrijs2005/roomies/internal/domain"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectColumns = `id, kind, version, updated_at, deleted_at, dirty, needs_resync, payload`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (*models.Entity, error) {
	var (
		e         models.Entity
		kind      string
		updatedAt int64
		deletedAt sql.NullInt64
	)
	if err := row.Scan(&e.ID, &kind, &e.Version, &updatedAt, &deletedAt, &e.Dirty, &e.NeedsResync, &e.Payload); err != nil {
		return nil, err
	}
	e.Kind = domain.Kind(kind)
	e.UpdatedAt = dbx.FromMillis(updatedAt)
	e.DeletedAt = dbx.TimePtr(deletedAt)
	return &e, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.Entity, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entity %s: %w", id, err)
	}
	return e, nil
}

// Upsert writes every column. On conflict the whole row is replaced.
func (r *SQLiteRepository) Upsert(ctx context.Context, e *models.Entity) error {
	query := `INSERT INTO entities (id, kind, version, updated_at, deleted_at, dirty, needs_resync, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			version = excluded.version,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			dirty = excluded.dirty,
			needs_resync = excluded.needs_resync,
			payload = excluded.payload
	`
	payload := []byte(e.Payload)
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx, query,
		e.ID, string(e.Kind), e.Version, dbx.Millis(e.UpdatedAt), dbx.NullMillis(e.DeletedAt),
		e.Dirty, e.NeedsResync, payload)
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context, kind domain.Kind, includeDeleted bool) ([]*models.Entity, error) {
	query := `SELECT ` + selectColumns + ` FROM entities WHERE (? = '' OR kind = ?)`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY updated_at, id`

	rows, err := r.db.QueryContext(ctx, query, string(kind), string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to select entities: %w", err)
	}
	defer rows.Close()

	var result []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) Purge(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to purge entity: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) SetDirty(ctx context.Context, id string, dirty bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE entities SET dirty = ? WHERE id = ?`, dirty, id)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	return dbx.ExpectOneRow(res)
}

func (r *SQLiteRepository) SetNeedsResync(ctx context.Context, id string, v bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE entities SET needs_resync = ? WHERE id = ?`, v, id)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	return dbx.ExpectOneRow(res)
}

func (r *SQLiteRepository) CountDirty(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE dirty = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dirty entities: %w", err)
	}
	return n, nil
}
