package entities

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/dbx"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/dmitrijs2005/roomies/internal/server/models"
)

const columns = `id, kind, room_id, version, payload, deleted_at, last_mutation_key, updated_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// NextVersion bumps the counter row, which stays locked until the caller's
// transaction ends. Versions therefore become visible in allocation order.
func (r *PostgresRepository) NextVersion(ctx context.Context) (int64, error) {
	var v int64
	err := r.db.QueryRowContext(ctx, `UPDATE entity_version SET value = value + 1 RETURNING value`).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, errors.New("db error: version counter row is missing")
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Entity, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM entities WHERE id = $1`, id)
}

func (r *PostgresRepository) GetForUpdate(ctx context.Context, id string) (*models.Entity, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM entities WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresRepository) FindHouseholdByInviteCode(ctx context.Context, code string) (*models.Entity, error) {
	query := `SELECT ` + columns + ` FROM entities
		WHERE kind = 'household' AND payload ->> 'inviteCode' = $1 AND deleted_at IS NULL`
	return r.getOne(ctx, query, code)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, args ...any) (*models.Entity, error) {
	e, err := scanEntity(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return e, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, e *models.Entity) error {
	query := `INSERT INTO entities (` + columns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, string(e.Kind), e.RoomID, e.Version, []byte(e.Payload), nullTime(e.DeletedAt), e.LastMutationKey, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, e *models.Entity) error {
	query := `UPDATE entities
		SET version = $2, payload = $3, deleted_at = $4, last_mutation_key = $5, updated_at = $6
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query,
		e.ID, e.Version, []byte(e.Payload), nullTime(e.DeletedAt), e.LastMutationKey, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return dbx.ExpectOneRow(res)
}

func (r *PostgresRepository) Changes(ctx context.Context, userID string, since int64, limit int) ([]*models.Entity, error) {
	query := `SELECT ` + columns + ` FROM entities
		WHERE version > $1
		  AND (room_id = $2 OR room_id IN (SELECT household_id FROM memberships WHERE user_id = $3))
		ORDER BY version
		LIMIT $4`
	return r.list(ctx, query, since, userID, userID, limit)
}

func (r *PostgresRepository) RoomChanges(ctx context.Context, roomID string, since int64, limit int) ([]*models.Entity, error) {
	query := `SELECT ` + columns + ` FROM entities
		WHERE room_id = $1 AND version > $2
		ORDER BY version
		LIMIT $3`
	return r.list(ctx, query, roomID, since, limit)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.Entity, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(s scanner) (*models.Entity, error) {
	var (
		e       models.Entity
		kind    string
		payload []byte
		deleted sql.NullTime
	)
	if err := s.Scan(&e.ID, &kind, &e.RoomID, &e.Version, &payload, &deleted, &e.LastMutationKey, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Kind = domain.Kind(kind)
	e.Payload = payload
	e.UpdatedAt = e.UpdatedAt.UTC()
	if deleted.Valid {
		t := deleted.Time.UTC()
		e.DeletedAt = &t
	}
	return &e, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
