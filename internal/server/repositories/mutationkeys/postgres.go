package mutationkeys

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/dbx"
	"github.com/dmitrijs2005/roomies/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Reserve(ctx context.Context, userID, key, entityID string) (bool, error) {
	query := `
		INSERT INTO mutation_keys (user_id, key, entity_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query, userID, key, entityID)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) Find(ctx context.Context, userID, key string) (*models.MutationKey, error) {
	query := `SELECT entity_id, response FROM mutation_keys WHERE user_id = $1 AND key = $2`
	mk := &models.MutationKey{UserID: userID, Key: key}
	var resp []byte
	if err := r.db.QueryRowContext(ctx, query, userID, key).Scan(&mk.EntityID, &resp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	mk.Response = resp
	return mk, nil
}

func (r *PostgresRepository) Complete(ctx context.Context, userID, key string, response json.RawMessage) error {
	query := `UPDATE mutation_keys SET response = $3 WHERE user_id = $1 AND key = $2`
	res, err := r.db.ExecContext(ctx, query, userID, key, []byte(response))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return dbx.ExpectOneRow(res)
}
