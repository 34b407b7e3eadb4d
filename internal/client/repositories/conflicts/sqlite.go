// Package conflicts stores the log of local changes that were discarded in
// favour of server state, so nothing is lost silently.
package conflicts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/dbx"
	"github.com/dmitrijs2005/roomies/internal/domain"
)

type Repository interface {
	Insert(ctx context.Context, c *models.ConflictEvent) error
	// List returns events newest first; limit <= 0 means all.
	List(ctx context.Context, limit int) ([]*models.ConflictEvent, error)
}

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Insert(ctx context.Context, c *models.ConflictEvent) error {
	fields := c.Fields
	if fields == nil {
		fields = []models.FieldChange{}
	}
	fb, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO conflicts
		(entity_id, kind, op, idempotency_key, local_base_version, local_payload,
		 remote_version, remote_payload, remote_deleted, fields, resolution, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.EntityID, string(c.Kind), string(c.Op), c.IdempotencyKey, c.LocalBaseVersion, []byte(c.LocalPayload),
		c.RemoteVersion, []byte(c.RemotePayload), c.RemoteDeleted, string(fb), string(c.Resolution), dbx.Millis(c.DetectedAt))
	if err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read conflict id: %w", err)
	}
	c.ID = id
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]*models.ConflictEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, entity_id, kind, op, idempotency_key, local_base_version,
		COALESCE(local_payload, X''), remote_version, COALESCE(remote_payload, X''), remote_deleted,
		fields, resolution, detected_at
		FROM conflicts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select conflicts: %w", err)
	}
	defer rows.Close()

	var result []*models.ConflictEvent
	for rows.Next() {
		var (
			c                    models.ConflictEvent
			kind, op, resolution string
			fields               string
			detected             int64
		)
		if err := rows.Scan(&c.ID, &c.EntityID, &kind, &op, &c.IdempotencyKey, &c.LocalBaseVersion,
			&c.LocalPayload, &c.RemoteVersion, &c.RemotePayload, &c.RemoteDeleted,
			&fields, &resolution, &detected); err != nil {
			return nil, err
		}
		c.Kind = domain.Kind(kind)
		c.Op = models.Op(op)
		c.Resolution = models.Resolution(resolution)
		c.DetectedAt = dbx.FromMillis(detected)
		if err := json.Unmarshal([]byte(fields), &c.Fields); err != nil {
			return nil, fmt.Errorf("bad conflict fields: %w", err)
		}
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
