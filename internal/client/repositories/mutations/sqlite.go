package mutations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/dbx"
	"github.com/dmitrijs2005/roomies/internal/domain"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectColumns = `seq, entity_id, kind, op, COALESCE(payload, X''), base_version, idempotency_key,
	supersedes, attempts, next_attempt_at, last_error, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMutation(row scanner) (*models.PendingMutation, error) {
	var (
		m          models.PendingMutation
		kind, op   string
		supersedes string
		next, at   int64
	)
	if err := row.Scan(&m.Seq, &m.EntityID, &kind, &op, &m.Payload, &m.BaseVersion, &m.IdempotencyKey,
		&supersedes, &m.Attempts, &next, &m.LastError, &at); err != nil {
		return nil, err
	}
	m.Kind = domain.Kind(kind)
	m.Op = models.Op(op)
	m.NextAttemptAt = dbx.FromMillis(next)
	m.CreatedAt = dbx.FromMillis(at)
	if err := json.Unmarshal([]byte(supersedes), &m.Supersedes); err != nil {
		return nil, fmt.Errorf("bad supersedes for %s: %w", m.IdempotencyKey, err)
	}
	return &m, nil
}

func (r *SQLiteRepository) Enqueue(ctx context.Context, m *models.PendingMutation) error {
	supersedes := m.Supersedes
	if supersedes == nil {
		supersedes = []string{}
	}
	sup, err := json.Marshal(supersedes)
	if err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx, `INSERT INTO mutations
		(entity_id, kind, op, payload, base_version, idempotency_key, supersedes, attempts, next_attempt_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.EntityID, string(m.Kind), string(m.Op), []byte(m.Payload), m.BaseVersion, m.IdempotencyKey,
		string(sup), m.Attempts, dbx.Millis(m.NextAttemptAt), m.LastError, dbx.Millis(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue mutation: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read mutation seq: %w", err)
	}
	m.Seq = seq
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, key string) (*models.PendingMutation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM mutations WHERE idempotency_key = ?`, key)
	m, err := scanMutation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get mutation: %w", err)
	}
	return m, nil
}

func (r *SQLiteRepository) ListAll(ctx context.Context) ([]*models.PendingMutation, error) {
	return r.query(ctx, `SELECT `+selectColumns+` FROM mutations ORDER BY seq`)
}

func (r *SQLiteRepository) ListByEntity(ctx context.Context, entityID string) ([]*models.PendingMutation, error) {
	return r.query(ctx, `SELECT `+selectColumns+` FROM mutations WHERE entity_id = ? ORDER BY seq`, entityID)
}

func (r *SQLiteRepository) Heads(ctx context.Context) ([]*models.PendingMutation, error) {
	return r.query(ctx, `SELECT `+selectColumns+` FROM mutations
		WHERE seq IN (SELECT MIN(seq) FROM mutations GROUP BY entity_id)
		ORDER BY seq`)
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]*models.PendingMutation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select mutations: %w", err)
	}
	defer rows.Close()

	var result []*models.PendingMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, seq int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM mutations WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("failed to delete mutation: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteByEntity(ctx context.Context, entityID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM mutations WHERE entity_id = ?`, entityID); err != nil {
		return fmt.Errorf("failed to delete mutations: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ScheduleRetry(ctx context.Context, seq int64, attempts int, next time.Time, lastErr string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE mutations SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE seq = ?`,
		attempts, dbx.Millis(next), lastErr, seq)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return dbx.ExpectOneRow(res)
}

func (r *SQLiteRepository) Rebase(ctx context.Context, entityID string, version int64) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE mutations SET base_version = ? WHERE entity_id = ?`, version, entityID); err != nil {
		return fmt.Errorf("failed to rebase mutations: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count mutations: %w", err)
	}
	return n, nil
}
