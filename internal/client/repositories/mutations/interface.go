// Package mutations is the durable FIFO queue of local changes waiting to be
// pushed to the backend.
package mutations

import (
	"context"
	"time"

	"github.com/dmitrijs2005/roomies/internal/client/models"
)

type Repository interface {
	// Enqueue appends m and fills in m.Seq.
	Enqueue(ctx context.Context, m *models.PendingMutation) error

	// Get looks a mutation up by idempotency key (common.ErrNotFound if gone).
	Get(ctx context.Context, key string) (*models.PendingMutation, error)

	// ListAll returns the whole queue in FIFO order.
	ListAll(ctx context.Context) ([]*models.PendingMutation, error)

	// ListByEntity returns the queued mutations of one entity in FIFO order.
	ListByEntity(ctx context.Context, entityID string) ([]*models.PendingMutation, error)

	// Heads returns the oldest mutation of every entity, in FIFO order.
	Heads(ctx context.Context) ([]*models.PendingMutation, error)

	Delete(ctx context.Context, seq int64) error
	DeleteByEntity(ctx context.Context, entityID string) error

	// ScheduleRetry records a failed attempt.
	ScheduleRetry(ctx context.Context, seq int64, attempts int, next time.Time, lastErr string) error

	// Rebase moves every queued mutation of the entity onto version.
	Rebase(ctx context.Context, entityID string, version int64) error

	Count(ctx context.Context) (int, error)
}
