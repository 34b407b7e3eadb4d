// Package entities persists the local copy of every synced entity.
package entities

import (
	"context"

	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/domain"
)

// Repository describes CRUD and query operations for Entity rows.
type Repository interface {
	// Get returns common.ErrNotFound when the id is unknown.
	Get(ctx context.Context, id string) (*models.Entity, error)

	// Upsert inserts or replaces the row by id, including sync flags.
	Upsert(ctx context.Context, e *models.Entity) error

	// List returns entities of kind ordered by updated_at. Tombstones are
	// skipped unless includeDeleted is set. An empty kind lists all kinds.
	List(ctx context.Context, kind domain.Kind, includeDeleted bool) ([]*models.Entity, error)

	// Purge physically removes the row. Missing rows are not an error.
	Purge(ctx context.Context, id string) error

	SetDirty(ctx context.Context, id string, dirty bool) error
	SetNeedsResync(ctx context.Context, id string, v bool) error

	// CountDirty returns how many entities still have unacknowledged changes.
	CountDirty(ctx context.Context) (int, error)
}
