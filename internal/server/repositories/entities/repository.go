// Package entities stores the authoritative copies of syncable records and
// serves the change feed ordered by the global version counter.
package entities

import (
	"context"

	"github.com/dmitrijs2005/roomies/internal/server/models"
)

type Repository interface {
	// NextVersion allocates the next global version. Concurrent callers are
	// serialized until the allocating transaction commits or rolls back.
	NextVersion(ctx context.Context) (int64, error)

	// Get returns the entity, tombstones included, or common.ErrNotFound.
	Get(ctx context.Context, id string) (*models.Entity, error)
	// GetForUpdate is Get with a row lock; call it inside a transaction.
	GetForUpdate(ctx context.Context, id string) (*models.Entity, error)

	Insert(ctx context.Context, e *models.Entity) error
	Update(ctx context.Context, e *models.Entity) error

	// Changes lists entities visible to userID with version > since, in
	// version order.
	Changes(ctx context.Context, userID string, since int64, limit int) ([]*models.Entity, error)
	// RoomChanges lists the entities of one room with version > since.
	RoomChanges(ctx context.Context, roomID string, since int64, limit int) ([]*models.Entity, error)

	FindHouseholdByInviteCode(ctx context.Context, code string) (*models.Entity, error)
}
