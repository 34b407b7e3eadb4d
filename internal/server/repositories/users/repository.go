// Package users declares and implements storage of user accounts.
package users

import (
	"context"

	"github.com/dmitrijs2005/roomies/internal/server/models"
)

type Repository interface {
	// Create inserts user. A taken email yields common.ErrIdentifierInUse.
	Create(ctx context.Context, user *models.User) error
	// GetByEmail returns common.ErrNotFound for unknown addresses.
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}
