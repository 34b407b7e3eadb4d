// Package memberships records which users belong to which households.
package memberships

import "context"

type Repository interface {
	// Add is idempotent.
	Add(ctx context.Context, householdID, userID string) error
	IsMember(ctx context.Context, householdID, userID string) (bool, error)
	Households(ctx context.Context, userID string) ([]string, error)
}
