// Package mutationkeys remembers idempotency keys of applied writes so a
// retried request replays the original response.
package mutationkeys

import (
	"context"
	"encoding/json"

	"github.com/dmitrijs2005/roomies/internal/server/models"
)

type Repository interface {
	// Reserve claims key for userID. It reports false when the key was
	// already used. A concurrent reservation of the same key blocks until
	// the first transaction finishes.
	Reserve(ctx context.Context, userID, key, entityID string) (bool, error)
	// Find returns common.ErrNotFound for unknown keys.
	Find(ctx context.Context, userID, key string) (*models.MutationKey, error)
	// Complete stores the response to replay.
	Complete(ctx context.Context, userID, key string, response json.RawMessage) error
}
