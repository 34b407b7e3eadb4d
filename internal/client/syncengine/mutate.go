package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/domain"
)

// EnqueueMutation applies a local change optimistically and queues it for
// the server. For OpCreate an empty id gets a fresh one; for OpDelete p may
// be nil. The returned entity is the local state after the change, or nil
// when a never-synced entity was deleted outright.
func (e *Engine) EnqueueMutation(ctx context.Context, id string, p domain.Payload, op models.Op) (*models.Entity, error) {
	if op == models.OpDelete {
		if id == "" {
			return nil, common.NewValidationError("id", "required")
		}
		if _, err := e.store.Delete(ctx, id); err != nil {
			return nil, fmt.Errorf("delete %s: %w", id, err)
		}
		e.Kick()

		ent, err := e.store.Get(ctx, id)
		if errors.Is(err, common.ErrNotFound) {
			return nil, nil
		}
		return ent, err
	}

	if p == nil {
		return nil, common.NewValidationError("payload", "required")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	ent, err := models.NewEntity(p)
	if err != nil {
		return nil, err
	}
	switch op {
	case models.OpCreate:
		if id != "" {
			ent.ID = id
		}
	case models.OpUpdate:
		if id == "" {
			return nil, common.NewValidationError("id", "required")
		}
		ent.ID = id
	default:
		return nil, fmt.Errorf("unknown op %q", op)
	}

	saved, _, err := e.store.Save(ctx, ent, op)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, ent.ID, err)
	}
	e.Kick()
	return saved, nil
}

// Create queues a new entity built from p.
func (e *Engine) Create(ctx context.Context, p domain.Payload) (*models.Entity, error) {
	return e.EnqueueMutation(ctx, "", p, models.OpCreate)
}

// Update replaces the payload of entity id.
func (e *Engine) Update(ctx context.Context, id string, p domain.Payload) (*models.Entity, error) {
	return e.EnqueueMutation(ctx, id, p, models.OpUpdate)
}

func (e *Engine) Delete(ctx context.Context, id string) error {
	_, err := e.EnqueueMutation(ctx, id, nil, models.OpDelete)
	return err
}
