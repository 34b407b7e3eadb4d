package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/roomies/internal/client/realtime"
	"github.com/dmitrijs2005/roomies/internal/common"
)

// Pull reads the change feed from the stored watermark and merges every
// entity into the store. The watermark moves forward after each page, so an
// interrupted pull resumes where it stopped. It returns the number of local
// entities that changed.
func (e *Engine) Pull(ctx context.Context) (int, error) {
	e.pullMu.Lock()
	defer e.pullMu.Unlock()

	since, err := e.store.Watermark(ctx)
	if err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}

	applied := 0
	for {
		page, err := e.api.Changes(ctx, since, e.opts.PageSize)
		if err != nil {
			e.recordError(err)
			return applied, err
		}
		for _, remote := range page.Entities {
			changed, err := e.store.ApplyRemote(ctx, remote)
			if err != nil {
				return applied, fmt.Errorf("apply %s: %w", remote.ID, err)
			}
			if changed {
				applied++
			}
		}
		if page.Cursor <= since {
			break
		}
		if err := e.store.SetWatermark(ctx, page.Cursor); err != nil {
			return applied, err
		}
		since = page.Cursor
		if !page.HasMore {
			break
		}
	}

	now := e.opts.Now()
	if err := e.store.SetLastSync(ctx, now); err != nil {
		return applied, err
	}
	e.mu.Lock()
	e.lastSync = now
	e.lastError = ""
	e.mu.Unlock()

	e.opts.Metrics.Pulled(applied)
	e.log.Debug(ctx, "pull done", "applied", applied, "watermark", since)
	return applied, nil
}

// HandleEvent merges one realtime notification. Events that carry a
// versioned entity are applied as is; otherwise the entity is fetched.
func (e *Engine) HandleEvent(ctx context.Context, ev realtime.Event) error {
	remote := ev.Entity
	if remote == nil {
		var err error
		remote, err = e.api.FetchEntity(ctx, ev.Kind, ev.EntityID)
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetch %s %s: %w", ev.Kind, ev.EntityID, err)
		}
	}
	if remote.Kind == "" {
		remote.Kind = ev.Kind
	}

	changed, err := e.store.ApplyRemote(ctx, remote)
	if err != nil {
		return err
	}
	if changed {
		e.opts.Metrics.Pulled(1)
	}
	return nil
}
