package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/client/store"
	"github.com/dmitrijs2005/roomies/internal/client/syncengine"
	"github.com/dmitrijs2005/roomies/internal/domain"
)

// CreateHousehold queues a new household owned by the signed-in user.
func (a *App) CreateHousehold(ctx context.Context, name string) (*models.Entity, error) {
	h := &domain.Household{Name: name}
	if s := a.auth.CurrentSession(); s != nil {
		h.OwnerID = s.UserID
	}
	return a.engine.Create(ctx, h)
}

// Households lists the households known locally, by name.
func (a *App) Households(ctx context.Context) ([]*models.Entity, error) {
	list, err := a.store.List(ctx, domain.KindHousehold, false)
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return nameOf(list[i]) < nameOf(list[j]) })
	return list, nil
}

func (a *App) AddTask(ctx context.Context, t *domain.Task) (*models.Entity, error) {
	return a.engine.Create(ctx, t)
}

// Tasks lists the tasks of householdID, or of every household when it is
// empty. Open tasks come first, then by due date.
func (a *App) Tasks(ctx context.Context, householdID string) ([]*models.Entity, error) {
	list, err := a.store.List(ctx, domain.KindTask, false)
	if err != nil {
		return nil, err
	}
	type row struct {
		e *models.Entity
		t *domain.Task
	}
	rows := make([]row, 0, len(list))
	for _, e := range list {
		t, err := models.DecodeAs[*domain.Task](e)
		if err != nil {
			return nil, err
		}
		if householdID != "" && t.HouseholdID != householdID {
			continue
		}
		rows = append(rows, row{e, t})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		x, y := rows[i].t, rows[j].t
		if x.Completed != y.Completed {
			return !x.Completed
		}
		return dueKey(x).Before(dueKey(y))
	})

	out := make([]*models.Entity, len(rows))
	for i, r := range rows {
		out[i] = r.e
	}
	return out, nil
}

// CompleteTask marks a task done now.
func (a *App) CompleteTask(ctx context.Context, id string) (*models.Entity, error) {
	e, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t, err := models.DecodeAs[*domain.Task](e)
	if err != nil {
		return nil, err
	}
	if t.Completed {
		return e, nil
	}
	now := time.Now().UTC()
	t.Completed, t.CompletedAt = true, &now
	return a.engine.Update(ctx, id, t)
}

func (a *App) DeleteTask(ctx context.Context, id string) error {
	e, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Kind != domain.KindTask {
		return fmt.Errorf("%s is a %s, not a task", id, e.Kind)
	}
	return a.engine.Delete(ctx, id)
}

// Resync re-queues an entity whose change the server rejected.
func (a *App) Resync(ctx context.Context, id string) error {
	if _, err := a.store.Resync(ctx, id); err != nil {
		return err
	}
	a.engine.Kick()
	return nil
}

func (a *App) SyncNow(ctx context.Context) error { return a.engine.SyncNow(ctx) }

func (a *App) Status(ctx context.Context) (syncengine.Status, error) { return a.engine.Status(ctx) }

func (a *App) Conflicts(ctx context.Context, limit int) ([]*models.ConflictEvent, error) {
	return a.store.Conflicts(ctx, limit)
}

// Watch calls fn for every local store change until the returned func is
// called.
func (a *App) Watch(fn func(store.Change)) func() { return a.store.Subscribe(fn) }

func dueKey(t *domain.Task) time.Time {
	if t.DueAt == nil {
		return time.Unix(1<<40, 0)
	}
	return *t.DueAt
}

func nameOf(e *models.Entity) string {
	h, err := models.DecodeAs[*domain.Household](e)
	if err != nil {
		return ""
	}
	return h.Name
}
