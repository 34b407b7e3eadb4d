package cli

import (
	"context"

	"github.com/dmitrijs2005/roomies/internal/client/auth"
	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/client/store"
	"github.com/dmitrijs2005/roomies/internal/client/syncengine"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/dmitrijs2005/roomies/internal/wire"
)

// Backend is the client surface the commands use; *app.App implements it.
type Backend interface {
	Restore(ctx context.Context) (*models.Session, error)
	SignIn(ctx context.Context, email, password string) (*models.Session, error)
	SignUp(ctx context.Context, email, password string, p auth.Profile) (*models.Session, error)
	SignOut(ctx context.Context) error
	Start(ctx context.Context) error

	Status(ctx context.Context) (syncengine.Status, error)
	SyncNow(ctx context.Context) error
	Conflicts(ctx context.Context, limit int) ([]*models.ConflictEvent, error)
	Watch(fn func(store.Change)) func()

	CreateHousehold(ctx context.Context, name string) (*models.Entity, error)
	JoinHousehold(ctx context.Context, code string) (*models.Entity, error)
	Households(ctx context.Context) ([]*models.Entity, error)

	AddTask(ctx context.Context, t *domain.Task) (*models.Entity, error)
	Tasks(ctx context.Context, householdID string) ([]*models.Entity, error)
	CompleteTask(ctx context.Context, id string) (*models.Entity, error)
	DeleteTask(ctx context.Context, id string) error
	Resync(ctx context.Context, id string) error
	Attach(ctx context.Context, taskID, path, contentType string) (*wire.AttachmentResponse, error)
}
