// Package app builds the client object graph once at start-up and owns its
// lifecycle. Nothing in the client is a global: every service is created
// here and handed to the ones that need it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/dmitrijs2005/roomies/internal/client/auth"
	"github.com/dmitrijs2005/roomies/internal/client/config"
	"github.com/dmitrijs2005/roomies/internal/client/connectivity"
	"github.com/dmitrijs2005/roomies/internal/client/credstore"
	"github.com/dmitrijs2005/roomies/internal/client/localdb"
	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/client/netclient"
	"github.com/dmitrijs2005/roomies/internal/client/realtime"
	"github.com/dmitrijs2005/roomies/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/roomies/internal/client/store"
	"github.com/dmitrijs2005/roomies/internal/client/syncengine"
	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/dmitrijs2005/roomies/internal/filex"
	"github.com/dmitrijs2005/roomies/internal/logging"
	"github.com/dmitrijs2005/roomies/internal/metrics"
	"github.com/dmitrijs2005/roomies/internal/netx"
	"github.com/dmitrijs2005/roomies/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// Deps lets tests replace the pieces that talk to the outside world.
type Deps struct {
	DB          *sql.DB
	Credentials credstore.Store
	HTTPClient  *http.Client
	Prober      connectivity.Prober
	Registry    prometheus.Registerer
}

type App struct {
	cfg *config.Config
	log logging.Logger

	db       *sql.DB
	ownDB    bool
	http     *http.Client
	metrics  *metrics.Sync
	api      *netclient.Client
	auth     *auth.Manager
	store    *store.Store
	engine   *syncengine.Engine
	realtime *realtime.Channel
	monitor  *connectivity.Monitor
	prober   connectivity.Prober

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unwatch func()
}

// New opens the local database and constructs every client service. Zero
// fields of deps are filled from cfg.
func New(ctx context.Context, cfg *config.Config, log logging.Logger, deps Deps) (*App, error) {
	if log == nil {
		log = logging.Nop()
	}
	a := &App{cfg: cfg, log: log, db: deps.DB, http: deps.HTTPClient, prober: deps.Prober}

	if a.db == nil {
		path := cfg.DatabasePath
		if path != ":memory:" {
			abs, err := filex.EnsureParentDir(path)
			if err != nil {
				return nil, err
			}
			path = abs
		}
		db, err := localdb.Open(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("open local database: %w", err)
		}
		a.db, a.ownDB = db, true
	}
	if a.http == nil {
		a.http = &http.Client{}
	}

	creds := deps.Credentials
	if creds == nil {
		sealed, err := credstore.NewSealedStore(metadata.NewSQLiteRepository(a.db), cfg.KeyFile)
		if err != nil {
			a.closeDB()
			return nil, err
		}
		creds = sealed
	}

	a.metrics = metrics.NewSync(deps.Registry)

	base, err := netclient.New(netclient.Options{
		BaseURL:        cfg.ServerURL,
		HTTPClient:     a.http,
		RequestTimeout: cfg.RequestTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
	}, log)
	if err != nil {
		a.closeDB()
		return nil, err
	}

	a.auth = auth.NewManager(netclient.NewAuthAPI(base), creds, log, auth.Options{
		RefreshMargin:  cfg.RefreshMargin,
		RefreshTimeout: cfg.RefreshTimeout,
		Metrics:        a.metrics,
	})
	a.api = base.WithTokens(a.auth)
	a.store = store.New(a.db, log)
	a.engine = syncengine.New(a.api, a.store, log, syncengine.Options{
		PushConcurrency: cfg.PushConcurrency,
		PullInterval:    cfg.PullInterval,
		PageSize:        cfg.PageSize,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		RetryMaxDelay:   cfg.RetryMaxDelay,
		Metrics:         a.metrics,
	})
	a.realtime = realtime.New(realtime.Options{
		URL:               cfg.WebsocketURL(),
		HTTPClient:        a.http,
		ReconnectMaxDelay: cfg.ReconnectMaxDelay,
		Metrics:           a.metrics,
	}, log)

	if a.prober == nil && cfg.HealthAddr != "" {
		p, err := connectivity.NewGRPCProber(cfg.HealthAddr, "")
		if err != nil {
			a.closeDB()
			return nil, err
		}
		a.prober = p
	}
	if a.prober != nil {
		a.monitor = connectivity.NewMonitor(a.prober, cfg.OnlineCheckInterval, 0, log)
	}

	a.wire()
	return a, nil
}

// wire connects the services to each other. The realtime channel only ever
// talks to the engine.
func (a *App) wire() {
	a.realtime.OnEvent(func(ctx context.Context, ev realtime.Event) {
		if err := a.engine.HandleEvent(ctx, ev); err != nil {
			a.log.Warn(ctx, "realtime event not applied", "entity_id", ev.EntityID, "error", err)
		}
	})
	a.realtime.OnReconnect(func(ctx context.Context) {
		if _, err := a.engine.Pull(ctx); err != nil {
			a.log.Info(ctx, "catch-up pull failed", "error", err)
		}
	})
	if a.monitor != nil {
		a.monitor.OnChange(func(m connectivity.Mode) {
			a.engine.SetOffline(m == connectivity.ModeOffline)
		})
	}
	a.auth.OnStateChange(func(s auth.State) {
		if s == auth.Unauthenticated {
			// may run on a background goroutine owned by Start; never wait here
			a.halt()
		}
	})
}

func (a *App) Auth() *auth.Manager            { return a.auth }
func (a *App) Engine() *syncengine.Engine     { return a.engine }
func (a *App) Store() *store.Store            { return a.store }
func (a *App) Realtime() *realtime.Channel    { return a.realtime }
func (a *App) Monitor() *connectivity.Monitor { return a.monitor }

// Restore loads the saved session, if any.
func (a *App) Restore(ctx context.Context) (*models.Session, error) {
	return a.auth.Restore(ctx)
}

// Start launches background syncing for the signed-in user: the engine
// loop, the realtime channel and the connectivity monitor. It fails with
// common.ErrNotAuthenticated when nobody is signed in.
func (a *App) Start(ctx context.Context) error {
	if a.auth.CurrentSession() == nil {
		return common.ErrNotAuthenticated
	}

	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return nil
	}
	bg, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	if a.monitor != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.monitor.Run(bg)
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.engine.Run(bg); err != nil {
			a.log.Warn(bg, "sync loop ended", "error", err)
		}
	}()

	// a session that ended on its own only cancelled the old loop; wait for it
	a.realtime.Disconnect()
	if err := a.realtime.Connect(bg, a.auth); err != nil {
		a.log.Warn(bg, "realtime disabled", "error", err)
	}
	a.subscribeHouseholds(bg)

	unwatch := a.store.Subscribe(func(c store.Change) {
		if c.Kind != domain.KindHousehold || c.Deleted {
			return
		}
		go func() {
			if err := a.realtime.Subscribe(bg, c.EntityID); err != nil {
				a.log.Debug(bg, "subscribe failed", "room_id", c.EntityID, "error", err)
			}
		}()
	})
	a.mu.Lock()
	a.unwatch = unwatch
	a.mu.Unlock()
	return nil
}

func (a *App) subscribeHouseholds(ctx context.Context) {
	households, err := a.store.List(ctx, domain.KindHousehold, false)
	if err != nil {
		a.log.Warn(ctx, "list households", "error", err)
		return
	}
	for _, h := range households {
		if err := a.realtime.Subscribe(ctx, h.ID); err != nil {
			a.log.Debug(ctx, "subscribe failed", "room_id", h.ID, "error", err)
		}
	}
}

// halt cancels the background work without waiting for it.
func (a *App) halt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.unwatch != nil {
		a.unwatch()
		a.unwatch = nil
	}
}

// Stop ends background syncing and waits for it to finish.
func (a *App) Stop() {
	a.halt()
	a.realtime.Disconnect()
	a.wg.Wait()
}

// SignIn authenticates and starts syncing.
func (a *App) SignIn(ctx context.Context, email, password string) (*models.Session, error) {
	s, err := a.auth.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s, a.Start(ctx)
}

// SignUp registers and starts syncing.
func (a *App) SignUp(ctx context.Context, email, password string, p auth.Profile) (*models.Session, error) {
	s, err := a.auth.SignUp(ctx, email, password, p)
	if err != nil {
		return nil, err
	}
	return s, a.Start(ctx)
}

// SignOut stops syncing, ends the session and wipes the local data of the
// signed-out user.
func (a *App) SignOut(ctx context.Context) error {
	a.Stop()
	if err := a.auth.SignOut(ctx); err != nil {
		return err
	}
	return a.store.Reset(ctx)
}

// JoinHousehold joins by invite code, stores the household locally and
// backfills its history, which is older than the sync watermark.
func (a *App) JoinHousehold(ctx context.Context, code string) (*models.Entity, error) {
	h, err := a.api.JoinHousehold(ctx, code)
	if err != nil {
		return nil, err
	}
	if h.Kind == "" {
		h.Kind = domain.KindHousehold
	}
	if _, err := a.store.ApplyRemote(ctx, h); err != nil {
		return nil, err
	}
	if err := a.backfillRoom(ctx, h.ID); err != nil {
		return nil, err
	}
	if err := a.realtime.Subscribe(ctx, h.ID); err != nil {
		a.log.Debug(ctx, "subscribe failed", "room_id", h.ID, "error", err)
	}
	return h, nil
}

func (a *App) backfillRoom(ctx context.Context, roomID string) error {
	var since int64
	for {
		page, err := a.api.RoomChanges(ctx, roomID, since, a.cfg.PageSize)
		if err != nil {
			return err
		}
		for _, e := range page.Entities {
			if _, err := a.store.ApplyRemote(ctx, e); err != nil {
				return err
			}
		}
		if !page.HasMore || page.Cursor <= since {
			return nil
		}
		since = page.Cursor
	}
}

// Attach uploads a file as an attachment of taskID through a presigned URL
// and returns where it can be downloaded.
func (a *App) Attach(ctx context.Context, taskID, path, contentType string) (*wire.AttachmentResponse, error) {
	if _, err := a.store.Get(ctx, taskID); err != nil {
		return nil, fmt.Errorf("task %s: %w", taskID, err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	target, err := a.api.AttachmentUploadURL(ctx, taskID, filepath.Base(path), contentType)
	if err != nil {
		return nil, err
	}
	if err := netx.UploadToPresignedURL(ctx, a.http, target.UploadURL, body, contentType); err != nil {
		return nil, fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	return target, nil
}

// Close stops everything and releases the database.
func (a *App) Close() error {
	a.Stop()
	a.auth.Wait()

	var errs []error
	if c, ok := a.prober.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, a.closeDB())
	return errors.Join(errs...)
}

func (a *App) closeDB() error {
	if a.ownDB && a.db != nil {
		return a.db.Close()
	}
	return nil
}
