// Package server assembles the Roomies backend: PostgreSQL storage, the
// REST and realtime API, and the gRPC health endpoint. Run blocks until a
// termination signal arrives and then shuts everything down gracefully.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/roomies/internal/logging"
	"github.com/dmitrijs2005/roomies/internal/metrics"
	"github.com/dmitrijs2005/roomies/internal/server/config"
	gs "github.com/dmitrijs2005/roomies/internal/server/grpc"
	"github.com/dmitrijs2005/roomies/internal/server/httpapi"
	"github.com/dmitrijs2005/roomies/internal/server/realtime"
	"github.com/dmitrijs2005/roomies/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/roomies/internal/server/services"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	healthInterval  = 5 * time.Second
)

type App struct {
	config *config.Config
	logger logging.Logger
	zap    *zap.Logger
	db     *sql.DB
	hub    *realtime.Hub
	http   *http.Server
	grpc   *gs.HealthServer
}

// NewApp connects to the database, applies migrations and builds the
// services and servers.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	zl, err := logging.NewProductionZap(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger init error: %w", err)
	}
	logger := logging.NewZapLogger(zl)

	db, err := repomanager.OpenPostgres(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	us := services.NewUserService(db, rm, cfg, logger)
	es := services.NewEntityService(db, rm, nil, logger)
	hub := realtime.NewHub(es, logger)
	es.SetPublisher(hub)
	as := services.NewAttachmentService(es, services.NewS3Presigner(cfg), cfg.PresignValidity)

	handlers := httpapi.NewHandlers(us, es, as, hub, logger)
	limiter := httpapi.NewRateLimiter(cfg.RateLimit, cfg.RateBurst, logger)
	router := httpapi.NewRouter(handlers, us, limiter, metrics.NewHTTP(), logger)

	return &App{
		config: cfg,
		logger: logger,
		zap:    zl,
		db:     db,
		hub:    hub,
		http: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		grpc: gs.NewHealthServer(cfg.GRPCAddr, db, healthInterval, logger),
	}, nil
}

// Run serves until SIGINT or SIGTERM, or until a server fails.
func (app *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	app.logger.Info(ctx, "Starting app...")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.logger.Info(ctx, "Starting HTTP server", "address", app.http.Addr)
		if err := app.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return app.grpc.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		app.logger.Info(ctx, "Stopping HTTP server...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		app.hub.Close()
		return app.http.Shutdown(sctx)
	})

	err := g.Wait()
	app.close()
	return err
}

func (app *App) close() {
	if err := app.db.Close(); err != nil {
		app.logger.Error(context.Background(), "db close", "error", err)
	}
	_ = app.zap.Sync()
}
