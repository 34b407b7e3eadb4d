package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/roomies/internal/client/app"
	"github.com/dmitrijs2005/roomies/internal/client/cli"
	"github.com/dmitrijs2005/roomies/internal/client/config"
	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {

	cfg := config.LoadConfig()
	logger, closer := logging.NewClientLogger(cfg.LogLevel, logging.FileOptions{Path: cfg.LogFile})
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Deps{})
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.Restore(ctx); err != nil && !errors.Is(err, common.ErrNotAuthenticated) {
		logger.Warn(ctx, "restoring session failed", "error", err)
	}

	return cli.NewShell(a, os.Stdin, os.Stdout).Execute(ctx, os.Args[1:])
}
