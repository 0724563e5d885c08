// Package app assembles the engine from configuration and runs it: recovery
// first, then the exit scan loop and the HTTP surface side by side.
package app

import (
	"context"
	"fmt"

	"talon/internal/config"
	"talon/internal/engine"
	"talon/internal/exitrule"
	"talon/internal/logger"
	"talon/internal/scheduler"
	"talon/internal/store/gormstore"
	httpapi "talon/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg   *config.Config
	core  *engine.Core
	rules *exitrule.Registry
	store *gormstore.Store
	http  *httpapi.Server
}

// NewApp builds the application object without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Core exposes the engine facade, for replay and test harnesses.
func (a *App) Core() *engine.Core {
	if a == nil {
		return nil
	}
	return a.core
}

// Run recovers persisted state, then serves until the context is cancelled.
// Reconciliation mismatches do not abort startup: the affected positions are
// already halted and the rest of the book keeps trading.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}

	if err := a.core.Recover(ctx); err != nil {
		logger.Errorf("recovery finished with mismatches: %v", err)
	}

	group, ctx := errgroup.WithContext(ctx)

	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		sched := scheduler.NewAligned(ctx, a.cfg.Exits.ScanInterval, a.cfg.Exits.ScanOffset)
		sched.RunImmediately = a.cfg.Exits.RunImmediately
		sched.Start(func() {
			if _, err := a.core.EvaluateExits(ctx); err != nil {
				logger.Errorf("exit scan failed: %v", err)
			}
		})
		return nil
	})

	return group.Wait()
}

// Close releases the durable store.
func (a *App) Close() error {
	if a == nil || a.store == nil {
		return nil
	}
	return a.store.Close()
}
