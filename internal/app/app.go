// Package app assembles a matchcore node from configuration: Wire connects
// the backends, Build composes the engine, cluster and HTTP layers over them,
// and Node.Run serves until the context ends.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/matchcore/internal/config"
)

// shutdownTimeout bounds how long in-flight requests may take once the
// process is asked to stop.
const shutdownTimeout = 10 * time.Second

// App runs one matchcore process and owns everything Run opened.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	cleanup []func()
}

// New creates an App. Nothing is connected until Run.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger.With(slog.String("component", "app"))}
}

// Run wires the backends, recovers the books and serves until ctx is
// cancelled. Resources stay open until Close.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "app: starting",
		slog.String("log_level", a.cfg.LogLevel),
		slog.Int("port", a.cfg.Server.Port),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.cleanup = append(a.cleanup, cleanup)

	node, err := Build(a.cfg, deps, a.logger)
	if err != nil {
		return fmt.Errorf("app: build node: %w", err)
	}
	if err := node.Warm(ctx); err != nil {
		return err
	}

	return node.Run(ctx)
}

// Run serves until ctx is cancelled. The coordinator releases its lease on
// the way out.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.Server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return n.Server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return n.Coordinator.Run(gctx)
	})
	g.Go(func() error {
		return n.Scheduler.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Close releases what Run opened, newest first. Calling it again does
// nothing.
func (a *App) Close() {
	if len(a.cleanup) == 0 {
		return
	}
	a.logger.Info("app: closing dependencies")
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
