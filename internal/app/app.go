// Package app wires the majordomo subsystems together and runs them
// until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nvyas/majordomo/internal/config"
	"github.com/nvyas/majordomo/internal/groups"
	"github.com/nvyas/majordomo/internal/intake"
	"github.com/nvyas/majordomo/internal/ipc"
	"github.com/nvyas/majordomo/internal/kb"
	"github.com/nvyas/majordomo/internal/runner"
	"github.com/nvyas/majordomo/internal/scheduler"
	"github.com/nvyas/majordomo/internal/store"
	"github.com/nvyas/majordomo/internal/tools"
	"github.com/nvyas/majordomo/internal/transport"
)

// reembedInterval paces the backfill pass for chunks stored while the
// embeddings provider was down.
const reembedInterval = 15 * time.Minute

// Deps holds the injected externals: the container engine and the
// embeddings provider. Both have fakes in tests.
type Deps struct {
	Engine   runner.Engine
	Embedder kb.Embedder
}

// App owns every subsystem of the assistant.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store    *store.Store
	registry *groups.Registry
	sessions *groups.Sessions
	state    *groups.RouterState
	kb       *kb.Service
	bridge   *transport.Bridge
	runner   *runner.Runner
	sched    *scheduler.Scheduler
	broker   *ipc.Broker
	router   *intake.Router
}

// New builds the full subsystem graph from config.
func New(cfg config.Config, deps Deps, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	tz, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.Scheduler.Timezone, err)
	}

	dataDir := cfg.Assistant.DataDir
	ipcDir := filepath.Join(dataDir, "ipc")
	name := cfg.Assistant.Name

	st := store.New(cfg.Database.Path, store.WithLogger(logger))
	registry := groups.NewRegistry(dataDir, logger)
	sessions := groups.NewSessions(dataDir)
	state := groups.NewRouterState(dataDir)

	allowlist, err := groups.LoadMountAllowlist(config.MountAllowlistPath())
	if err != nil {
		return nil, fmt.Errorf("load mount allowlist: %w", err)
	}

	kbSvc := kb.New(st, deps.Embedder, filepath.Join(dataDir, "locks"),
		kb.WithTranscriptTool(cfg.Tools.TranscriptBin), kb.WithLogger(logger))

	bridge := transport.NewBridge(cfg.Bridge.URL, st, func(jid string) bool {
		_, ok := registry.Get(jid)
		return ok
	}, transport.WithLogger(logger))

	run := runner.New(deps.Engine, cfg.Container, sessions, allowlist,
		cfg.Assistant.GroupsDir, cfg.Assistant.ProjectRoot, ipcDir,
		runner.WithLogger(logger))

	handler := tools.New(st, registry, kbSvc, bridge, cfg.Tools, name, tz,
		cfg.Assistant.GroupsDir, ipcDir, tools.WithLogger(logger))

	broker := ipc.New(ipcDir, st, registry, bridge, handler, ipc.WithLogger(logger))
	handler.SetRefresher(broker)

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: registry,
		sessions: sessions,
		state:    state,
		kb:       kbSvc,
		bridge:   bridge,
		runner:   run,
		sched:    scheduler.New(st, registry, run, bridge, name, tz, scheduler.WithLogger(logger)),
		broker:   broker,
		router:   intake.New(st, registry, state, run, bridge, kbSvc, name, intake.WithLogger(logger)),
	}, nil
}

// Run initializes persistent state and starts every loop, then blocks
// until the context is cancelled or the bridge session is revoked.
func (a *App) Run(ctx context.Context) error {
	if err := a.store.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	defer a.store.Close()

	if err := a.registry.Load(); err != nil {
		return fmt.Errorf("load group registry: %w", err)
	}
	if err := a.sessions.Load(); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	if err := a.state.Load(); err != nil {
		return fmt.Errorf("load router state: %w", err)
	}

	if err := a.bridge.Start(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	defer a.bridge.Close()

	a.broker.Start(ctx)
	a.sched.Start(ctx)
	a.router.Start(ctx)
	go a.reembedLoop(ctx)

	a.logger.Info("majordomo running",
		"name", a.cfg.Assistant.Name, "groups", len(a.registry.All()))

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
		return nil
	case <-a.bridge.LoggedOut():
		return fmt.Errorf("bridge session logged out")
	}
}

// RunWithSignal wraps Run with OS signal handling for graceful shutdown.
func (a *App) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

// reembedLoop periodically backfills embeddings for chunks persisted
// while the provider was unavailable.
func (a *App) reembedLoop(ctx context.Context) {
	ticker := time.NewTicker(reembedInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.kb.Reembed(ctx, 50)
			if err != nil {
				a.logger.Warn("embedding backfill failed", "error", err)
			} else if n > 0 {
				a.logger.Info("embedding backfill", "chunks", n)
			}
		}
	}
}
