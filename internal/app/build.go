// Package app is the composition root: it opens the store, builds the bus,
// the managers, and the API server, and wires the cross-component hooks.
package app

import (
	"context"
	"fmt"

	"github.com/antoniostano/maestro/internal/config"
	"github.com/antoniostano/maestro/internal/events"
	"github.com/antoniostano/maestro/internal/httpapi"
	"github.com/antoniostano/maestro/internal/observability"
	"github.com/antoniostano/maestro/internal/orchestrator"
	"github.com/antoniostano/maestro/internal/project"
	"github.com/antoniostano/maestro/internal/queue"
	"github.com/antoniostano/maestro/internal/session"
	"github.com/antoniostano/maestro/internal/spawn"
	"github.com/antoniostano/maestro/internal/store"
	"github.com/antoniostano/maestro/internal/task"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Bus          *events.Bus
	Stores       *store.Stores
	Orchestrator *orchestrator.Orchestrator
	Metrics      *observability.Metrics
	Launcher     *spawn.Launcher

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	bus := events.NewBus()

	stores, err := store.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	launcher := spawn.NewLauncher(cfg.AgentCommand, cfg.AgentArgs, cfg.WorkDir)

	projects := project.NewManager(stores.Projects, stores.Tasks, stores.Sessions, bus)
	tasks := task.NewManager(stores.Projects, stores.Tasks, bus)
	sessions := session.NewManager(stores.Projects, stores.Sessions, tasks, launcher, bus, session.Options{
		ManifestDir:    cfg.ManifestDir,
		SkillsDir:      cfg.SkillsDir,
		APIURL:         cfg.APIURL,
		AgentModel:     cfg.AgentModel,
		PermissionMode: cfg.PermissionMode,
	})
	queues := queue.NewManager(stores.Queue, tasks, bus)

	launcher.OnExit = sessions.HandleProcessExit

	unobserve := metrics.ObserveBus(bus, func() int {
		return sessions.ActiveCount(context.Background())
	})

	orch := orchestrator.New(projects, tasks, sessions, queues, bus)
	api := httpapi.New(cfg, orch, metrics, stores.Mode())

	cleanup := func() error {
		unobserve()
		return stores.Close()
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Bus:          bus,
		Stores:       stores,
		Orchestrator: orch,
		Metrics:      metrics,
		Launcher:     launcher,
		Cleanup:      cleanup,
	}, nil
}
