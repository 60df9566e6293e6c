package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/entity-collector/internal/changes"
	"github.com/sells-group/entity-collector/internal/config"
	"github.com/sells-group/entity-collector/internal/discovery"
	"github.com/sells-group/entity-collector/internal/executor"
	"github.com/sells-group/entity-collector/internal/jobs"
	"github.com/sells-group/entity-collector/internal/match"
	"github.com/sells-group/entity-collector/internal/monitoring"
	"github.com/sells-group/entity-collector/internal/reconcile"
	"github.com/sells-group/entity-collector/internal/sources"
	"github.com/sells-group/entity-collector/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "collector.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// collectorEnv holds the components shared by the collector commands.
type collectorEnv struct {
	Store      store.Store
	Sources    *sources.Registry
	Scheduler  *jobs.Scheduler
	Changes    *changes.Engine
	Reconciler *reconcile.Reconciler
	Checker    *monitoring.Checker
}

// Close releases the store.
func (e *collectorEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv opens and migrates the store and wires the components that do not
// need a discovery collaborator.
func initEnv(ctx context.Context) (*collectorEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return newEnv(st, cfg), nil
}

func newEnv(st store.Store, c *config.Config) *collectorEnv {
	reg := sources.New(st, c.Sources)
	engine := changes.New(st, c.Policy)
	return &collectorEnv{
		Store:      st,
		Sources:    reg,
		Scheduler:  jobs.New(st, reg, c.Jobs),
		Changes:    engine,
		Reconciler: reconcile.New(st, match.New(c.Match), engine),
		Checker: monitoring.NewChecker(
			monitoring.NewCollector(st, c.Sources.ReliabilityFloor),
			monitoring.NewAlerter(c.Monitoring),
			c.Monitoring,
		),
	}
}

// initCollaborator builds the discovery collaborator. A non-empty fixtureDir
// forces fixture mode.
func initCollaborator(fixtureDir string) (discovery.Collaborator, error) {
	dc := cfg.Discovery
	if fixtureDir != "" {
		dc.Mode = discovery.ModeFixture
		dc.FixtureDir = fixtureDir
	}
	return discovery.New(dc)
}

// newExecutor wires a cycle executor over env.
func (e *collectorEnv) newExecutor(collab discovery.Collaborator) *executor.Executor {
	return executor.New(executor.Deps{
		Store:        e.Store,
		Scheduler:    e.Scheduler,
		Sources:      e.Sources,
		Reconciler:   e.Reconciler,
		Changes:      e.Changes,
		Collaborator: collab,
	}, cfg.Executor, cfg.Sources)
}
