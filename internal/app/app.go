// Package app assembles the clipsync components from configuration and runs
// them as one process.
package app

import (
	"context"
	"net/http"

	"github.com/gofrs/flock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/subculture-collective/clipper/clipsync/internal/api"
	"github.com/subculture-collective/clipper/clipsync/internal/config"
	"github.com/subculture-collective/clipper/clipsync/internal/connectivity"
	"github.com/subculture-collective/clipper/clipsync/internal/db"
	"github.com/subculture-collective/clipper/clipsync/internal/errors"
	"github.com/subculture-collective/clipper/clipsync/internal/facade"
	"github.com/subculture-collective/clipper/clipsync/internal/logging"
	"github.com/subculture-collective/clipper/clipsync/internal/metrics"
	"github.com/subculture-collective/clipper/clipsync/internal/server"
	"github.com/subculture-collective/clipper/clipsync/internal/store"
	"github.com/subculture-collective/clipper/clipsync/internal/sync"
	"github.com/subculture-collective/clipper/clipsync/internal/sync/conflict"
	"github.com/subculture-collective/clipper/clipsync/internal/sync/queue"
	"github.com/subculture-collective/clipper/clipsync/internal/widgets"
)

// App holds the wired components. Only one App may own a data directory at
// a time.
type App struct {
	Config    *config.Config
	DB        *db.DB
	Store     *store.Store
	Queue     *queue.Queue
	Client    *api.Client
	Monitor   *connectivity.Monitor
	Conflicts *conflict.Log
	Manager   *sync.Manager
	Facade    *facade.Facade
	Metrics   *metrics.Metrics
	Embedder  *widgets.Embedder

	lock *flock.Flock
}

type options struct {
	httpClient *http.Client
	online     bool
}

// Option configures Open.
type Option func(*options)

// WithHTTPClient routes API calls through hc.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithOnline sets the connectivity state before the first probe.
func WithOnline(online bool) Option {
	return func(o *options) { o.online = online }
}

// Open locks the data directory and builds every component. Background
// work does not start until Start or Serve.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (a *App, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(errors.ErrLocked, "acquire data directory lock", err)
	}
	if !locked {
		return nil, errors.Newf(errors.ErrLocked,
			"another clipsync process owns %s; use its local api at http://%s/api/v1",
			cfg.Paths.DataDir, cfg.Server.Bind)
	}

	a = &App{Config: cfg, lock: lock}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
			a = nil
		}
	}()

	if a.DB, err = db.Open(ctx, cfg.Paths.DataDir); err != nil {
		return a, errors.Wrap(errors.ErrDatabase, "open database", err)
	}
	if a.Store, err = store.New(ctx, a.DB.DB, store.WithRetention(cfg.StaleRetention())); err != nil {
		return a, err
	}

	var clientOpts []api.Option
	if o.httpClient != nil {
		clientOpts = append(clientOpts, api.WithHTTPClient(o.httpClient))
	}
	if a.Client, err = api.NewClient(cfg.APIConfig(), clientOpts...); err != nil {
		return a, err
	}

	if a.Embedder, err = widgets.NewEmbedder(cfg.Server.EmbedParents...); err != nil {
		return a, err
	}

	a.Metrics = metrics.New()
	a.Queue = queue.NewQueue(a.DB.DB, cfg.QueueConfig())
	a.Monitor = connectivity.NewMonitor(a.Client, cfg.ProbeInterval(), o.online)
	a.Conflicts = conflict.NewLog(a.DB.DB)
	a.Manager = sync.NewManager(sync.Deps{
		Queue:     a.Queue,
		Store:     a.Store,
		Remote:    a.Client,
		Conn:      a.Monitor,
		Resolver:  cfg.Resolver(),
		Conflicts: a.Conflicts,
		Metrics:   a.Metrics,
	}, cfg.SyncConfig())
	a.Facade = facade.New(facade.Deps{
		Store:   a.Store,
		Queue:   a.Queue,
		Remote:  a.Client,
		Syncer:  a.Manager,
		Conn:    a.Monitor,
		Metrics: a.Metrics,
		TTLs:    cfg.TTLs(),
	})
	return a, nil
}

// Start probes connectivity once and starts the sync manager.
func (a *App) Start(ctx context.Context) error {
	a.Monitor.Probe(ctx)
	return a.Manager.Init(ctx)
}

// Server builds the local API over the app's components.
func (a *App) Server() *server.Server {
	return server.New(server.Deps{
		Facade:   a.Facade,
		Syncer:   a.Manager,
		Queue:    a.Queue,
		Cache:    a.Store,
		Metrics:  a.Metrics,
		Embedder: a.Embedder,
	})
}

// Serve starts background work and the local API, and blocks until ctx is
// done or a component fails.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Manager.Dispose()

	srv := a.Server()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Monitor.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx, a.Config.Server.Bind)
	})

	logging.Info("clipsync serving", map[string]interface{}{
		"data_dir": a.Config.Paths.DataDir,
		"bind":     a.Config.Server.Bind,
		"online":   a.Monitor.Online(),
	})
	return g.Wait()
}

// Close stops the manager and releases every resource. It is safe on a
// partially opened App.
func (a *App) Close() error {
	var err error
	if a.Manager != nil {
		a.Manager.Dispose()
	}
	if a.Store != nil {
		err = multierr.Append(err, a.Store.Close())
	}
	if a.DB != nil {
		err = multierr.Append(err, a.DB.Close())
	}
	if a.lock != nil {
		err = multierr.Append(err, a.lock.Unlock())
	}
	return err
}
