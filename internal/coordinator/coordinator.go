// Package coordinator implements the Coordinator (§4.6): the composite
// root service that owns the ConfigLoader, Reconciler, the three
// SubscriptionBus instances, the StateStore and the ChangePoller, and
// exposes the narrow entry points the Control façade forwards.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/buildforge/coordinator/internal/bus"
	"github.com/buildforge/coordinator/internal/changepoller"
	"github.com/buildforge/coordinator/internal/configloader"
	"github.com/buildforge/coordinator/internal/coordmodel"
	"github.com/buildforge/coordinator/internal/db"
	"github.com/buildforge/coordinator/internal/infrastructure/migrations"
	"github.com/buildforge/coordinator/internal/reconciler"
	"github.com/buildforge/coordinator/internal/statestore"
)

// Coordinator owns every subcomponent and forwards the public entry points
// the Control façade exposes to external callers.
type Coordinator struct {
	basedir  string
	identity coordmodel.MasterIdentity
	logger   *slog.Logger

	loader   *configloader.Loader
	reloader *configloader.Reloader
	recon    *reconciler.Reconciler

	changes     *bus.Bus
	additions   *bus.Bus
	completions *bus.Bus

	mu                sync.Mutex
	dbConn            db.Connector
	store             *statestore.StateStore
	poller            *changepoller.ChangePoller
	caps              coordmodel.Caps
	dbPollIntervalSet bool
	started           bool
	stopCh            chan struct{}
}

// Options bundles the reconciler collaborators the Coordinator wires
// through to its Reconciler (the worker registry, scheduler registry,
// change-source/status-target/debug-client/remote-shell factories). Workers
// and the rest are external, out-of-scope collaborators (§1); Options lets
// a binary supply its own implementations while the Coordinator supplies
// the identity, bus wiring and database factory that are in scope.
type Options struct {
	Workers         reconciler.WorkerRegistry
	Schedulers      reconciler.SchedulerRegistry
	ChangeSourceNew reconciler.ChangeSourceFactory
	StatusTargetNew reconciler.StatusTargetFactory
	StatusHandleNew reconciler.StatusHandleFactory
	DebugClient     reconciler.DebugClient
	RemoteShellNew  reconciler.RemoteShellFactory
	Dispatcher      reconciler.BuildDispatcher

	WorkerListenerEndpoint string
	Logger                 *slog.Logger
}

// New constructs a Coordinator rooted at basedir. It computes the master
// identity immediately (§4.6) but performs no I/O until Start is called.
func New(basedir string, opts Options) (*Coordinator, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "coordinator")

	identity, err := computeIdentity(basedir, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("coordinator: computing identity: %w", err)
	}
	if opts.Workers != nil {
		opts.Workers.SetIdentity(identity.Name(), identity.Incarnation())
	}

	c := &Coordinator{
		basedir:     basedir,
		identity:    identity,
		logger:      logger,
		loader:      configloader.New(basedir, logger),
		reloader:    configloader.NewReloader(logger),
		changes:     bus.New("changes", logger),
		additions:   bus.New("buildset_additions", logger),
		completions: bus.New("buildset_completion", logger),
		stopCh:      make(chan struct{}),
	}

	c.recon = reconciler.New(reconciler.Deps{
		DBFactory:              c.dbFactory,
		Workers:                opts.Workers,
		Schedulers:             opts.Schedulers,
		ChangeSourceNew:        opts.ChangeSourceNew,
		StatusTargetNew:        opts.StatusTargetNew,
		StatusHandleNew:        opts.StatusHandleNew,
		DebugClient:            opts.DebugClient,
		RemoteShellNew:         opts.RemoteShellNew,
		Dispatcher:             opts.Dispatcher,
		ArmTimer:               c.armTimer,
		PollChanges:            c.pollChanges,
		WorkerListenerEndpoint: opts.WorkerListenerEndpoint,
		Changes:                c.changes,
		Additions:              c.additions,
		Completions:            c.completions,
		Logger:                 logger,
	})

	return c, nil
}

// Identity returns the coordinator's computed MasterIdentity.
func (c *Coordinator) Identity() coordmodel.MasterIdentity { return c.identity }

// Graph exposes the current LiveGraph, e.g. for the `getBuilder` lookup the
// Control façade performs.
func (c *Coordinator) Graph() *coordmodel.LiveGraph { return c.recon.Graph() }

// dbFactory satisfies reconciler.DBFactory: it constructs the concrete
// db.Connector for dbURL, starts it, and remembers it so addChange/
// addBuildset/buildsetComplete and the StateStore/ChangePoller have
// something to operate on. db.Connector already implements
// reconciler.DBHandle's Start/Stop/IsCurrent, so no adapter is needed.
func (c *Coordinator) dbFactory(ctx context.Context, dbURL string) (reconciler.DBHandle, error) {
	cfg, err := db.ParseURL(dbURL)
	if err != nil {
		return nil, err
	}
	migrationsDir := filepath.Join(c.basedir, "migrations")
	if version, err := migrations.LatestVersion(migrationsDir); err != nil {
		c.logger.Warn("could not determine latest schema version, proceeding with SchemaVersion unset", "dir", migrationsDir, "error", err)
	} else {
		cfg.SchemaVersion = version
	}
	conn, err := db.New(cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	conn = db.WithCaches(conn, c.caps.ChangeCacheSize, c.caps.BuildCacheSize)
	c.dbConn = conn
	c.store = statestore.New(conn, c.logger)
	objectid, err := c.store.GetObjectID(ctx, coordmodel.MasterClassTag, c.identity.Name())
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("coordinator: resolving master objectid: %w", err)
	}
	c.poller = changepoller.New(conn, c.store, objectid, c.changes, c.logger)
	c.mu.Unlock()

	return conn, nil
}

// pollChanges runs one ChangePoller tick (§4.3), used as the
// db_poll_interval timer callback installed by the Reconciler's first step
// once a database is attached.
func (c *Coordinator) pollChanges(ctx context.Context) {
	c.mu.Lock()
	poller := c.poller
	c.mu.Unlock()
	if poller == nil {
		return
	}
	if err := poller.Poll(ctx); err != nil {
		c.logger.Error("change poller tick failed", "error", err)
	}
}

// armTimer satisfies reconciler.TimerScheduler: it runs fn every interval
// until cancelled. The Reconciler's first step uses it for both the
// ChangePoller timer and the dispatch-wake timer.
func (c *Coordinator) armTimer(interval time.Duration, fn func()) (cancel func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				ticker.Stop()
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return func() { close(done) }
}

// Start loads the initial configuration (if not already loaded), applies
// it, installs the SIGHUP reload handler, and emits a "master started"
// marker on every builder once children are up (§4.6).
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := c.loadAndApply(ctx); err != nil {
		// Start-up that fails to load the initial config logs the failure
		// and proceeds with an empty graph; the operator may retry by
		// signal (§7 propagation policy).
		c.logger.Error("initial configuration load failed, starting with an empty graph", "error", err)
	}

	c.reloader.Start()
	go c.reloadLoop(ctx)

	for _, b := range c.recon.Graph().Builders {
		b.StatusHandle.Notify("master started")
	}

	c.logger.Info("coordinator started", "master_name", c.identity.Name(), "master_incarnation", c.identity.Incarnation())
	return nil
}

// Stop tears down the reload handler and every live component in the
// Reconciler's graph.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.reloader.Stop()
	close(c.stopCh)
	return c.recon.Stop(ctx)
}

func (c *Coordinator) loadAndApply(ctx context.Context) error {
	model, err := c.loader.Load(ctx, "", false)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.caps = model.Caps
	c.mu.Unlock()
	if err := c.recon.Apply(ctx, model); err != nil {
		return err
	}
	c.mu.Lock()
	c.dbPollIntervalSet = model.DBPollInterval > 0
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.reloader.Requests():
			if err := c.loadAndApply(ctx); err != nil {
				c.logger.Error("reconfiguration failed, previous configuration remains active", "error", err)
			}
		}
	}
}
