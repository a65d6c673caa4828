// Package reconciler implements the Reconciler: given a ConfigModel and
// the current LiveGraph, it performs the fixed, ordered step sequence of
// §4.5 that brings the graph up to date with minimal disruption — adding,
// removing and in-place updating the database connector, slave registry,
// builders, status targets, schedulers, change sources and debug client.
// Any failure aborts the whole sequence and leaves the prior LiveGraph
// untouched (§7: "no partial apply").
package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/buildforge/coordinator/internal/bus"
	"github.com/buildforge/coordinator/internal/coordmodel"
	"github.com/buildforge/coordinator/internal/metrics"
)

// BuildDispatcher is the out-of-scope build-dispatch loop (part of the
// BotMaster builder-runtime, §1) that the Reconciler wakes once per
// successful apply and whenever a buildset is added.
type BuildDispatcher interface {
	Wake()
}

// TimerScheduler arms a recurring callback. Cancel stops it. Used to
// install the ChangePoller timer and the dispatch-wake timer once
// db_poll_interval is configured (§4.5 step 1).
type TimerScheduler func(interval time.Duration, fn func()) (cancel func())

// Deps bundles every external collaborator the Reconciler drives.
// Nil-able fields fall back to a no-op so the Reconciler is usable in
// tests that only exercise a subset of §4.5's steps.
type Deps struct {
	DBFactory        DBFactory
	Workers          WorkerRegistry
	Schedulers       SchedulerRegistry
	ChangeSourceNew  ChangeSourceFactory
	StatusTargetNew  StatusTargetFactory
	StatusHandleNew  StatusHandleFactory
	DebugClient      DebugClient
	RemoteShellNew   RemoteShellFactory
	Dispatcher       BuildDispatcher
	ArmTimer         TimerScheduler

	// PollChanges, when set, is invoked on the db_poll_interval timer
	// alongside the dispatch-wake timer (§4.5 step 1: "once the DB is
	// attached, the ChangePoller is armed, and in multi-master mode
	// scheduled periodically"). The Coordinator supplies this; the
	// Reconciler only owns the timer's lifetime.
	PollChanges func(ctx context.Context)

	WorkerListenerEndpoint string // e.g. "tcp:9989", filled in after ConfigModel.SlavePortnum is known

	Changes     *bus.Bus
	Additions   *bus.Bus
	Completions *bus.Bus

	Logger *slog.Logger
}

// Reconciler applies ConfigModels to a single owned LiveGraph.
type Reconciler struct {
	deps Deps

	mu    sync.Mutex // serialises Apply (§5: reconfiguration's step sequence is total)
	graph *coordmodel.LiveGraph

	db          DBHandle
	dbAttached  bool
	pollCancel  func()
	wakeCancel  func()
	remoteShell RemoteShell
}

// New returns a Reconciler starting from an empty LiveGraph.
func New(deps Deps) *Reconciler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Reconciler{
		deps:  deps,
		graph: coordmodel.NewLiveGraph(),
	}
}

// Graph returns the current live graph. Callers must not mutate it; only
// Apply's step sequence does.
func (r *Reconciler) Graph() *coordmodel.LiveGraph {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graph
}

// DBAttached reports whether step 1 has successfully attached a database.
func (r *Reconciler) DBAttached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dbAttached
}

// DB returns the attached database handle, or nil if step 1 has not run
// yet.
func (r *Reconciler) DB() DBHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db
}

// Stop tears down every live component in dependency-reverse order:
// timers, change sources, status targets, remote shell, and finally the
// database connector.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pollCancel != nil {
		r.pollCancel()
	}
	if r.wakeCancel != nil {
		r.wakeCancel()
	}
	for _, cs := range r.graph.ChangeSources {
		_ = cs.Stop(ctx)
	}
	for _, st := range r.graph.StatusTargets {
		_ = st.Stop(ctx)
	}
	if r.remoteShell != nil {
		_ = r.remoteShell.Stop(ctx)
	}
	if r.db != nil {
		return r.db.Stop(ctx)
	}
	return nil
}

// Apply runs the §4.5 step sequence against model. On success the new
// graph is swapped in atomically and the build-dispatch loop is woken
// once. On failure the prior graph is left untouched and the error is
// returned unchanged (ConfigSchemaError/DatabaseNotReadyError and so on).
func (r *Reconciler) Apply(ctx context.Context, model *coordmodel.ConfigModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	next := r.graph.Clone()

	if err := r.stepDatabase(ctx, model); err != nil {
		metrics.ReconcileTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if err := r.stepSlaves(ctx, model, next); err != nil {
		metrics.ReconcileTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if err := r.stepRemoteShell(ctx, model, next); err != nil {
		metrics.ReconcileTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if err := r.stepBuilders(ctx, model, next); err != nil {
		metrics.ReconcileTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if err := r.stepStatusTargets(ctx, model, next); err != nil {
		metrics.ReconcileTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if err := r.stepSchedulers(ctx, model, next); err != nil {
		metrics.ReconcileTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if err := r.stepChangeSources(ctx, model, next); err != nil {
		metrics.ReconcileTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if err := r.stepDebugClient(ctx, model, next); err != nil {
		metrics.ReconcileTotal.WithLabelValues("rejected").Inc()
		return err
	}

	next.Configured = true
	r.graph = next

	if r.deps.Dispatcher != nil {
		r.deps.Dispatcher.Wake()
	}

	metrics.ReconcileTotal.WithLabelValues("applied").Inc()
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	return nil
}
