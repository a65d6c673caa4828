package reconciler

import (
	"context"

	"github.com/buildforge/coordinator/internal/coordmodel"
)

// pollTimerContext is used by the armed db_poll_interval timer, which
// outlives the context of any single Apply call.
func pollTimerContext() context.Context { return context.Background() }

// stepDatabase is §4.5 step 1. On first load it constructs and starts the
// DB connector, verifies schema currency, subscribes the dispatch wake to
// the buildset-additions bus, and — if db_poll_interval is set — arms the
// ChangePoller and dispatch-wake timers. Later applies are
// no-ops here: db_url/db_poll_interval are write-once, enforced already by
// the ConfigLoader, so there is never a second database to attach.
func (r *Reconciler) stepDatabase(ctx context.Context, model *coordmodel.ConfigModel) error {
	if r.dbAttached {
		return nil
	}
	if r.deps.DBFactory == nil {
		return nil
	}

	handle, err := r.deps.DBFactory(ctx, model.DBURL)
	if err != nil {
		return err
	}
	if err := handle.Start(ctx); err != nil {
		return err
	}

	current, err := handle.IsCurrent(ctx)
	if err != nil {
		_ = handle.Stop(ctx)
		return err
	}
	if !current {
		_ = handle.Stop(ctx)
		return &coordmodel.DatabaseNotReadyError{}
	}

	r.db = handle
	r.dbAttached = true

	if r.deps.Additions != nil && r.deps.Dispatcher != nil {
		r.deps.Additions.Subscribe(func(interface{}) { r.deps.Dispatcher.Wake() })
	}

	if model.DBPollInterval > 0 && r.deps.ArmTimer != nil {
		if r.deps.PollChanges != nil {
			r.pollCancel = r.deps.ArmTimer(model.DBPollInterval, func() {
				r.deps.PollChanges(pollTimerContext())
			})
		}
		r.wakeCancel = r.deps.ArmTimer(model.DBPollInterval, func() {
			if r.deps.Dispatcher != nil {
				r.deps.Dispatcher.Wake()
			}
		})
	}

	return nil
}

// stepSlaves is §4.5 step 2: delegate to the worker registry.
func (r *Reconciler) stepSlaves(ctx context.Context, model *coordmodel.ConfigModel, next *coordmodel.LiveGraph) error {
	if r.deps.Workers == nil {
		return nil
	}
	slaves, err := r.deps.Workers.ReconcileSlaves(ctx, model.Slaves)
	if err != nil {
		return err
	}
	m := make(map[string]coordmodel.Slave, len(slaves))
	for _, s := range slaves {
		m[s.Name()] = s
	}
	next.Slaves = m
	return nil
}

// stepRemoteShell is §4.5 step 3: if the spec changed, detach the old
// service before attaching the new one.
func (r *Reconciler) stepRemoteShell(ctx context.Context, model *coordmodel.ConfigModel, next *coordmodel.LiveGraph) error {
	changed := !remoteShellEqual(next.RemoteShellSpec, model.RemoteShell)
	if !changed {
		return nil
	}

	if r.remoteShell != nil {
		if err := r.remoteShell.Stop(ctx); err != nil {
			return err
		}
		r.remoteShell = nil
	}

	next.RemoteShellSpec = model.RemoteShell
	if model.RemoteShell == nil || r.deps.RemoteShellNew == nil {
		return nil
	}

	shell, err := r.deps.RemoteShellNew(*model.RemoteShell)
	if err != nil {
		return err
	}
	if err := shell.Start(ctx); err != nil {
		return err
	}
	r.remoteShell = shell
	return nil
}

func remoteShellEqual(a, b *coordmodel.RemoteShellSpec) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

// stepStatusTargets is §4.5 step 5: remove targets no longer declared
// (awaiting their detachment) before attaching newly declared ones.
func (r *Reconciler) stepStatusTargets(ctx context.Context, model *coordmodel.ConfigModel, next *coordmodel.LiveGraph) error {
	wanted := make(map[string]coordmodel.StatusTargetSpec, len(model.StatusTargets))
	for _, s := range model.StatusTargets {
		wanted[s.Name] = s
	}

	for name, target := range next.StatusTargets {
		if _, ok := wanted[name]; !ok {
			if err := target.Stop(ctx); err != nil {
				return err
			}
			delete(next.StatusTargets, name)
		}
	}

	if r.deps.StatusTargetNew == nil {
		return nil
	}
	for name, spec := range wanted {
		if _, ok := next.StatusTargets[name]; ok {
			continue
		}
		target, err := r.deps.StatusTargetNew(spec)
		if err != nil {
			return err
		}
		if err := target.Start(ctx); err != nil {
			return err
		}
		next.StatusTargets[name] = target
	}
	return nil
}

// stepSchedulers is §4.5 step 6: delegate to the scheduler registry, which
// performs its own add/remove/update diff.
func (r *Reconciler) stepSchedulers(ctx context.Context, model *coordmodel.ConfigModel, next *coordmodel.LiveGraph) error {
	if r.deps.Schedulers == nil {
		return nil
	}
	schedulers, err := r.deps.Schedulers.Reconcile(ctx, model.Schedulers)
	if err != nil {
		return err
	}
	next.Schedulers = schedulers
	return nil
}

// stepChangeSources is §4.5 step 7: symmetric difference against the
// current set; removals complete before additions begin.
func (r *Reconciler) stepChangeSources(ctx context.Context, model *coordmodel.ConfigModel, next *coordmodel.LiveGraph) error {
	wanted := make(map[string]coordmodel.ChangeSourceSpec, len(model.ChangeSources))
	for _, c := range model.ChangeSources {
		wanted[c.Name] = c
	}

	for name, cs := range next.ChangeSources {
		if _, ok := wanted[name]; !ok {
			if err := cs.Stop(ctx); err != nil {
				return err
			}
			delete(next.ChangeSources, name)
		}
	}

	if r.deps.ChangeSourceNew == nil {
		return nil
	}
	for name, spec := range wanted {
		if _, ok := next.ChangeSources[name]; ok {
			continue
		}
		cs, err := r.deps.ChangeSourceNew(spec)
		if err != nil {
			return err
		}
		if err := cs.Start(ctx); err != nil {
			return err
		}
		next.ChangeSources[name] = cs
	}
	return nil
}

// stepDebugClient is §4.5 step 8: unregister the old credential (if any),
// then register the new one against the worker-listener port.
func (r *Reconciler) stepDebugClient(ctx context.Context, model *coordmodel.ConfigModel, next *coordmodel.LiveGraph) error {
	if r.deps.DebugClient == nil {
		next.DebugPassword = model.DebugPassword
		return nil
	}
	if next.DebugPassword != "" {
		if err := r.deps.DebugClient.Unregister(ctx); err != nil {
			return err
		}
	}
	if model.DebugPassword != "" {
		if err := r.deps.DebugClient.Register(ctx, model.DebugPassword, r.deps.WorkerListenerEndpoint); err != nil {
			return err
		}
	}
	next.DebugPassword = model.DebugPassword
	return nil
}
