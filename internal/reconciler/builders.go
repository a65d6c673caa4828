package reconciler

import (
	"context"

	"github.com/buildforge/coordinator/internal/coordmodel"
)

// stepBuilders is §4.5 step 4, the three-way diff described in §4.5.1:
// builders present only in the live graph are removed (with a status
// notification); builders new to the model are created fresh; builders
// present in both but changed are replaced in place over the *same*
// status handle so historical visibility survives
// ("consumeTheSoulOfYourPredecessor"); unchanged builders are left alone.
// Whenever anything changed, the worker registry is handed the full
// ordered builder list to refresh its view.
func (r *Reconciler) stepBuilders(ctx context.Context, model *coordmodel.ConfigModel, next *coordmodel.LiveGraph) error {
	wanted := make(map[string]coordmodel.BuilderSpec, len(model.Builders))
	order := make([]string, 0, len(model.Builders))
	for _, b := range model.Builders {
		wanted[b.Name] = b
		order = append(order, b.Name)
	}

	changed := false

	for name, b := range next.Builders {
		if _, ok := wanted[name]; !ok {
			b.StatusHandle.Notify("removed")
			delete(next.Builders, name)
			changed = true
		}
	}

	for _, name := range order {
		spec := wanted[name]
		old, existed := next.Builders[name]

		switch {
		case !existed:
			handle := r.newStatusHandle(name, spec)
			next.Builders[name] = &coordmodel.Builder{Spec: spec, StatusHandle: handle}
			changed = true

		case old.Spec.CompareToSetup(spec):
			replacement := &coordmodel.Builder{Spec: spec}
			replacement.TransferState(old)
			next.Builders[name] = replacement
			changed = true

		default:
			// Unchanged: leave in place, but spec may still carry fresh
			// horizons the caller wants applied below regardless of
			// change (§4.5.1: "independently of change, invoke per-
			// builder status re-initialisation").
		}
	}

	for _, b := range next.Builders {
		b.StatusHandle.Reinit(b.Spec.Horizons)
	}

	if changed && r.deps.Workers != nil {
		ordered := make([]*coordmodel.Builder, 0, len(order))
		for _, name := range order {
			ordered = append(ordered, next.Builders[name])
		}
		if err := r.deps.Workers.RefreshBuilders(ctx, ordered); err != nil {
			return err
		}
	}

	return nil
}

func (r *Reconciler) newStatusHandle(name string, spec coordmodel.BuilderSpec) coordmodel.StatusHandle {
	if r.deps.StatusHandleNew != nil {
		return r.deps.StatusHandleNew(name, spec.BuildDir, spec.Category)
	}
	return noopStatusHandle{name: name, basedir: spec.BuildDir, category: spec.Category}
}

// noopStatusHandle is the fallback StatusHandle used when no factory is
// configured (e.g. minimal reconciler tests exercising only the diff
// logic, not status reporting).
type noopStatusHandle struct {
	name, basedir, category string
}

func (n noopStatusHandle) BuilderName() string         { return n.name }
func (n noopStatusHandle) BaseDir() string             { return n.basedir }
func (n noopStatusHandle) Category() string            { return n.category }
func (n noopStatusHandle) Reinit(_ coordmodel.Horizons) {}
func (n noopStatusHandle) Notify(_ string)              {}
