// Package control implements the Control façade (§4.7): a narrow adapter
// over the Coordinator for external callers that hold only a generic
// "control" capability. It adds no logic of its own; it exists purely to
// decouple callers from the full Coordinator surface.
package control

import (
	"context"
	"fmt"

	"github.com/buildforge/coordinator/internal/coordmodel"
)

// Coordinator is the subset of *coordinator.Coordinator the façade needs.
// Declared locally (rather than importing the coordinator package's
// concrete type) so control has no dependency of its own on the
// Reconciler/ConfigLoader wiring — only on the three entry points §4.7
// names.
type Coordinator interface {
	AddChange(ctx context.Context, change coordmodel.Change) (coordmodel.Change, error)
	AddBuildset(ctx context.Context, buildset coordmodel.Buildset) (int64, error)
	Graph() *coordmodel.LiveGraph
}

// BuilderControl wraps a single Builder for interactive control (force
// build, stop, etc.); it is an external collaborator (§4.7) — Control only
// needs to construct one given a resolved *coordmodel.Builder.
type BuilderControl interface {
	Name() string
}

// BuilderControlFactory builds a BuilderControl over a resolved Builder.
type BuilderControlFactory func(b *coordmodel.Builder) BuilderControl

// Control adapts a Coordinator for callers holding only a generic control
// capability.
type Control struct {
	coordinator Coordinator
	newBuilder  BuilderControlFactory
}

// Wrap returns a Control façade over coordinator ("Control::wrap(coordinator)").
func Wrap(coordinator Coordinator, newBuilder BuilderControlFactory) *Control {
	return &Control{coordinator: coordinator, newBuilder: newBuilder}
}

// AddChange forwards to the Coordinator unchanged; errors surface to the
// caller unchanged (§7 propagation policy).
func (c *Control) AddChange(ctx context.Context, change coordmodel.Change) (coordmodel.Change, error) {
	return c.coordinator.AddChange(ctx, change)
}

// AddBuildset forwards to the Coordinator unchanged.
func (c *Control) AddBuildset(ctx context.Context, buildset coordmodel.Buildset) (int64, error) {
	return c.coordinator.AddBuildset(ctx, buildset)
}

// GetBuilder resolves name against the current LiveGraph and wraps it for
// interactive control.
func (c *Control) GetBuilder(name string) (BuilderControl, error) {
	graph := c.coordinator.Graph()
	b, ok := graph.Builders[name]
	if !ok {
		return nil, fmt.Errorf("control: no such builder %q", name)
	}
	if c.newBuilder == nil {
		return nil, fmt.Errorf("control: no builder-control factory configured")
	}
	return c.newBuilder(b), nil
}
