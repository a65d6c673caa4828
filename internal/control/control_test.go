package control

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildforge/coordinator/internal/coordmodel"
)

type fakeCoordinator struct {
	changeCalled   bool
	buildsetCalled bool
	graph          *coordmodel.LiveGraph
}

func (f *fakeCoordinator) AddChange(ctx context.Context, change coordmodel.Change) (coordmodel.Change, error) {
	f.changeCalled = true
	return change, nil
}

func (f *fakeCoordinator) AddBuildset(ctx context.Context, buildset coordmodel.Buildset) (int64, error) {
	f.buildsetCalled = true
	return 42, nil
}

func (f *fakeCoordinator) Graph() *coordmodel.LiveGraph { return f.graph }

type fakeBuilderControl struct{ name string }

func (f fakeBuilderControl) Name() string { return f.name }

func TestControl_AddChange_ForwardsToCoordinator(t *testing.T) {
	coord := &fakeCoordinator{}
	c := Wrap(coord, nil)
	_, err := c.AddChange(context.Background(), coordmodel.Change{Who: "alice"})
	require.NoError(t, err)
	require.True(t, coord.changeCalled)
}

func TestControl_AddBuildset_ForwardsToCoordinator(t *testing.T) {
	coord := &fakeCoordinator{}
	c := Wrap(coord, nil)
	bsid, err := c.AddBuildset(context.Background(), coordmodel.Buildset{Reason: "r"})
	require.NoError(t, err)
	require.Equal(t, int64(42), bsid)
	require.True(t, coord.buildsetCalled)
}

func TestControl_GetBuilder_ResolvesFromGraph(t *testing.T) {
	graph := coordmodel.NewLiveGraph()
	graph.Builders["b1"] = &coordmodel.Builder{Spec: coordmodel.BuilderSpec{Name: "b1"}}
	coord := &fakeCoordinator{graph: graph}
	c := Wrap(coord, func(b *coordmodel.Builder) BuilderControl {
		return fakeBuilderControl{name: b.Spec.Name}
	})

	bc, err := c.GetBuilder("b1")
	require.NoError(t, err)
	require.Equal(t, "b1", bc.Name())
}

func TestControl_GetBuilder_UnknownName_ReturnsError(t *testing.T) {
	coord := &fakeCoordinator{graph: coordmodel.NewLiveGraph()}
	c := Wrap(coord, func(b *coordmodel.Builder) BuilderControl { return fakeBuilderControl{} })

	_, err := c.GetBuilder("missing")
	require.Error(t, err)
}
