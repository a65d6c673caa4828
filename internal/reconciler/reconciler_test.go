package reconciler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildforge/coordinator/internal/coordmodel"
)

type fakeDBHandle struct {
	current bool
	started bool
	stopped bool
}

func (f *fakeDBHandle) Start(ctx context.Context) error { f.started = true; return nil }
func (f *fakeDBHandle) Stop(ctx context.Context) error  { f.stopped = true; return nil }
func (f *fakeDBHandle) IsCurrent(ctx context.Context) (bool, error) {
	return f.current, nil
}

type fakeWorkers struct {
	slaves          []coordmodel.SlaveSpec
	refreshedCalls  int
	lastRefreshList []*coordmodel.Builder
}

func (w *fakeWorkers) SetIdentity(masterName, masterIncarnation string) {}

func (w *fakeWorkers) ReconcileSlaves(ctx context.Context, specs []coordmodel.SlaveSpec) ([]coordmodel.Slave, error) {
	w.slaves = specs
	return nil, nil
}

func (w *fakeWorkers) RefreshBuilders(ctx context.Context, builders []*coordmodel.Builder) error {
	w.refreshedCalls++
	w.lastRefreshList = builders
	return nil
}

func minimalModel(builders ...coordmodel.BuilderSpec) *coordmodel.ConfigModel {
	return &coordmodel.ConfigModel{
		ProjectName: "proj",
		Builders:    builders,
		DBURL:       "sqlite::memory:",
	}
}

func newTestReconciler(workers *fakeWorkers) *Reconciler {
	return New(Deps{
		DBFactory: func(ctx context.Context, dbURL string) (DBHandle, error) {
			return &fakeDBHandle{current: true}, nil
		},
		Workers: workers,
		StatusHandleNew: func(builderName, basedir, category string) coordmodel.StatusHandle {
			return &recordingStatusHandle{name: builderName, basedir: basedir, category: category}
		},
	})
}

type recordingStatusHandle struct {
	name, basedir, category string
	horizons                coordmodel.Horizons
	markers                 []string
}

func (h *recordingStatusHandle) BuilderName() string { return h.name }
func (h *recordingStatusHandle) BaseDir() string     { return h.basedir }
func (h *recordingStatusHandle) Category() string    { return h.category }
func (h *recordingStatusHandle) Reinit(horizons coordmodel.Horizons) {
	h.horizons = horizons
}
func (h *recordingStatusHandle) Notify(marker string) {
	h.markers = append(h.markers, marker)
}

func TestApply_FirstLoad_AttachesDatabase(t *testing.T) {
	r := newTestReconciler(&fakeWorkers{})
	require.NoError(t, r.Apply(context.Background(), minimalModel()))
	require.True(t, r.DBAttached())
	require.True(t, r.Graph().Configured)
}

func TestApply_DatabaseNotCurrent_RejectsAndLeavesGraphUntouched(t *testing.T) {
	r := New(Deps{
		DBFactory: func(ctx context.Context, dbURL string) (DBHandle, error) {
			return &fakeDBHandle{current: false}, nil
		},
	})
	before := r.Graph()
	err := r.Apply(context.Background(), minimalModel())
	require.Error(t, err)
	var notReady *coordmodel.DatabaseNotReadyError
	require.ErrorAs(t, err, &notReady)
	require.Same(t, before, r.Graph())
	require.False(t, r.DBAttached())
}

func TestApply_AddsNewBuilder(t *testing.T) {
	workers := &fakeWorkers{}
	r := newTestReconciler(workers)

	spec := coordmodel.BuilderSpec{Name: "b1", BuildDir: "b1", Category: "default"}
	require.NoError(t, r.Apply(context.Background(), minimalModel(spec)))

	graph := r.Graph()
	require.Contains(t, graph.Builders, "b1")
	require.Equal(t, 1, workers.refreshedCalls)
	require.Len(t, workers.lastRefreshList, 1)
}

func TestApply_RemovesUndeclaredBuilder_NotifiesStatusHandle(t *testing.T) {
	workers := &fakeWorkers{}
	r := newTestReconciler(workers)

	spec := coordmodel.BuilderSpec{Name: "b1", BuildDir: "b1"}
	require.NoError(t, r.Apply(context.Background(), minimalModel(spec)))

	handle := r.Graph().Builders["b1"].StatusHandle.(*recordingStatusHandle)

	require.NoError(t, r.Apply(context.Background(), minimalModel()))
	require.NotContains(t, r.Graph().Builders, "b1")
	require.Contains(t, handle.markers, "removed")
}

func TestApply_UnchangedBuilder_KeepsSameStatusHandleIdentity(t *testing.T) {
	workers := &fakeWorkers{}
	r := newTestReconciler(workers)

	spec := coordmodel.BuilderSpec{Name: "b1", BuildDir: "b1", Category: "default"}
	require.NoError(t, r.Apply(context.Background(), minimalModel(spec)))
	handleBefore := r.Graph().Builders["b1"].StatusHandle

	// Re-apply the identical model: the scheduler diff and other steps are
	// no-ops, and the builder step must leave the handle untouched.
	require.NoError(t, r.Apply(context.Background(), minimalModel(spec)))
	handleAfter := r.Graph().Builders["b1"].StatusHandle

	require.Same(t, handleBefore, handleAfter)
}

func TestApply_ChangedBuilderSpec_ReplacesInPlaceOverSameHandle(t *testing.T) {
	workers := &fakeWorkers{}
	r := newTestReconciler(workers)

	spec := coordmodel.BuilderSpec{Name: "b1", BuildDir: "b1", Category: "default"}
	require.NoError(t, r.Apply(context.Background(), minimalModel(spec)))
	handleBefore := r.Graph().Builders["b1"].StatusHandle

	changed := spec
	changed.BuildDir = "b1-relocated"
	require.NoError(t, r.Apply(context.Background(), minimalModel(changed)))

	builder := r.Graph().Builders["b1"]
	require.Same(t, handleBefore, builder.StatusHandle)
	require.Equal(t, "b1-relocated", builder.Spec.BuildDir)
	require.Contains(t, handleBefore.(*recordingStatusHandle).markers, "config updated")
}

func TestApply_RejectedStep_DoesNotPartiallyMutateGraph(t *testing.T) {
	workers := &fakeWorkers{}
	r := newTestReconciler(workers)

	spec := coordmodel.BuilderSpec{Name: "b1", BuildDir: "b1"}
	require.NoError(t, r.Apply(context.Background(), minimalModel(spec)))

	// A second DBFactory call never happens (db_url write-once), but if the
	// scheduler registry were to fail, the builder additions staged in
	// `next` during that same Apply must not leak into the live graph.
	schedulers := &toggledSchedulerRegistry{}
	r2 := New(Deps{
		DBFactory: func(ctx context.Context, dbURL string) (DBHandle, error) {
			return &fakeDBHandle{current: true}, nil
		},
		Workers:    workers,
		Schedulers: schedulers,
	})
	require.NoError(t, r2.Apply(context.Background(), minimalModel()))
	before := r2.Graph()

	schedulers.fail = true
	err := r2.Apply(context.Background(), minimalModel(spec))
	require.Error(t, err)
	require.Same(t, before, r2.Graph())
	require.NotContains(t, r2.Graph().Builders, "b1")
}

type toggledSchedulerRegistry struct {
	fail bool
}

func (s *toggledSchedulerRegistry) Reconcile(ctx context.Context, specs []coordmodel.SchedulerSpec) (map[string]coordmodel.Scheduler, error) {
	if s.fail {
		return nil, errSchedulerUnavailable
	}
	return map[string]coordmodel.Scheduler{}, nil
}

var errSchedulerUnavailable = errTest("scheduler registry unavailable")

type errTest string

func (e errTest) Error() string { return string(e) }
