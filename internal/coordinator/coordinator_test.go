package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildforge/coordinator/internal/coordmodel"
)

const minimalArtifact = `
slavePortnum: 9989
slaves:
  - name: s1
builders:
  - name: b1
    slavenames: [s1]
schedulers:
  - name: all
    builders: [b1]
`

func writeArtifact(t *testing.T, dir, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "master.cfg"), []byte(contents), 0o644))
}

type fakeWorkers struct{ identitySet bool }

func (w *fakeWorkers) SetIdentity(masterName, masterIncarnation string) { w.identitySet = true }
func (w *fakeWorkers) ReconcileSlaves(ctx context.Context, specs []coordmodel.SlaveSpec) ([]coordmodel.Slave, error) {
	return nil, nil
}
func (w *fakeWorkers) RefreshBuilders(ctx context.Context, builders []*coordmodel.Builder) error {
	return nil
}

func TestNew_ComputesIdentityAndPropagatesToWorkers(t *testing.T) {
	dir := t.TempDir()
	workers := &fakeWorkers{}
	c, err := New(dir, Options{Workers: workers})
	require.NoError(t, err)
	require.True(t, workers.identitySet)
	require.Contains(t, c.Identity().Name(), dir)
	require.Contains(t, c.Identity().Incarnation(), "pid")
}

func TestStart_LoadsConfigAndAttachesDatabase(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.sqlite")
	writeArtifact(t, dir, minimalArtifact+"\ndb_url: sqlite:///"+dbPath+"\n")

	c, err := New(dir, Options{Workers: &fakeWorkers{}})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	require.Contains(t, c.Graph().Builders, "b1")
	require.NotNil(t, c.dbConn)
}

func TestStart_BadConfig_ProceedsWithEmptyGraph(t *testing.T) {
	dir := t.TempDir()
	// No master.cfg at all: Load fails, Start must not error.
	c, err := New(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	require.Empty(t, c.Graph().Builders)
}

func TestAddChange_WritesAndDelivers(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.sqlite")
	writeArtifact(t, dir, minimalArtifact+"\ndb_url: sqlite:///"+dbPath+"\n")

	c, err := New(dir, Options{Workers: &fakeWorkers{}})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	var got []interface{}
	c.SubscribeToChanges(func(e interface{}) { got = append(got, e) })

	change, err := c.AddChange(context.Background(), coordmodel.Change{Who: "alice", Comments: "c"})
	require.NoError(t, err)
	require.NotZero(t, change.ChangeID)
	require.Len(t, got, 1)
	require.Equal(t, "alice", got[0].(coordmodel.Change).Who)
}

func TestAddChange_NoDatabase_ReturnsErrNoDatabase(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	_, err = c.AddChange(context.Background(), coordmodel.Change{Who: "alice"})
	require.ErrorIs(t, err, ErrNoDatabase)
}

func TestAddBuildset_WritesAndDelivers(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.sqlite")
	writeArtifact(t, dir, minimalArtifact+"\ndb_url: sqlite:///"+dbPath+"\n")

	c, err := New(dir, Options{Workers: &fakeWorkers{}})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	var got []interface{}
	c.SubscribeToBuildsets(func(e interface{}) { got = append(got, e) })

	bsid, err := c.AddBuildset(context.Background(), coordmodel.Buildset{Reason: "force build", Builders: []string{"b1"}})
	require.NoError(t, err)
	require.NotZero(t, bsid)
	require.Len(t, got, 1)
}

func TestBuildsetComplete_DeliversLocally(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.sqlite")
	writeArtifact(t, dir, minimalArtifact+"\ndb_url: sqlite:///"+dbPath+"\n")

	c, err := New(dir, Options{Workers: &fakeWorkers{}})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	bsid, err := c.AddBuildset(context.Background(), coordmodel.Buildset{Reason: "r", Builders: []string{"b1"}})
	require.NoError(t, err)

	var got coordmodel.BuildsetCompletion
	c.SubscribeToBuildsetCompletions(func(e interface{}) { got = e.(coordmodel.BuildsetCompletion) })

	require.NoError(t, c.BuildsetComplete(context.Background(), bsid, 0))
	require.Equal(t, bsid, got.BSID)
}

func TestStart_EmitsMasterStartedMarkerOnBuilders(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.sqlite")
	writeArtifact(t, dir, minimalArtifact+"\ndb_url: sqlite:///"+dbPath+"\n")

	handle := &recordingHandle{}
	c, err := New(dir, Options{
		Workers:         &fakeWorkers{},
		StatusHandleNew: func(builderName, basedir, category string) coordmodel.StatusHandle { return handle },
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	require.Contains(t, handle.markers, "master started")
}

type recordingHandle struct {
	markers []string
}

func (h *recordingHandle) BuilderName() string          { return "b1" }
func (h *recordingHandle) BaseDir() string              { return "b1" }
func (h *recordingHandle) Category() string             { return "" }
func (h *recordingHandle) Reinit(_ coordmodel.Horizons) {}
func (h *recordingHandle) Notify(marker string)         { h.markers = append(h.markers, marker) }

func TestArmTimer_CancelStopsCallbacks(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, Options{})
	require.NoError(t, err)

	calls := 0
	cancel := c.armTimer(10*time.Millisecond, func() { calls++ })
	time.Sleep(35 * time.Millisecond)
	cancel()
	stoppedAt := calls
	time.Sleep(35 * time.Millisecond)
	require.Equal(t, stoppedAt, calls)
	require.GreaterOrEqual(t, stoppedAt, 2)
}
