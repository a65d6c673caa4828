package changepoller

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildforge/coordinator/internal/bus"
	"github.com/buildforge/coordinator/internal/coordmodel"
	"github.com/buildforge/coordinator/internal/db"
	"github.com/buildforge/coordinator/internal/statestore"
)

func newHarness(t *testing.T) (db.Connector, *statestore.StateStore, int64) {
	t.Helper()
	conn, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, conn.Start(context.Background()))
	t.Cleanup(func() { conn.Stop(context.Background()) })

	store := statestore.New(conn, nil)
	objectid, err := store.GetObjectID(context.Background(), coordmodel.MasterClassTag, "host1:/srv/master")
	require.NoError(t, err)
	return conn, store, objectid
}

func insertChange(t *testing.T, conn db.Connector, who string) int64 {
	t.Helper()
	id, err := conn.InsertChange(context.Background(), db.ChangeRecord{
		Who: who, Comments: "c", When: time.Now(),
	})
	require.NoError(t, err)
	return id
}

func TestPoll_EmptyDatabase_NoOp(t *testing.T) {
	conn, store, objectid := newHarness(t)
	changes := bus.New("changes", nil)
	poller := New(conn, store, objectid, changes, nil)

	var delivered []interface{}
	changes.Subscribe(func(e interface{}) { delivered = append(delivered, e) })

	require.NoError(t, poller.Poll(context.Background()))
	require.Empty(t, delivered)
}

func TestPoll_ColdStart_SuppressesHistoricalChanges(t *testing.T) {
	conn, store, objectid := newHarness(t)
	insertChange(t, conn, "alice")
	insertChange(t, conn, "bob")

	changes := bus.New("changes", nil)
	poller := New(conn, store, objectid, changes, nil)

	var delivered []interface{}
	changes.Subscribe(func(e interface{}) { delivered = append(delivered, e) })

	// First-ever poll on a non-empty table must NOT redeliver history: the
	// mark jumps straight to the current tip (§4.3 step 1).
	require.NoError(t, poller.Poll(context.Background()))
	require.Empty(t, delivered)

	// A change arriving after the cold-start poll is delivered normally.
	insertChange(t, conn, "carol")
	require.NoError(t, poller.Poll(context.Background()))
	require.Len(t, delivered, 1)
	require.Equal(t, "carol", delivered[0].(coordmodel.Change).Who)
}

func TestPoll_DeliversInIncreasingOrder(t *testing.T) {
	conn, store, objectid := newHarness(t)

	changes := bus.New("changes", nil)
	poller := New(conn, store, objectid, changes, nil)
	// Persist a mark of 0 ("caught up to nothing"): polling the empty DB
	// would leave the mark unset, and the next poll would be a cold start.
	require.NoError(t, store.SetState(context.Background(), objectid, "last_processed_change", int64(0)))

	insertChange(t, conn, "a")
	insertChange(t, conn, "b")
	insertChange(t, conn, "c")

	var got []int64
	changes.Subscribe(func(e interface{}) { got = append(got, e.(coordmodel.Change).ChangeID) })

	require.NoError(t, poller.Poll(context.Background()))
	require.Equal(t, []int64{1, 2, 3}, got)
}

func TestPoll_PersistsMarkAcrossPollerInstances(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.New(db.Config{Driver: "sqlite", DSN: dir + "/state.sqlite"})
	require.NoError(t, err)
	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop(context.Background())

	store := statestore.New(conn, nil)
	objectid, err := store.GetObjectID(context.Background(), coordmodel.MasterClassTag, "host1:/srv/master")
	require.NoError(t, err)

	insertChange(t, conn, "a")
	insertChange(t, conn, "b")

	changes := bus.New("changes", nil)
	p1 := New(conn, store, objectid, changes, nil)
	require.NoError(t, p1.Poll(context.Background())) // cold start: skips a, b

	insertChange(t, conn, "c")

	// A brand new ChangePoller (e.g. after a restart) reloads the mark
	// from StateStore rather than re-delivering a and b.
	var got []string
	changes.Subscribe(func(e interface{}) { got = append(got, e.(coordmodel.Change).Who) })
	p2 := New(conn, store, objectid, changes, nil)
	require.NoError(t, p2.Poll(context.Background()))

	require.Equal(t, []string{"c"}, got)
}

func TestPoll_NeverDeliversPersistedMarkTwice(t *testing.T) {
	conn, store, objectid := newHarness(t)
	changes := bus.New("changes", nil)
	poller := New(conn, store, objectid, changes, nil)
	require.NoError(t, store.SetState(context.Background(), objectid, "last_processed_change", int64(0)))

	insertChange(t, conn, "a")
	var got []int64
	changes.Subscribe(func(e interface{}) { got = append(got, e.(coordmodel.Change).ChangeID) })
	require.NoError(t, poller.Poll(context.Background()))
	require.NoError(t, poller.Poll(context.Background())) // second poll: nothing new

	require.Equal(t, []int64{1}, got)

	var mark int64
	ok, err := store.GetState(context.Background(), objectid, "last_processed_change", &mark)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), mark)
}

func TestPoll_ReentrancyGuard_SkipsConcurrentInvocation(t *testing.T) {
	conn, store, objectid := newHarness(t)
	changes := bus.New("changes", nil)
	poller := New(conn, store, objectid, changes, nil)
	require.NoError(t, poller.Poll(context.Background()))

	poller.mu.Lock() // simulate an in-flight poll
	err := poller.Poll(context.Background())
	poller.mu.Unlock()

	require.NoError(t, err) // a skipped poll is not an error, just a no-op
}

func TestProperties_ChangeRecordRoundTripsJSON(t *testing.T) {
	raw, err := json.Marshal(map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	c := db.ChangeRecord{ChangeID: 1, Who: "a", Properties: raw, When: time.Now()}
	out := toCoordmodelChange(c)
	require.Equal(t, "v", out.Properties["k"])
}
