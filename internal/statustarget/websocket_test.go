package statustarget

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/buildforge/coordinator/internal/bus"
)

func TestWebSocketTarget_BroadcastsChangeEvent(t *testing.T) {
	changes := bus.New("changes", nil)
	additions := bus.New("buildset_additions", nil)
	completions := bus.New("buildset_completion", nil)

	target := New("dashboard", "127.0.0.1:0", changes, additions, completions, nil)
	require.NoError(t, target.Start(context.Background()))
	defer target.Stop(context.Background())

	addr := target.listener.Addr().String()
	url := "ws://" + addr + "/ws/status"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server a moment to register the client before publishing.
	time.Sleep(20 * time.Millisecond)
	changes.Deliver(map[string]interface{}{"changeid": 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got StatusEvent
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "change", got.Kind)
}

func TestWebSocketTarget_FilteredRouteIgnoresOtherKinds(t *testing.T) {
	changes := bus.New("changes", nil)
	additions := bus.New("buildset_additions", nil)
	completions := bus.New("buildset_completion", nil)

	target := New("dashboard", "127.0.0.1:0", changes, additions, completions, nil)
	require.NoError(t, target.Start(context.Background()))
	defer target.Stop(context.Background())

	addr := target.listener.Addr().String()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws/status/buildset_addition", nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	changes.Deliver(map[string]interface{}{"changeid": 1})
	additions.Deliver(map[string]interface{}{"bsid": 2})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got StatusEvent
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "buildset_addition", got.Kind)
}

func TestWebSocketTarget_NameAndKind(t *testing.T) {
	target := New("dashboard", "127.0.0.1:0", bus.New("c", nil), bus.New("a", nil), bus.New("b", nil), nil)
	require.Equal(t, "dashboard", target.Name())
	require.Equal(t, "websocket", target.Kind())
}
