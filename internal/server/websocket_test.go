package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchtower-go/internal/events"
	"watchtower-go/internal/registry"
)

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event events.Event
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func TestWebSocketConnectionLifecycle(t *testing.T) {
	srv, ts := newTestServer(t)

	conn := dialWS(t, ts, "")
	require.Eventually(t, func() bool {
		return srv.wsManager.GetActiveConnections() == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return srv.wsManager.GetActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketBroadcastsStatusUpdate(t *testing.T) {
	srv, ts := newTestServer(t)

	conn := dialWS(t, ts, "")
	require.Eventually(t, func() bool {
		return srv.wsManager.GetActiveConnections() == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := srv.Engine().Dispatch("worker-02", "restartService")
	require.NoError(t, err)

	// The dispatch acknowledgment is not pushed; the first frame the
	// client sees is the resolved status update.
	event := readEvent(t, conn)
	assert.Equal(t, events.StatusUpdate, event.Type)
	assert.Equal(t, "worker-02", event.ServerID)
	require.NotNil(t, event.Entity)
	assert.Equal(t, registry.ServiceRunning, event.Entity.ServiceStatus)
}

func TestWebSocketBroadcastsActionFailure(t *testing.T) {
	srv, ts := newTestServer(t)

	conn := dialWS(t, ts, "")
	require.Eventually(t, func() bool {
		return srv.wsManager.GetActiveConnections() == 1
	}, 2*time.Second, 10*time.Millisecond)

	ack, err := srv.Engine().Dispatch("webapi-01", "purgeEverything")
	require.NoError(t, err)

	event := readEvent(t, conn)
	assert.Equal(t, events.ActionFailure, event.Type)
	assert.Equal(t, "webapi-01", event.ServerID)
	assert.Equal(t, ack.ActionID, event.ActionID)
	assert.Contains(t, event.Message, "purgeEverything")
}

func TestWebSocketServerFilter(t *testing.T) {
	srv, ts := newTestServer(t)

	conn := dialWS(t, ts, "?server=webapi-02")
	require.Eventually(t, func() bool {
		return srv.wsManager.GetActiveConnections() == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := srv.Engine().Dispatch("worker-01", "stopService")
	require.NoError(t, err)
	_, err = srv.Engine().Dispatch("webapi-02", "restartServer")
	require.NoError(t, err)

	// Only the filtered server's event comes through.
	event := readEvent(t, conn)
	assert.Equal(t, "webapi-02", event.ServerID)
}

func TestWebSocketConnectAfterStop(t *testing.T) {
	srv, ts := newTestServer(t)

	srv.wsManager.Stop()

	// The upgrade still happens, but the connection is dropped instead of
	// blocking on a registration nobody will accept.
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, srv.wsManager.GetActiveConnections())
}

func TestWebSocketMultipleClients(t *testing.T) {
	srv, ts := newTestServer(t)

	first := dialWS(t, ts, "")
	second := dialWS(t, ts, "")
	require.Eventually(t, func() bool {
		return srv.wsManager.GetActiveConnections() == 2
	}, 2*time.Second, 10*time.Millisecond)

	_, err := srv.Engine().Dispatch("lighthouse-01", "stopServer")
	require.NoError(t, err)

	for _, conn := range []*websocket.Conn{first, second} {
		event := readEvent(t, conn)
		assert.Equal(t, events.StatusUpdate, event.Type)
		assert.Equal(t, "lighthouse-01", event.ServerID)
	}
}
