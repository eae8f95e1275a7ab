package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"watchtower-go/internal/config"
	"watchtower-go/internal/events"
	"watchtower-go/internal/registry"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ActionDelay = config.Duration(10 * time.Millisecond)

	srv, err := NewServer(cfg, zap.NewNop())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestServersAPI(t *testing.T) {
	_, ts := newTestServer(t)

	var body struct {
		Servers []*registry.ServerEntity `json:"servers"`
	}
	resp := getJSON(t, ts.URL+"/api/servers", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Len(t, body.Servers, 6)
	assert.Equal(t, "webapi-01", body.Servers[0].ID)
	assert.Equal(t, "lighthouse-01", body.Servers[5].ID)
}

func TestServersByCategoryAPI(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		slug  string
		count int
	}{
		{"webapi", 3},
		{"worker", 2},
		{"lighthouse", 1},
		{"all", 6},
	}

	for _, tc := range tests {
		t.Run(tc.slug, func(t *testing.T) {
			var body struct {
				Servers []*registry.ServerEntity `json:"servers"`
			}
			resp := getJSON(t, ts.URL+"/api/servers/"+tc.slug, &body)

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Len(t, body.Servers, tc.count)
		})
	}
}

func TestServersByCategoryAPI_Unknown(t *testing.T) {
	_, ts := newTestServer(t)

	resp := getJSON(t, ts.URL+"/api/servers/database", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func postAction(t *testing.T, ts *httptest.Server, id, actionType string) (*http.Response, ActionResponse) {
	t.Helper()

	payload, err := json.Marshal(ActionRequest{ID: id, ActionType: actionType})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/servers/action", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	var ack ActionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	return resp, ack
}

func TestServerActionAPI_Accepted(t *testing.T) {
	srv, ts := newTestServer(t)

	updates := srv.EventBus().Subscribe(events.StatusUpdate)

	resp, ack := postAction(t, ts, "worker-02", "restartService")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, ack.ActionID)
	assert.Contains(t, ack.Message, "worker-02")

	// Status must not change synchronously with the acknowledgment.
	entity, err := srv.Registry().FindByID("worker-02")
	require.NoError(t, err)
	assert.Equal(t, registry.ServiceDown, entity.ServiceStatus)

	select {
	case event := <-updates:
		require.NotNil(t, event.Entity)
		assert.Equal(t, "worker-02", event.ServerID)
		assert.Equal(t, registry.ServiceRunning, event.Entity.ServiceStatus)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status update broadcast")
	}
}

func TestServerActionAPI_UnrecognizedActionFailsAsync(t *testing.T) {
	srv, ts := newTestServer(t)

	failures := srv.EventBus().Subscribe(events.ActionFailure)

	// An action type the engine does not know is still accepted at the
	// HTTP boundary and only surfaces later as a failure broadcast.
	resp, _ := postAction(t, ts, "webapi-03", "bogusAction")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case event := <-failures:
		assert.Equal(t, "webapi-03", event.ServerID)
		assert.Contains(t, event.Message, "bogusAction")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure broadcast")
	}

	entity, err := srv.Registry().FindByID("webapi-03")
	require.NoError(t, err)
	assert.Equal(t, registry.ServerRunning, entity.ServerStatus)
}

func TestServerActionAPI_UnknownServer(t *testing.T) {
	_, ts := newTestServer(t)

	resp, ack := postAction(t, ts, "no-such-server", "startServer")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, ack.Message, "no-such-server")
}

func TestServerActionAPI_BadRequest(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/servers/action", "application/json", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, ack := postAction(t, ts, "", "startServer")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, ack.Message, "required")
}

func TestServerActionAPI_MethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t)

	resp := getJSON(t, ts.URL+"/api/servers/action", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHistoryAPI(t *testing.T) {
	srv, ts := newTestServer(t)

	updates := srv.EventBus().Subscribe(events.StatusUpdate)
	postAction(t, ts, "webapi-01", "restartServer")

	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for action to resolve")
	}

	var body struct {
		Actions []json.RawMessage `json:"actions"`
	}
	require.Eventually(t, func() bool {
		resp := getJSON(t, ts.URL+"/api/history", &body)
		return resp.StatusCode == http.StatusOK && len(body.Actions) >= 2
	}, 2*time.Second, 20*time.Millisecond, "expected dispatched and completed records")
}

func TestHistorySearchAPI_RequiresQuery(t *testing.T) {
	_, ts := newTestServer(t)

	resp := getJSON(t, ts.URL+"/api/history/search", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFundEligibilityAPI(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.fundsEvaluator.SetLatency(0)

	var body struct {
		Status string `json:"status"`
	}
	resp := getJSON(t, fmt.Sprintf("%s/api/funds/eligibility?fund=%s&env=%s", ts.URL, "growth", "prod"), &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Eligible", body.Status)

	resp = getJSON(t, ts.URL+"/api/funds/eligibility?fund=growth", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKVAPI(t *testing.T) {
	_, ts := newTestServer(t)

	var keys struct {
		Keys []string `json:"keys"`
	}
	resp := getJSON(t, ts.URL+"/api/kv/keys?env=dev&pattern=session:*", &keys)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, keys.Keys, 2)

	var value struct {
		Value string `json:"value"`
	}
	resp = getJSON(t, ts.URL+"/api/kv/value?env=dev&key=config:maintenance", &value)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "off", value.Value)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/kv/value?env=dev&key=config:maintenance", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)

	resp = getJSON(t, ts.URL+"/api/kv/value?env=dev&key=config:maintenance", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = getJSON(t, ts.URL+"/api/kv/keys?env=staging", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConfigReloadDuringRequests(t *testing.T) {
	srv, ts := newTestServer(t)

	// Hammer the reloadable settings while the history and action
	// endpoints read them; run with -race to catch unsynchronized access.
	dataDir := srv.config.DataDir
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			next := config.DefaultConfig()
			next.DataDir = dataDir
			next.ActionDelay = config.Duration(10 * time.Millisecond)
			next.HistoryLimit = i%20 + 1
			assert.NoError(t, srv.ApplyConfig(next))
		}
	}()

	for i := 0; i < 50; i++ {
		resp := getJSON(t, ts.URL+"/api/history", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	<-done
}

func TestServerActionAPI_ReadOnlyMode(t *testing.T) {
	srv, ts := newTestServer(t)

	next := config.DefaultConfig()
	next.DataDir = srv.config.DataDir
	next.ActionDelay = config.Duration(10 * time.Millisecond)
	next.ReadOnlyMode = true
	require.NoError(t, srv.ApplyConfig(next))

	resp, ack := postAction(t, ts, "webapi-01", "restartServer")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, ack.Message, "read-only")
}

func TestStatusAPI(t *testing.T) {
	_, ts := newTestServer(t)

	resp := getJSON(t, ts.URL+"/api/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
