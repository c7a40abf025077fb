package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/atlas/internal/cluster"
	"github.com/dreamware/atlas/internal/config"
	"github.com/dreamware/atlas/internal/dispatch"
	"github.com/dreamware/atlas/internal/registry"
	"github.com/dreamware/atlas/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Dispatch.DaemonName = cfg.Daemon
	cfg.Dispatch.StoreTimeout = cfg.StoreTimeout
	cfg.Router.StoreTimeout = cfg.StoreTimeout
	return cfg
}

func newTestServer(t *testing.T, exec dispatch.Executor) (*server, http.Handler) {
	t.Helper()
	srv := newServer(testConfig(), storage.NewMemoryStore(), exec)
	t.Cleanup(srv.dispatcher.Wait)
	return srv, srv.routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func echoExecutor() dispatch.ExecutorFunc {
	return func(_ context.Context, _ string, req cluster.ExecuteRequest) (cluster.ExecuteResponse, error) {
		return cluster.ExecuteResponse{TaskID: req.TaskID, Status: cluster.ResultSuccess, Result: req.Payload}, nil
	}
}

func TestHandleRegister(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantID   string
	}{
		{name: "json body", path: "/worker/register", body: `{"worker_id":"phi-1","url":"http://localhost:8100","capabilities":["hash"]}`, wantCode: http.StatusOK, wantID: "phi-1"},
		{name: "query params", path: "/worker/register?worker_id=phi-2&url=http://localhost:8101&capabilities=echo&capabilities=fetch", wantCode: http.StatusOK, wantID: "phi-2"},
		{name: "bad json", path: "/worker/register", body: `{`, wantCode: http.StatusBadRequest},
		{name: "missing url", path: "/worker/register", body: `{"worker_id":"phi-3"}`, wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, h := newTestServer(t, nil)
			w := do(t, h, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantID == "" {
				assert.Empty(t, srv.registry.List())
				return
			}

			assert.Equal(t, "registered", decode(t, w)["status"])
			wk, ok := srv.registry.Get(tt.wantID)
			require.True(t, ok)
			assert.Equal(t, registry.StatusReady, wk.Status)

			events, err := srv.store.Events(context.Background(), "atlas", 10)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, "worker_registered", events[0].Event)
		})
	}
}

func TestHandleRegisterQueryCapabilities(t *testing.T) {
	srv, h := newTestServer(t, nil)
	do(t, h, http.MethodPost, "/worker/register?worker_id=w&url=http://w&capabilities=echo&capabilities=fetch", "")
	wk, _ := srv.registry.Get("w")
	assert.Equal(t, []string{"echo", "fetch"}, wk.Capabilities)
}

func TestHandleHeartbeat(t *testing.T) {
	srv, h := newTestServer(t, nil)
	srv.registry.Register("w1", "http://w1", nil)

	w := do(t, h, http.MethodPost, "/worker/heartbeat/w1", `{"load":0.95}`)
	require.Equal(t, http.StatusOK, w.Code)
	wk, _ := srv.registry.Get("w1")
	assert.Equal(t, registry.StatusBusy, wk.Status)

	w = do(t, h, http.MethodPost, "/worker/heartbeat/w1?load=0.3", "")
	require.Equal(t, http.StatusOK, w.Code)
	wk, _ = srv.registry.Get("w1")
	assert.Equal(t, registry.StatusReady, wk.Status)
	assert.InDelta(t, 0.3, wk.Load, 1e-9)

	// unknown workers are acknowledged but never created
	w = do(t, h, http.MethodPost, "/worker/heartbeat/ghost?load=0.1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, srv.registry.List(), 1)

	w = do(t, h, http.MethodPost, "/worker/heartbeat/w1?load=high", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestHandleHeartbeatNonFinite verifies NaN and infinite loads are rejected
// and leave the listing endpoints serializable.
func TestHandleHeartbeatNonFinite(t *testing.T) {
	srv, h := newTestServer(t, nil)
	srv.registry.Register("w1", "http://w1", nil)
	srv.registry.Heartbeat("w1", 0.3)

	for _, v := range []string{"NaN", "nan", "Inf", "infinity", "-Inf", "1e400"} {
		w := do(t, h, http.MethodPost, "/worker/heartbeat/w1?load="+v, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, v)
	}

	wk, _ := srv.registry.Get("w1")
	assert.InDelta(t, 0.3, wk.Load, 1e-9)
	assert.Equal(t, registry.StatusReady, wk.Status)

	w := do(t, h, http.MethodGet, "/workers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = do(t, h, http.MethodGet, "/monitoring", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["worker_list"], 1)
}

func TestHandleListWorkers(t *testing.T) {
	srv, h := newTestServer(t, nil)
	srv.registry.Register("w1", "http://w1", []string{"echo"})
	srv.registry.Register("w2", "http://w2", nil)

	w := do(t, h, http.MethodGet, "/workers", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Workers []registry.Worker `json:"workers"`
		Count   int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "w1", body.Workers[0].ID)
	assert.Equal(t, "http://w1", body.Workers[0].Endpoint)
}

func TestHandleSubmitAndResult(t *testing.T) {
	srv, h := newTestServer(t, echoExecutor())

	w := do(t, h, http.MethodPost, "/task/submit", `{"type":"echo","payload":{"x":1},"source":"zoe"}`)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, "queued", out["status"])
	assert.Equal(t, "no_worker_available", out["reason"])

	srv.registry.Register("w1", "http://w1", nil)
	w = do(t, h, http.MethodPost, "/task/submit", `{"id":"t1","type":"echo","payload":{"x":1},"source":"zoe"}`)
	require.Equal(t, http.StatusOK, w.Code)
	out = decode(t, w)
	assert.Equal(t, "dispatched", out["status"])
	assert.Equal(t, "w1", out["worker"])
	srv.dispatcher.Wait()

	w = do(t, h, http.MethodGet, "/task/result/t1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var res cluster.TaskResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, cluster.ResultSuccess, res.Status)
	assert.JSONEq(t, `{"x":1}`, string(res.Result))

	w = do(t, h, http.MethodGet, "/task/result/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["status"])

	w = do(t, h, http.MethodPost, "/task/submit", `{"payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRoute(t *testing.T) {
	srv, h := newTestServer(t, nil)

	w := do(t, h, http.MethodPost, "/route", `{"source":"shiva","target":"zoe","content":"hello"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"status": "queued", "method": "store"}, decode(t, w))

	w = do(t, h, http.MethodGet, "/pending/zoe", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["pending"])

	msgs, err := srv.store.Dequeue(context.Background(), "zoe", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, cluster.TypeMessage, msgs[0].Type)
	assert.Equal(t, "shiva", msgs[0].Source)

	w = do(t, h, http.MethodPost, "/route", `{"source":"shiva","content":"hello"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleBroadcastNoChannels(t *testing.T) {
	_, h := newTestServer(t, nil)
	w := do(t, h, http.MethodPost, "/broadcast", `{"content":{"alert":true},"exclude":["zoe"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sent_to":[]}`, w.Body.String())
}

func TestHandleEvents(t *testing.T) {
	srv, h := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		srv.recordEvent("tick", i)
	}

	w := do(t, h, http.MethodGet, "/events/atlas?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Events []storage.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, "2", string(body.Events[0].Data))

	w = do(t, h, http.MethodGet, "/events/nobody", "")
	assert.JSONEq(t, `{"events":[]}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/events/atlas?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestReadOnlyIntrospection verifies health, listing and index leave state alone.
func TestReadOnlyIntrospection(t *testing.T) {
	srv, h := newTestServer(t, nil)
	srv.registry.Register("w1", "http://w1", nil)
	srv.registry.Heartbeat("w1", 0.4)
	before := srv.registry.List()

	for _, path := range []string{"/", "/health", "/workers", "/monitoring"} {
		w := do(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	assert.Equal(t, before, srv.registry.List())
	assert.Zero(t, srv.hub.Len())

	w := do(t, h, http.MethodGet, "/health", "")
	out := decode(t, w)
	assert.Equal(t, "awake", out["status"])
	assert.Equal(t, map[string]any{"total": float64(1), "active": float64(1)}, out["workers"])
	assert.Equal(t, registry.DefaultBusyThreshold, out["busy_threshold"])
	assert.Equal(t, "ok", out["storage"])
}

func TestLivenessWiring(t *testing.T) {
	cfg := testConfig()
	cfg.Liveness = config.Liveness{Interval: time.Hour, StaleAfter: time.Nanosecond}
	srv := newServer(cfg, storage.NewMemoryStore(), nil)
	require.NotNil(t, srv.liveness)

	srv.registry.Register("w1", "http://w1", nil)
	time.Sleep(time.Millisecond)
	assert.Equal(t, []string{"w1"}, srv.liveness.Sweep())

	events, err := srv.store.Events(context.Background(), "atlas", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "worker_stale", events[0].Event)
	assert.True(t, strings.Contains(string(events[0].Data), "w1"))

	assert.Nil(t, newServer(testConfig(), storage.NewMemoryStore(), nil).liveness)
}
