package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/atlas/internal/hub"
	"github.com/dreamware/atlas/internal/registry"
	"github.com/dreamware/atlas/internal/storage"
)

type nopChannel struct{}

func (nopChannel) Send(any) error { return nil }
func (nopChannel) Close() error   { return nil }

type downStore struct{ storage.Store }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func fixture(store storage.Store) (Service, *registry.Registry, *hub.Hub) {
	reg := registry.NewRegistry(0)
	h := hub.New()
	return NewService("atlas", reg, h, store, 0), reg, h
}

func TestHealth(t *testing.T) {
	svc, reg, h := fixture(storage.NewMemoryStore())
	reg.Register("w1", "http://w1", nil)
	reg.Register("w2", "http://w2", nil)
	reg.Heartbeat("w2", 0.95)
	h.Connect("zoe", nopChannel{})
	h.Connect("cosmos", nopChannel{})

	got := svc.Health(context.Background())

	assert.Equal(t, "atlas", got.Daemon)
	assert.Equal(t, "awake", got.Status)
	assert.Equal(t, WorkerCounts{Total: 2, Active: 1}, got.Workers)
	assert.Equal(t, registry.DefaultBusyThreshold, got.BusyThreshold)
	assert.Equal(t, []string{"cosmos", "zoe"}, got.ConnectedDaemons)
	assert.Equal(t, "ok", got.Storage)
	assert.False(t, got.TS.IsZero())
}

func TestHealthStorageDown(t *testing.T) {
	svc, _, _ := fixture(downStore{storage.NewMemoryStore()})
	assert.Equal(t, "down", svc.Health(context.Background()).Storage)
}

// TestStatusReadOnly verifies reporting leaves the registry and hub untouched.
func TestStatusReadOnly(t *testing.T) {
	svc, reg, h := fixture(storage.NewMemoryStore())
	reg.Register("w1", "http://w1", []string{"echo"})
	h.Connect("zoe", nopChannel{})
	before := reg.List()

	status := svc.GetStatus(context.Background())

	assert.Equal(t, before, reg.List())
	assert.Equal(t, 1, h.Len())
	require.Len(t, status.WorkerList, 1)
	assert.Equal(t, "w1", status.WorkerList[0].ID)
	assert.Positive(t, status.System.NumGoroutine)
	assert.Positive(t, status.System.TotalCPUCores)
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, _, _ := fixture(storage.NewMemoryStore())
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r)

	for _, path := range []string{"/health", "/monitoring"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			require.Equal(t, http.StatusOK, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "awake", body["status"])
			assert.Contains(t, body, "workers")
		})
	}
}
