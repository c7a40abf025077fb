// Package executor runs typed tasks on a worker daemon. Each task type maps
// to a Handler; the worker's /execute endpoint calls Execute.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/atlas/internal/cluster"
)

// Handler runs one task type. A returned error becomes an error result.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Executor dispatches tasks to handlers by type and tracks how many are
// running.
// Thread-safe: handlers may be registered while tasks execute.
type Executor struct {
	handlers map[string]Handler
	inflight atomic.Int64
	mu       sync.RWMutex
}

// New returns an executor with the built-in handlers: echo, hash, sleep and
// fetch.
func New() *Executor {
	e := &Executor{handlers: make(map[string]Handler)}
	e.Register("echo", echoTask)
	e.Register("hash", hashTask)
	e.Register("sleep", sleepTask)
	e.Register("fetch", fetchTask)
	return e
}

// Register installs h for taskType, replacing any previous handler.
func (e *Executor) Register(taskType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[taskType] = h
}

// Capabilities lists the registered task types, sorted.
func (e *Executor) Capabilities() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		caps = append(caps, name)
	}
	sort.Strings(caps)
	return caps
}

// InFlight returns the number of tasks currently executing.
func (e *Executor) InFlight() int {
	return int(e.inflight.Load())
}

// Execute runs req with the handler for its type. Unknown types and handler
// failures both produce a response with status error; Execute itself never
// fails.
func (e *Executor) Execute(ctx context.Context, req cluster.ExecuteRequest) cluster.ExecuteResponse {
	e.mu.RLock()
	h, ok := e.handlers[req.Type]
	e.mu.RUnlock()

	if !ok {
		return cluster.ExecuteResponse{
			TaskID: req.TaskID,
			Status: cluster.ResultError,
			Result: errorResult(fmt.Errorf("unknown task type: %s", req.Type)),
		}
	}

	e.inflight.Add(1)
	defer e.inflight.Add(-1)

	start := time.Now()
	out, err := h(ctx, req.Payload)
	resp := cluster.ExecuteResponse{
		TaskID:   req.TaskID,
		Status:   cluster.ResultSuccess,
		Duration: time.Since(start).Seconds(),
	}
	if err != nil {
		resp.Status = cluster.ResultError
		resp.Result = errorResult(err)
		return resp
	}
	resp.Result = cluster.MustJSON(out)
	return resp
}

func errorResult(err error) json.RawMessage {
	return cluster.MustJSON(map[string]string{"error": err.Error()})
}

// decode unmarshals an optional payload into v.
func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
