package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Task statuses reported by workers and stored as TaskResult.Status.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

// Message types the coordinator itself emits.
const (
	TypeMessage    = "message"
	TypeQueuedTask = "queued_task"
	TypeTaskResult = "task_result"
	TypeBroadcast  = "broadcast"
)

// RegisterRequest is the body of POST /worker/register.
type RegisterRequest struct {
	WorkerID     string   `json:"worker_id"`
	URL          string   `json:"url"`
	Capabilities []string `json:"capabilities"`
}

// HeartbeatRequest is the body of POST /worker/heartbeat/{id}.
type HeartbeatRequest struct {
	Load float64 `json:"load"`
}

// Task is a unit of work submitted to the coordinator.
// Payload is opaque to the coordinator and forwarded verbatim to the worker.
type Task struct {
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Source   string          `json:"source"`
	Priority int             `json:"priority,omitempty"`
	Timeout  int             `json:"timeout,omitempty"` // seconds
}

// TaskResult is persisted once per dispatch that reaches a worker.
type TaskResult struct {
	TaskID   string          `json:"task_id"`
	Status   string          `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Worker   string          `json:"worker"`
	Duration float64         `json:"duration"` // seconds
}

// ExecuteRequest is the worker RPC request body (POST {endpoint}/execute).
type ExecuteRequest struct {
	TaskID  string          `json:"task_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ExecuteResponse is what a worker returns from /execute.
type ExecuteResponse struct {
	TaskID   string          `json:"task_id"`
	Status   string          `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Duration float64         `json:"duration"`
}

// Message is a routed message between named peers. ID and CreatedAt are
// filled in by the storage backend when a message is persisted.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Source    string          `json:"source"`
	Target    string          `json:"target"`
	Content   json.RawMessage `json:"content,omitempty"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
}

// InboundFrame is a frame read from a peer channel. A frame with a target is
// routed; a frame with a task is submitted.
type InboundFrame struct {
	Target  string          `json:"target,omitempty"`
	Type    string          `json:"type,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Task    *Task           `json:"task,omitempty"`
}

// Delivery is the outbound frame for a routed message.
type Delivery struct {
	Source  string          `json:"source"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// BroadcastFrame is the outbound frame for a broadcast.
type BroadcastFrame struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// DeliveryOf converts a message into its outbound frame.
func DeliveryOf(m Message) Delivery {
	return Delivery{Source: m.Source, Type: m.Type, Content: m.Content}
}

// StatusError is returned by the JSON helpers for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// execClient has no client-side timeout: the caller's context deadline is
// the only bound on a task execution.
var execClient = &http.Client{}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	return postJSON(ctx, httpClient, url, body, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Execute invokes a worker's execute operation. The call is bounded only by ctx.
func Execute(ctx context.Context, endpoint string, req ExecuteRequest) (ExecuteResponse, error) {
	var resp ExecuteResponse
	if err := postJSON(ctx, execClient, endpoint+"/execute", req, &resp); err != nil {
		return ExecuteResponse{}, err
	}
	return resp, nil
}

func postJSON(ctx context.Context, c *http.Client, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// MustJSON marshals v, falling back to JSON null. It is meant for values built
// by the coordinator itself, which always marshal.
func MustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
