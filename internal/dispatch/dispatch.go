// Package dispatch hands submitted tasks to the least-loaded worker, runs
// each call in its own goroutine under the task's deadline and reconciles
// the registry when the call ends.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/atlas/internal/cluster"
	"github.com/dreamware/atlas/internal/registry"
	"github.com/dreamware/atlas/internal/router"
	"github.com/dreamware/atlas/internal/storage"
)

// Submission outcomes.
const (
	StatusDispatched = "dispatched"
	StatusQueued     = "queued"

	ReasonNoWorker = "no_worker_available"
)

// Executor invokes a worker's execute operation.
type Executor interface {
	Execute(ctx context.Context, endpoint string, req cluster.ExecuteRequest) (cluster.ExecuteResponse, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, endpoint string, req cluster.ExecuteRequest) (cluster.ExecuteResponse, error)

func (f ExecutorFunc) Execute(ctx context.Context, endpoint string, req cluster.ExecuteRequest) (cluster.ExecuteResponse, error) {
	return f(ctx, endpoint, req)
}

// HTTPExecutor calls workers over HTTP.
var HTTPExecutor Executor = ExecutorFunc(cluster.Execute)

// Router is the part of the message router the dispatcher needs.
type Router interface {
	Route(ctx context.Context, msg cluster.Message) router.Outcome
}

// Config tunes dispatching.
type Config struct {
	LoadStep       float64       `yaml:"load_step"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	ResultTTL      time.Duration `yaml:"result_ttl"`
	QueueTarget    string        `yaml:"queue_target"`
	ReportFailures bool          `yaml:"report_failures"`
	DaemonName     string        `yaml:"-"`
	StoreTimeout   time.Duration `yaml:"-"`
}

// DefaultConfig returns the stock dispatch settings.
func DefaultConfig() Config {
	return Config{
		LoadStep:       0.2,
		DefaultTimeout: 120 * time.Second,
		ResultTTL:      time.Hour,
		QueueTarget:    "task_queue",
		DaemonName:     "atlas",
		StoreTimeout:   2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LoadStep <= 0 {
		c.LoadStep = d.LoadStep
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = d.ResultTTL
	}
	if c.QueueTarget == "" {
		c.QueueTarget = d.QueueTarget
	}
	if c.DaemonName == "" {
		c.DaemonName = d.DaemonName
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	return c
}

// SubmitResult is returned to the submitter before any work is done.
type SubmitResult struct {
	Status string `json:"status"`
	TaskID string `json:"task_id"`
	Worker string `json:"worker,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Dispatcher owns task submission and the lifetime of dispatch goroutines.
type Dispatcher struct {
	reg    *registry.Registry
	router Router
	store  storage.Store
	exec   Executor
	newID  func() string
	cfg    Config
	wg     sync.WaitGroup
}

// New creates a dispatcher. A nil exec means HTTPExecutor.
func New(reg *registry.Registry, rt Router, store storage.Store, exec Executor, cfg Config) *Dispatcher {
	if exec == nil {
		exec = HTTPExecutor
	}
	return &Dispatcher{
		reg:    reg,
		router: rt,
		store:  store,
		exec:   exec,
		newID:  func() string { return "task_" + uuid.NewString() },
		cfg:    cfg.withDefaults(),
	}
}

// Submit assigns an id if needed and either dispatches the task to a worker
// or queues it. It never waits for the task to run.
func (d *Dispatcher) Submit(ctx context.Context, task cluster.Task) SubmitResult {
	if task.ID == "" {
		task.ID = d.newID()
	}
	task.Priority = normalizePriority(task.Priority)

	w, ok := d.reg.Reserve(task.Type, d.cfg.LoadStep)
	if !ok {
		d.enqueue(ctx, task)
		return SubmitResult{Status: StatusQueued, TaskID: task.ID, Reason: ReasonNoWorker}
	}

	log.Printf("[dispatch] task %s (%s) -> worker %s", task.ID, task.Type, w.ID)
	d.wg.Add(1)
	go d.run(task, w)

	return SubmitResult{Status: StatusDispatched, TaskID: task.ID, Worker: w.ID}
}

type queuedTask struct {
	TaskID string `json:"task_id"`
	cluster.Task
}

func (d *Dispatcher) enqueue(ctx context.Context, task cluster.Task) {
	out := d.router.Route(ctx, cluster.Message{
		Source:  d.cfg.DaemonName,
		Target:  d.cfg.QueueTarget,
		Type:    cluster.TypeQueuedTask,
		Content: cluster.MustJSON(queuedTask{TaskID: task.ID, Task: task}),
	})
	log.Printf("[dispatch] no worker available, task %s %s", task.ID, out.Status)
}

func (d *Dispatcher) timeout(task cluster.Task) time.Duration {
	if task.Timeout > 0 {
		return time.Duration(task.Timeout) * time.Second
	}
	return d.cfg.DefaultTimeout
}

// run is one dispatch unit. The reservation made by Submit is released
// exactly once whatever the outcome.
func (d *Dispatcher) run(task cluster.Task, w registry.Worker) {
	defer d.wg.Done()

	completed := false
	defer func() {
		if err := d.reg.Release(w.ID, w.Generation, d.cfg.LoadStep, completed); err != nil {
			log.Printf("[dispatch] release %s after task %s: %v", w.ID, task.ID, err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout(task))
	defer cancel()

	start := time.Now()
	resp, err := d.exec.Execute(ctx, w.Endpoint, cluster.ExecuteRequest{
		TaskID:  task.ID,
		Type:    task.Type,
		Payload: task.Payload,
	})
	if err != nil {
		d.fail(task, w, err, time.Since(start))
		return
	}
	completed = true

	status := resp.Status
	if status == "" {
		status = cluster.ResultSuccess
	}
	duration := resp.Duration
	if duration == 0 {
		duration = time.Since(start).Seconds()
	}
	log.Printf("[dispatch] task %s finished on %s: %s (%.3fs)", task.ID, w.ID, status, duration)

	d.complete(task, cluster.TaskResult{
		TaskID:   task.ID,
		Status:   status,
		Result:   resp.Result,
		Worker:   w.ID,
		Duration: duration,
	}, "completed")
}

func (d *Dispatcher) fail(task cluster.Task, w registry.Worker, err error, elapsed time.Duration) {
	status, event := cluster.ResultError, "task_error"
	if errors.Is(err, context.DeadlineExceeded) {
		status, event = cluster.ResultTimeout, "task_timeout"
	}
	log.Printf("[dispatch] task %s on %s failed: %v", task.ID, w.ID, err)

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.StoreTimeout)
	ev := storage.NewEvent(d.cfg.DaemonName, event, map[string]string{
		"task_id": task.ID,
		"worker":  w.ID,
		"error":   err.Error(),
	})
	if err := d.store.AppendEvent(ctx, ev); err != nil {
		log.Printf("[dispatch] could not record %s for %s: %v", event, task.ID, err)
	}
	cancel()

	if !d.cfg.ReportFailures {
		return
	}
	d.complete(task, cluster.TaskResult{
		TaskID:   task.ID,
		Status:   status,
		Result:   cluster.MustJSON(map[string]string{"error": err.Error()}),
		Worker:   w.ID,
		Duration: elapsed.Seconds(),
	}, "failed")
}

// complete persists res and notifies the task's source.
func (d *Dispatcher) complete(task cluster.Task, res cluster.TaskResult, notice string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.StoreTimeout)
	err := d.store.Set(ctx, resultKey(task.ID), cluster.MustJSON(res), []string{"task_result", task.Type}, d.cfg.ResultTTL)
	cancel()
	if err != nil {
		log.Printf("[dispatch] could not persist result of %s: %v", task.ID, err)
	}

	if task.Source == "" {
		return
	}
	d.router.Route(context.Background(), cluster.Message{
		Source: d.cfg.DaemonName,
		Target: task.Source,
		Type:   cluster.TypeTaskResult,
		Content: cluster.MustJSON(map[string]any{
			"task_id": task.ID,
			"status":  notice,
			"result":  res.Result,
		}),
	})
}

// FetchResult looks up a persisted result. A missing key and an unreachable
// store both report not found.
func (d *Dispatcher) FetchResult(ctx context.Context, taskID string) (cluster.TaskResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
	defer cancel()

	entry, err := d.store.Get(ctx, resultKey(taskID))
	if err != nil {
		if !errors.Is(err, storage.ErrKeyNotFound) {
			log.Printf("[dispatch] result lookup for %s: %v", taskID, err)
		}
		return cluster.TaskResult{}, false
	}
	var res cluster.TaskResult
	if err := json.Unmarshal(entry.Value, &res); err != nil {
		log.Printf("[dispatch] corrupt result for %s: %v", taskID, err)
		return cluster.TaskResult{}, false
	}
	return res, true
}

// Wait blocks until every running dispatch unit has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func resultKey(taskID string) string {
	return fmt.Sprintf("result:%s", taskID)
}

func normalizePriority(p int) int {
	switch {
	case p == 0:
		return 5
	case p < 1:
		return 1
	case p > 10:
		return 10
	}
	return p
}
