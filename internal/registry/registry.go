// Package registry implements the coordinator's worker registry.
// See doc.go for complete package documentation.
package registry

import (
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// ErrWorkerNotFound is returned when an operation names an unregistered worker.
var ErrWorkerNotFound = errors.New("worker not found")

// ErrReservationStale is returned by Release when the worker re-registered
// after the reservation was made.
var ErrReservationStale = errors.New("worker re-registered since reservation")

// Status is a worker's availability as seen by the coordinator.
type Status string

const (
	StatusReady Status = "ready"
	StatusBusy  Status = "busy"
)

// DefaultBusyThreshold is the load at or above which a worker is not eligible
// for selection and a heartbeat reports it busy.
const DefaultBusyThreshold = 0.9

// Worker is the registry's record of a remote task executor.
//
// Load is a synthetic utilization estimate in [0, 1]: it is set by heartbeats
// and nudged up and down around dispatch calls, not measured. Generation
// changes on every registration of the id.
type Worker struct {
	LastSeen       time.Time `json:"last_seen"`
	ID             string    `json:"id"`
	Endpoint       string    `json:"url"`
	Status         Status    `json:"status"`
	Capabilities   []string  `json:"capabilities"`
	Load           float64   `json:"load"`
	TasksCompleted int       `json:"tasks_completed"`
	Generation     uint64    `json:"-"`
}

func (w *Worker) clone() Worker {
	c := *w
	c.Capabilities = append([]string(nil), w.Capabilities...)
	return c
}

func (w *Worker) eligible(threshold float64) bool {
	return w.Status == StatusReady && w.Load < threshold
}

// Registry owns worker identity, status, load and liveness bookkeeping.
//
// Workers are kept in registration order, which is the tie-breaker for
// selection. A worker's load and status are always written together under mu.
// Thread-safe: all methods may be called concurrently.
type Registry struct {
	now       func() time.Time
	workers   []*Worker
	threshold float64
	gen       uint64
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry. A threshold outside (0, 1] falls
// back to DefaultBusyThreshold.
func NewRegistry(threshold float64) *Registry {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultBusyThreshold
	}
	return &Registry{threshold: threshold, now: time.Now}
}

// Threshold returns the busy threshold in use.
func (r *Registry) Threshold() float64 {
	return r.threshold
}

func (r *Registry) indexOf(id string) int {
	return slices.IndexFunc(r.workers, func(w *Worker) bool { return w.ID == id })
}

// Register upserts a worker with status ready, load 0, a zeroed completed
// counter and last-seen now. Registering an existing id overwrites all of its
// state but keeps its position in iteration order.
func (r *Registry) Register(id, endpoint string, capabilities []string) Worker {
	w := &Worker{
		ID:           id,
		Endpoint:     endpoint,
		Status:       StatusReady,
		Capabilities: append([]string(nil), capabilities...),
		LastSeen:     r.now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	w.Generation = r.gen
	if idx := r.indexOf(id); idx >= 0 {
		r.workers[idx] = w
	} else {
		r.workers = append(r.workers, w)
	}
	return w.clone()
}

// Heartbeat records a liveness and load report. Unknown ids are ignored and
// never create an entry; the return value reports whether the id was known.
func (r *Registry) Heartbeat(id string, load float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(id)
	if idx < 0 {
		return false
	}
	w := r.workers[idx]
	w.LastSeen = r.now()
	w.Load = clamp(load)
	if w.Load < r.threshold {
		w.Status = StatusReady
	} else {
		w.Status = StatusBusy
	}
	return true
}

// Select returns the least-loaded eligible worker (ready and below the busy
// threshold). Ties go to the worker registered first. The capability is part
// of the contract but the current policy does not filter on it.
func (r *Registry) Select(capability string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if w := r.selectLocked(capability); w != nil {
		return w.clone(), true
	}
	return Worker{}, false
}

func (r *Registry) selectLocked(_ string) *Worker {
	var best *Worker
	for _, w := range r.workers {
		if !w.eligible(r.threshold) {
			continue
		}
		// strict comparison keeps the earliest worker on ties
		if best == nil || w.Load < best.Load {
			best = w
		}
	}
	return best
}

// Reserve selects a worker like Select and, in the same critical section,
// marks it busy and raises its load by step. The returned snapshot reflects
// the reservation; its Generation is the token Release expects.
func (r *Registry) Reserve(capability string, step float64) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.selectLocked(capability)
	if w == nil {
		return Worker{}, false
	}
	w.Status = StatusBusy
	w.Load = clamp(w.Load + step)
	return w.clone(), true
}

// Release undoes a reservation: load drops by step (clamped at 0) and the
// worker returns to ready. completed increments the worker's task counter.
// A reservation taken on an earlier registration of id leaves the current
// entry untouched and returns ErrReservationStale.
func (r *Registry) Release(id string, gen uint64, step float64, completed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(id)
	if idx < 0 {
		return ErrWorkerNotFound
	}
	w := r.workers[idx]
	if w.Generation != gen {
		return ErrReservationStale
	}
	w.Load = clamp(w.Load - step)
	w.Status = StatusReady
	if completed {
		w.TasksCompleted++
	}
	return nil
}

// Get returns a snapshot of one worker.
func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := r.indexOf(id)
	if idx < 0 {
		return Worker{}, false
	}
	return r.workers[idx].clone(), true
}

// List returns snapshots of all workers in registration order.
func (r *Registry) List() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.clone())
	}
	return out
}

// Counts returns the number of registered workers and how many are ready.
func (r *Registry) Counts() (total, ready int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, w := range r.workers {
		if w.Status == StatusReady {
			ready++
		}
	}
	return len(r.workers), ready
}

// DemoteStale marks busy every ready worker whose last heartbeat is older
// than cutoff and returns their ids. Entries are never removed; the next
// heartbeat re-derives the status.
func (r *Registry) DemoteStale(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var demoted []string
	for _, w := range r.workers {
		if w.Status == StatusReady && w.LastSeen.Before(cutoff) {
			w.Status = StatusBusy
			demoted = append(demoted, w.ID)
		}
	}
	return demoted
}

// clamp bounds a load to [0, 1]. NaN counts as idle.
func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
