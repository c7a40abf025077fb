// Command worker is the reference task executor driven by the atlas
// coordinator. It serves /execute, registers itself on startup and reports
// its load with periodic heartbeats.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dreamware/atlas/internal/cluster"
	"github.com/dreamware/atlas/internal/executor"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// registerRetries and registerBackoff bound the startup registration loop.
var (
	registerRetries = 10
	registerBackoff = 400 * time.Millisecond
)

// main starts the worker.
//
// Required environment:
//   - WORKER_ID: Unique identifier for this worker
//   - COORDINATOR_ADDR: URL of the coordinator
//
// Optional environment:
//   - WORKER_LISTEN: Local listen address (default: ":8100")
//   - WORKER_ADDR: Public address given to the coordinator (default: "http://127.0.0.1:8100")
//   - WORKER_CAPACITY: Concurrent tasks that count as full load (default: 4)
//   - HEARTBEAT_INTERVAL: Time between heartbeats (default: "30s")
func main() {
	workerID := mustGetenv("WORKER_ID")
	coord := mustGetenv("COORDINATOR_ADDR")
	listen := getenv("WORKER_LISTEN", ":8100")
	public := getenv("WORKER_ADDR", "http://127.0.0.1:8100")

	capacity, err := strconv.Atoi(getenv("WORKER_CAPACITY", "4"))
	if err != nil || capacity <= 0 {
		logFatal("WORKER_CAPACITY must be a positive integer")
	}
	interval, err := time.ParseDuration(getenv("HEARTBEAT_INTERVAL", "30s"))
	if err != nil || interval <= 0 {
		logFatal("HEARTBEAT_INTERVAL must be a positive duration")
	}

	exec := executor.New()

	s := &http.Server{
		Addr:              listen,
		Handler:           newMux(workerID, exec),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("worker[%s] listening on %s (public %s) capabilities %v", workerID, listen, public, exec.Capabilities())
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	register(ctx, coord, workerID, public, exec.Capabilities())
	go heartbeat(ctx, coord, workerID, interval, func() float64 { return loadOf(exec, capacity) })

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("worker stopped")
}

// newMux builds the worker's HTTP surface.
func newMux(workerID string, exec *executor.Executor) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/execute", handleExecute(exec))
	mux.HandleFunc("/capabilities", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"worker_id":    workerID,
			"capabilities": exec.Capabilities(),
		})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"worker_id":    workerID,
			"status":       "ready",
			"in_flight":    exec.InFlight(),
			"capabilities": exec.Capabilities(),
			"ts":           time.Now().UTC(),
		})
	})
	return mux
}

// handleExecute runs one task. The request context carries the coordinator's
// deadline: when the coordinator gives up, the handler's context ends too.
//
// Endpoint: POST /execute
//
// Request body: {"task_id": "...", "type": "hash", "payload": {...}}
//
// Response: always 200 with an ExecuteResponse, including for unknown task
// types, which come back with status "error".
func handleExecute(exec *executor.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req cluster.ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		resp := exec.Execute(r.Context(), req)
		log.Printf("task %s (%s): %s in %.3fs", req.TaskID, req.Type, resp.Status, resp.Duration)
		writeJSON(w, http.StatusOK, resp)
	}
}

// coordinatorInfo is the part of the coordinator's /health the worker reports.
type coordinatorInfo struct {
	Daemon        string  `json:"daemon"`
	BusyThreshold float64 `json:"busy_threshold"`
}

// register announces the worker to the coordinator, retrying while the
// coordinator starts up. Persistent failure is fatal. Once registered it reads
// the coordinator's health summary; failing that is only logged.
func register(ctx context.Context, coord, id, addr string, capabilities []string) coordinatorInfo {
	body := cluster.RegisterRequest{WorkerID: id, URL: addr, Capabilities: capabilities}
	var lastErr error

	for i := 0; i < registerRetries; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/worker/register", body, nil)
		if lastErr == nil {
			var info coordinatorInfo
			if err := cluster.GetJSON(ctx, coord+"/health", &info); err != nil {
				log.Printf("registered with coordinator @ %s (health: %v)", coord, err)
				return info
			}
			log.Printf("registered with coordinator %s @ %s, busy at load %.2f", info.Daemon, coord, info.BusyThreshold)
			return info
		}
		log.Printf("register retry %d: %v", i+1, lastErr)
		time.Sleep(registerBackoff)
	}

	logFatal("failed to register with coordinator: %v", lastErr)
	return coordinatorInfo{}
}

// heartbeat reports load every interval until ctx ends. Failures are logged
// and the loop carries on.
func heartbeat(ctx context.Context, coord, id string, interval time.Duration, load func() float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	url := fmt.Sprintf("%s/worker/heartbeat/%s", coord, id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cluster.PostJSON(ctx, url, cluster.HeartbeatRequest{Load: load()}, nil); err != nil {
				log.Printf("heartbeat: %v", err)
			}
		}
	}
}

// loadOf reports running tasks as a fraction of capacity, capped at 1.
func loadOf(exec *executor.Executor, capacity int) float64 {
	l := float64(exec.InFlight()) / float64(capacity)
	if l > 1 {
		return 1
	}
	return l
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// getenv returns $k, or def when it is unset or empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// mustGetenv returns $k or terminates the program if it is unset.
func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}
