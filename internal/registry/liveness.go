// Package registry implements the coordinator's worker registry.
// This file implements the optional liveness sweep over registered workers.
package registry

import (
	"context"
	"log"
	"sync"
	"time"
)

// LivenessMonitor periodically demotes workers whose heartbeats have stopped.
// Stale workers are marked busy so Select skips them; they are never removed
// and a fresh heartbeat makes them eligible again.
// Thread-safe: Start and Stop may be called from different goroutines.
type LivenessMonitor struct {
	registry   *Registry
	onStale    func(workerID string, lastSeen time.Time) // Callback per demoted worker
	ctx        context.Context                           // Context for cancellation
	cancel     context.CancelFunc                        // Cancel function for shutdown
	interval   time.Duration                             // How often to sweep
	staleAfter time.Duration                             // Heartbeat age that counts as stale
	wg         sync.WaitGroup                            // Wait group for graceful shutdown
}

// NewLivenessMonitor creates a monitor that sweeps reg every interval and
// demotes workers silent for longer than staleAfter.
//
// Parameters:
//   - reg: Registry to sweep
//   - interval: How often to sweep (recommended: 10s)
//   - staleAfter: Heartbeat age after which a worker is demoted
//
// Example:
//
//	monitor := NewLivenessMonitor(reg, 10*time.Second, 90*time.Second)
//	go monitor.Start(ctx)
func NewLivenessMonitor(reg *Registry, interval, staleAfter time.Duration) *LivenessMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &LivenessMonitor{
		registry:   reg,
		interval:   interval,
		staleAfter: staleAfter,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetOnStale sets the callback invoked for every worker a sweep demotes.
// The callback runs on the monitor goroutine without the registry lock held.
//
// Example:
//
//	monitor.SetOnStale(func(id string, lastSeen time.Time) {
//	    store.AppendEvent(ctx, storage.Event{Daemon: "atlas", Event: "worker_stale"})
//	})
func (m *LivenessMonitor) SetOnStale(callback func(workerID string, lastSeen time.Time)) {
	m.onStale = callback
}

// Start runs the sweep loop in the current goroutine until ctx or the
// monitor's own context is canceled.
func (m *LivenessMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	if ctx == nil {
		ctx = m.ctx
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("[liveness] monitor started (interval %v, stale after %v)", m.interval, m.staleAfter)

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			log.Println("[liveness] monitor stopping due to context cancellation")
			return
		case <-m.ctx.Done():
			log.Println("[liveness] monitor stopping due to internal cancellation")
			return
		}
	}
}

// Stop cancels the sweep loop and waits for it to exit.
func (m *LivenessMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Sweep performs one pass and returns the ids it demoted.
func (m *LivenessMonitor) Sweep() []string {
	now := m.registry.now()
	demoted := m.registry.DemoteStale(now.Add(-m.staleAfter))
	for _, id := range demoted {
		w, ok := m.registry.Get(id)
		if !ok {
			continue
		}
		log.Printf("[liveness] worker %s demoted (last heartbeat %v ago)", id, now.Sub(w.LastSeen).Round(time.Second))
		if m.onStale != nil {
			m.onStale(id, w.LastSeen)
		}
	}
	return demoted
}
