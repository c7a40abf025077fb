// Package registry tracks the pool of remote task executors (workers) known to
// the atlas coordinator: their endpoints, capabilities, synthetic load,
// ready/busy status and last heartbeat.
//
// # Worker lifecycle
//
//	Register ──▶ ready ◀──────────────▶ busy
//	                 Reserve / Release
//	                 Heartbeat (load < threshold ⇒ ready, else busy)
//	                 LivenessMonitor (stale ⇒ busy)
//
// There is no deregistered state: entries live for the lifetime of the
// process. Registration is a full overwrite, so a worker that restarts and
// registers again starts over with load 0 and a zero completed counter.
//
// # Selection
//
// Select and Reserve pick the least-loaded worker whose status is ready and
// whose load is below the busy threshold (0.9 by default). Ties are broken by
// registration order, which the registry preserves even across re-registration.
// A capability argument is accepted so callers can pass the task type; the
// current policy ignores it.
//
// Reserve combines selection with the dispatch bracket (status busy, load
// raised by a fixed step) under a single lock; Release reverses it, unless the
// worker registered again in between, in which case the fresh entry is left
// alone. Load is
// always clamped to [0, 1], with NaN read as 0, so heartbeats racing with
// dispatch completions can overwrite each other but never leave the range.
//
// # Liveness
//
// Heartbeats update LastSeen. Nothing enforces it unless a LivenessMonitor is
// started, in which case workers silent for longer than the configured age are
// demoted to busy until their next heartbeat.
package registry
