// Package storage is the coordinator's boundary with its persistence
// collaborator: a key-value space with expiry, a per-target FIFO queue for
// store-and-forward messages and an append-only event log.
//
// # Overview
//
// The coordinator treats storage as best-effort. Every call site wraps its
// call in a short timeout, logs a failure and carries on in a degraded mode
// (message not queued, event not recorded, result not found). Implementations
// therefore return plain errors and never retry on their own.
//
// # Backends
//
//	┌─────────────────────────────────────┐
//	│   dispatch / router / coordinator   │
//	└─────────────────────────────────────┘
//	                 │ Store
//	    ┌────────────┼────────────┐
//	    ▼            ▼            ▼
//	┌────────┐  ┌────────┐  ┌────────┐
//	│ Memory │  │ Redis  │  │ Mongo  │
//	└────────┘  └────────┘  └────────┘
//
// MemoryStore: process-local maps; used for development and tests.
//
// RedisStore:
//   - Key-value: atlas:kv:{key} holding a JSON Entry, SET with EX for TTLs
//   - Queue: atlas:queue:{target} list; RPUSH to enqueue, LRANGE+LTRIM in a
//     MULTI block to dequeue oldest-first
//   - Events: atlas:events:{daemon} stream capped by MAXLEN
//
// MongoStore:
//   - memories collection keyed by _id with a TTL index on expires_at
//   - messages collection ordered by ObjectID, flagged processed on dequeue
//   - events collection sorted by ts
//
// # Semantics
//
// Dequeue is destructive: returned messages are consumed and will not be
// returned again. Callers that fail to deliver them must Enqueue them again.
//
// Events are returned newest first; queued messages oldest first.
package storage
