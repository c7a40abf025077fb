package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/dreamware/atlas/internal/cluster"
)

type memEntry struct {
	expiresAt time.Time // zero means no expiry
	entry     Entry
}

// MemoryStore implements Store in process memory.
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	now    func() time.Time
	data   map[string]memEntry          // Key-value storage
	queues map[string][]cluster.Message // Per-target FIFO
	events []Event                      // Append-only log
	seq    int64                        // Message id counter
	mu     sync.RWMutex                 // Protects concurrent access
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:    time.Now,
		data:   make(map[string]memEntry),
		queues: make(map[string][]cluster.Message),
	}
}

// Set stores a copy of value with the given key
func (m *MemoryStore) Set(_ context.Context, key string, value json.RawMessage, tags []string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e := memEntry{entry: Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Tags:      append([]string(nil), tags...),
		CreatedAt: now,
	}}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	m.data[key] = e
	return nil
}

// Get retrieves an entry by key
// Returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.data[key]
	if !exists || (!e.expiresAt.IsZero() && !m.now().Before(e.expiresAt)) {
		return Entry{}, ErrKeyNotFound
	}

	out := e.entry
	out.Value = append([]byte(nil), e.entry.Value...)
	out.Tags = append([]string(nil), e.entry.Tags...)
	return out, nil
}

// Enqueue appends msg to its target's queue
func (m *MemoryStore) Enqueue(_ context.Context, msg cluster.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	msg.ID = strconv.FormatInt(m.seq, 10)
	msg.CreatedAt = m.now().UTC()
	msg.Content = append([]byte(nil), msg.Content...)
	m.queues[msg.Target] = append(m.queues[msg.Target], msg)
	return nil
}

// Dequeue removes and returns up to limit messages, oldest first
func (m *MemoryStore) Dequeue(_ context.Context, target string, limit int) ([]cluster.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[target]
	if limit <= 0 || limit > len(q) {
		limit = len(q)
	}
	out := append([]cluster.Message(nil), q[:limit]...)
	if rest := q[limit:]; len(rest) > 0 {
		m.queues[target] = rest
	} else {
		delete(m.queues, target)
	}
	return out, nil
}

// Pending counts queued messages for target
func (m *MemoryStore) Pending(_ context.Context, target string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues[target]), nil
}

// AppendEvent records ev
func (m *MemoryStore) AppendEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.TS.IsZero() {
		ev.TS = m.now().UTC()
	}
	m.events = append(m.events, ev)
	return nil
}

// Events returns up to limit events for daemon, newest first
func (m *MemoryStore) Events(_ context.Context, daemon string, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for i := len(m.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if m.events[i].Daemon == daemon {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

// Ping always succeeds
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op
func (m *MemoryStore) Close(context.Context) error { return nil }
