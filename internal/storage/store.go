package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/atlas/internal/cluster"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store or has expired
var ErrKeyNotFound = errors.New("key not found")

// Store is the coordinator's view of the persistence collaborator: a
// key-value space with expiry, a FIFO message queue per target and an
// append-only event log.
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Set stores value under key, replacing any previous entry.
	// A ttl of zero means the entry never expires.
	Set(ctx context.Context, key string, value json.RawMessage, tags []string, ttl time.Duration) error

	// Get retrieves an entry by key
	// Returns ErrKeyNotFound if the key doesn't exist or has expired
	Get(ctx context.Context, key string) (Entry, error)

	// Enqueue appends msg to the queue of msg.Target
	Enqueue(ctx context.Context, msg cluster.Message) error

	// Dequeue removes and returns up to limit messages for target, oldest first
	Dequeue(ctx context.Context, target string, limit int) ([]cluster.Message, error)

	// Pending counts the undelivered messages for target
	Pending(ctx context.Context, target string) (int, error)

	// AppendEvent records an event in the log
	AppendEvent(ctx context.Context, ev Event) error

	// Events returns up to limit events for daemon, newest first
	Events(ctx context.Context, daemon string, limit int) ([]Event, error)

	// Ping reports whether the backend is reachable
	Ping(ctx context.Context) error

	// Close releases the backend's resources
	Close(ctx context.Context) error
}

// Entry is a stored key-value record
type Entry struct {
	CreatedAt time.Time       `json:"created_at"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Tags      []string        `json:"tags"`
}

// Event is one record in the event log
type Event struct {
	TS     time.Time       `json:"ts"`
	Daemon string          `json:"daemon"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event stamped with the current time
func NewEvent(daemon, event string, data any) Event {
	return Event{Daemon: daemon, Event: event, Data: cluster.MustJSON(data), TS: time.Now().UTC()}
}

// Options selects and configures a backend
type Options struct {
	Backend      string       `yaml:"backend"` // memory, redis or mongo
	Redis        RedisOptions `yaml:"redis"`
	Mongo        MongoOptions `yaml:"mongo"`
	EventsMaxLen int64        `yaml:"events_max_len"`
}

// Open creates the backend named by opts.Backend. An empty backend means memory.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(NewRedisClient(opts.Redis), opts.EventsMaxLen), nil
	case "mongo":
		s, err := OpenMongoStore(ctx, opts.Mongo)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", opts.Backend)
	}
}
