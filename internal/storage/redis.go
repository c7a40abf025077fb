package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dreamware/atlas/internal/cluster"
)

const (
	redisKVPrefix     = "atlas:kv:"
	redisQueuePrefix  = "atlas:queue:"
	redisEventsPrefix = "atlas:events:"
	redisMsgSeqKey    = "atlas:msgseq"

	defaultEventsMaxLen = 1000
)

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NewRedisClient builds a client from opts. The connection is lazy: nothing
// is dialed until the first command.
func NewRedisClient(opts RedisOptions) *redis.Client {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	log.Printf("[storage] redis at %s (db %d)", opts.Addr, opts.DB)
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// RedisStore implements Store on Redis: string keys with EX for the
// key-value space, one list per target for the queue and one stream per
// daemon for the event log.
type RedisStore struct {
	client       *redis.Client
	eventsMaxLen int64
}

// NewRedisStore wraps client. eventsMaxLen caps each daemon's event stream;
// zero selects a default of 1000.
func NewRedisStore(client *redis.Client, eventsMaxLen int64) *RedisStore {
	if eventsMaxLen <= 0 {
		eventsMaxLen = defaultEventsMaxLen
	}
	return &RedisStore{client: client, eventsMaxLen: eventsMaxLen}
}

func (s *RedisStore) Set(ctx context.Context, key string, value json.RawMessage, tags []string, ttl time.Duration) error {
	data, err := json.Marshal(Entry{Key: key, Value: value, Tags: tags, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, redisKVPrefix+key, data, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	data, err := s.client.Get(ctx, redisKVPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrKeyNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return e, nil
}

func (s *RedisStore) Enqueue(ctx context.Context, msg cluster.Message) error {
	seq, err := s.client.Incr(ctx, redisMsgSeqKey).Result()
	if err != nil {
		return err
	}
	msg.ID = strconv.FormatInt(seq, 10)
	msg.CreatedAt = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, redisQueuePrefix+msg.Target, data).Err()
}

// Dequeue reads and trims the head of the target's list in one MULTI block,
// so a message is handed out at most once. Undecodable entries are dropped and
// replaced from further down the list, so a short result means the queue is
// exhausted.
func (s *RedisStore) Dequeue(ctx context.Context, target string, limit int) ([]cluster.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	key := redisQueuePrefix + target

	out := make([]cluster.Message, 0, limit)
	for len(out) < limit {
		want := limit - len(out)
		raw, err := s.popHead(ctx, key, want)
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		for _, item := range raw {
			var msg cluster.Message
			if err := json.Unmarshal([]byte(item), &msg); err != nil {
				log.Printf("[storage] dropping undecodable message for %s: %v", target, err)
				continue
			}
			out = append(out, msg)
		}
		if len(raw) < want {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) popHead(ctx context.Context, key string, n int) ([]string, error) {
	var head *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		head = pipe.LRange(ctx, key, 0, int64(n-1))
		pipe.LTrim(ctx, key, int64(n), -1)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return head.Result()
}

func (s *RedisStore) Pending(ctx context.Context, target string) (int, error) {
	n, err := s.client.LLen(ctx, redisQueuePrefix+target).Result()
	return int(n), err
}

func (s *RedisStore) AppendEvent(ctx context.Context, ev Event) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: redisEventsPrefix + ev.Daemon,
		MaxLen: s.eventsMaxLen,
		Values: map[string]interface{}{
			"event": ev.Event,
			"data":  string(ev.Data),
			"ts":    ev.TS.Format(time.RFC3339Nano),
		},
	}).Err()
}

func (s *RedisStore) Events(ctx context.Context, daemon string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := s.client.XRevRangeN(ctx, redisEventsPrefix+daemon, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		ev := Event{Daemon: daemon}
		if v, ok := m.Values["event"].(string); ok {
			ev.Event = v
		}
		if v, ok := m.Values["data"].(string); ok && v != "" {
			ev.Data = json.RawMessage(v)
		}
		if v, ok := m.Values["ts"].(string); ok {
			ev.TS, _ = time.Parse(time.RFC3339Nano, v)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close(context.Context) error {
	return s.client.Close()
}
