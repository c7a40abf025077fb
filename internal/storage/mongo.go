package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dreamware/atlas/internal/cluster"
)

// ErrMissingMongoURI indicates that no connection string was configured.
var ErrMissingMongoURI = errors.New("storage: missing mongo uri")

// MongoOptions configures the MongoDB connection.
type MongoOptions struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type kvDoc struct {
	CreatedAt time.Time  `bson:"created_at"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
	Key       string     `bson:"_id"`
	Value     string     `bson:"value"`
	Tags      []string   `bson:"tags"`
}

type messageDoc struct {
	CreatedAt time.Time     `bson:"created_at"`
	ID        bson.ObjectID `bson:"_id"`
	Source    string        `bson:"source"`
	Target    string        `bson:"target"`
	Content   string        `bson:"content"`
	Type      string        `bson:"type"`
	Processed bool          `bson:"processed"`
}

type eventDoc struct {
	TS     time.Time `bson:"ts"`
	Daemon string    `bson:"daemon"`
	Event  string    `bson:"event"`
	Data   string    `bson:"data"`
}

// MongoStore implements Store on three collections: memories (key-value,
// expired by a TTL index), messages (queue, ordered by ObjectID) and events.
type MongoStore struct {
	client   *mongo.Client
	memories *mongo.Collection
	messages *mongo.Collection
	events   *mongo.Collection
}

// OpenMongoStore connects, pings and prepares the indexes.
// The caller owns the returned store and must Close it.
func OpenMongoStore(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	if opts.URI == "" {
		return nil, ErrMissingMongoURI
	}
	if opts.Database == "" {
		opts.Database = "atlas"
	}

	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	client, err := mongo.Connect(options.Client().ApplyURI(opts.URI).SetServerAPIOptions(serverAPI))
	if err != nil {
		return nil, fmt.Errorf("storage: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("storage: mongo ping: %w", err)
	}

	db := client.Database(opts.Database)
	s := &MongoStore{
		client:   client,
		memories: db.Collection("memories"),
		messages: db.Collection("messages"),
		events:   db.Collection("events"),
	}

	ttl := mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	if _, err := s.memories.Indexes().CreateOne(ctx, ttl); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("storage: mongo ttl index: %w", err)
	}
	queue := mongo.IndexModel{Keys: bson.D{{Key: "target", Value: 1}, {Key: "processed", Value: 1}}}
	if _, err := s.messages.Indexes().CreateOne(ctx, queue); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("storage: mongo queue index: %w", err)
	}
	return s, nil
}

func (s *MongoStore) Set(ctx context.Context, key string, value json.RawMessage, tags []string, ttl time.Duration) error {
	now := time.Now().UTC()
	doc := kvDoc{Key: key, Value: string(value), Tags: tags, CreatedAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		doc.ExpiresAt = &exp
	}
	_, err := s.memories.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true))
	return err
}

// Get checks the expiry itself because the TTL monitor only runs once a minute.
func (s *MongoStore) Get(ctx context.Context, key string) (Entry, error) {
	var doc kvDoc
	err := s.memories.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Entry{}, ErrKeyNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	if doc.ExpiresAt != nil && !time.Now().Before(*doc.ExpiresAt) {
		return Entry{}, ErrKeyNotFound
	}
	return Entry{Key: doc.Key, Value: json.RawMessage(doc.Value), Tags: doc.Tags, CreatedAt: doc.CreatedAt}, nil
}

func (s *MongoStore) Enqueue(ctx context.Context, msg cluster.Message) error {
	_, err := s.messages.InsertOne(ctx, messageDoc{
		ID:        bson.NewObjectID(),
		Source:    msg.Source,
		Target:    msg.Target,
		Content:   string(msg.Content),
		Type:      msg.Type,
		CreatedAt: time.Now().UTC(),
	})
	return err
}

// Dequeue reads the oldest unprocessed messages and then flags them. The two
// steps are not atomic; a single coordinator is the only consumer.
func (s *MongoStore) Dequeue(ctx context.Context, target string, limit int) ([]cluster.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	filter := bson.M{"target": target, "processed": false}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit))
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}

	ids := make([]bson.ObjectID, 0, len(docs))
	out := make([]cluster.Message, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
		out = append(out, cluster.Message{
			ID:        d.ID.Hex(),
			Source:    d.Source,
			Target:    d.Target,
			Content:   json.RawMessage(d.Content),
			Type:      d.Type,
			CreatedAt: d.CreatedAt,
		})
	}
	if _, err := s.messages.UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}}, bson.M{"$set": bson.M{"processed": true}}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) Pending(ctx context.Context, target string) (int, error) {
	n, err := s.messages.CountDocuments(ctx, bson.M{"target": target, "processed": false})
	return int(n), err
}

func (s *MongoStore) AppendEvent(ctx context.Context, ev Event) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	_, err := s.events.InsertOne(ctx, eventDoc{Daemon: ev.Daemon, Event: ev.Event, Data: string(ev.Data), TS: ev.TS})
	return err
}

func (s *MongoStore) Events(ctx context.Context, daemon string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: -1}}).SetLimit(int64(limit))
	cur, err := s.events.Find(ctx, bson.M{"daemon": daemon}, opts)
	if err != nil {
		return nil, err
	}
	var docs []eventDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(docs))
	for _, d := range docs {
		ev := Event{Daemon: d.Daemon, Event: d.Event, TS: d.TS}
		if d.Data != "" {
			ev.Data = json.RawMessage(d.Data)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
