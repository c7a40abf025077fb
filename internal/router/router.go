// Package router decides, per message, between live delivery over a peer's
// channel and store-and-forward through the storage collaborator.
package router

import (
	"context"
	"log"
	"time"

	"github.com/dreamware/atlas/internal/cluster"
	"github.com/dreamware/atlas/internal/hub"
	"github.com/dreamware/atlas/internal/storage"
)

// Route outcomes.
const (
	StatusDelivered = "delivered"
	StatusQueued    = "queued"
	StatusError     = "error"

	MethodLive  = "websocket"
	MethodStore = "store"
)

// DefaultDrainBatch is how many persisted messages are fetched per dequeue.
const DefaultDrainBatch = 10

// Outcome reports what Route did with a message.
type Outcome struct {
	Status string `json:"status"`
	Method string `json:"method,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Config tunes the router.
type Config struct {
	DrainBatch   int           `yaml:"drain_batch"`
	StoreTimeout time.Duration `yaml:"-"`
}

// Router delivers messages to peers, live when possible and persisted
// otherwise.
type Router struct {
	hub   *hub.Hub
	store storage.Store
	cfg   Config
}

// New creates a router over h and store.
func New(h *hub.Hub, store storage.Store, cfg Config) *Router {
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = DefaultDrainBatch
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	return &Router{hub: h, store: store, cfg: cfg}
}

// Route delivers msg to msg.Target. A live channel gets exactly one send
// attempt; if it fails the channel is dropped from the hub and the message
// falls through to storage. Storage failures are logged and reported in the
// outcome, never returned as errors.
func (r *Router) Route(ctx context.Context, msg cluster.Message) Outcome {
	if msg.Type == "" {
		msg.Type = cluster.TypeMessage
	}

	if ch, ok := r.hub.Get(msg.Target); ok {
		err := ch.Send(cluster.DeliveryOf(msg))
		if err == nil {
			return Outcome{Status: StatusDelivered, Method: MethodLive}
		}
		log.Printf("[router] live send to %s failed, falling back to store: %v", msg.Target, err)
		r.hub.Disconnect(msg.Target, ch)
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	if err := r.store.Enqueue(sctx, msg); err != nil {
		log.Printf("[router] could not persist %s message for %s: %v", msg.Type, msg.Target, err)
		return Outcome{Status: StatusError, Reason: "store_unavailable"}
	}
	return Outcome{Status: StatusQueued, Method: MethodStore}
}

// Drain delivers every persisted message for name over ch, oldest first. It
// must run after ch is connected and before ch's first inbound frame is
// handled. If a send fails, the undelivered remainder is persisted again in
// order and draining stops. Draining ends on the first empty batch. It returns
// the number of messages delivered.
func (r *Router) Drain(ctx context.Context, name string, ch hub.Channel) int {
	delivered := 0
	for {
		sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
		batch, err := r.store.Dequeue(sctx, name, r.cfg.DrainBatch)
		cancel()
		if err != nil {
			log.Printf("[router] could not fetch pending messages for %s: %v", name, err)
			return delivered
		}

		// batches may come back short while messages remain
		if len(batch) == 0 {
			if delivered > 0 {
				log.Printf("[router] delivered %d pending messages to %s", delivered, name)
			}
			return delivered
		}

		for i, msg := range batch {
			if err := ch.Send(cluster.DeliveryOf(msg)); err != nil {
				log.Printf("[router] drain to %s interrupted after %d messages: %v", name, delivered, err)
				r.requeue(ctx, batch[i:])
				return delivered
			}
			delivered++
		}
	}
}

func (r *Router) requeue(ctx context.Context, msgs []cluster.Message) {
	for _, msg := range msgs {
		sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
		err := r.store.Enqueue(sctx, msg)
		cancel()
		if err != nil {
			log.Printf("[router] lost pending message %s for %s: %v", msg.ID, msg.Target, err)
		}
	}
}
