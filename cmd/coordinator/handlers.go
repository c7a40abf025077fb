package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dreamware/atlas/internal/cluster"
	"github.com/dreamware/atlas/internal/config"
	"github.com/dreamware/atlas/internal/dispatch"
	"github.com/dreamware/atlas/internal/hub"
	"github.com/dreamware/atlas/internal/monitoring"
	"github.com/dreamware/atlas/internal/registry"
	"github.com/dreamware/atlas/internal/router"
	"github.com/dreamware/atlas/internal/storage"
)

// server wires the coordinator's components to its HTTP and channel surface.
type server struct {
	cfg        config.Config
	store      storage.Store
	registry   *registry.Registry
	hub        *hub.Hub
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	monitor    monitoring.Service
	liveness   *registry.LivenessMonitor // nil unless liveness.stale_after is set
}

// newServer builds the coordinator over store. A nil exec calls workers over
// HTTP.
func newServer(cfg config.Config, store storage.Store, exec dispatch.Executor) *server {
	reg := registry.NewRegistry(cfg.BusyThreshold)
	h := hub.New()
	rt := router.New(h, store, cfg.Router)

	s := &server{
		cfg:        cfg,
		store:      store,
		registry:   reg,
		hub:        h,
		router:     rt,
		dispatcher: dispatch.New(reg, rt, store, exec, cfg.Dispatch),
		monitor:    monitoring.NewService(cfg.Daemon, reg, h, store, cfg.StoreTimeout),
	}
	if cfg.Liveness.StaleAfter > 0 {
		s.liveness = registry.NewLivenessMonitor(reg, cfg.Liveness.Interval, cfg.Liveness.StaleAfter)
		s.liveness.SetOnStale(func(id string, lastSeen time.Time) {
			s.recordEvent("worker_stale", gin.H{"worker_id": id, "last_seen": lastSeen})
		})
	}
	return s
}

func (s *server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	r.GET("/", s.handleIndex)

	r.POST("/worker/register", s.handleRegister)
	r.POST("/worker/heartbeat/:id", s.handleHeartbeat)
	r.GET("/workers", s.handleListWorkers)

	r.POST("/task/submit", s.handleSubmit)
	r.GET("/task/result/:id", s.handleResult)

	r.POST("/route", s.handleRoute)
	r.POST("/broadcast", s.handleBroadcast)
	r.GET("/pending/:name", s.handlePending)
	r.GET("/events/:daemon", s.handleEvents)

	monitoring.NewHandler(s.monitor).RegisterRoutes(r)

	r.GET("/ws/:name", s.handleChannel)
	return r
}

// recordEvent appends to the event log, best-effort.
func (s *server) recordEvent(event string, data any) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()
	if err := s.store.AppendEvent(ctx, storage.NewEvent(s.cfg.Daemon, event, data)); err != nil {
		log.Printf("[coordinator] could not record %s event: %v", event, err)
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func (s *server) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"daemon": s.cfg.Daemon,
		"role":   "Coordinator & Router",
		"endpoints": []string{
			"/worker/register", "/workers", "/worker/heartbeat/{id}",
			"/task/submit", "/task/result/{id}",
			"/route", "/broadcast", "/pending/{name}", "/events/{daemon}",
			"/ws/{name}", "/health", "/monitoring",
		},
	})
}

// handleRegister accepts a JSON body or, for older workers, query parameters.
func (s *server) handleRegister(c *gin.Context) {
	var req cluster.RegisterRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "bad json")
			return
		}
	} else {
		req.WorkerID = c.Query("worker_id")
		req.URL = c.Query("url")
		req.Capabilities = c.QueryArray("capabilities")
	}
	if req.WorkerID == "" || req.URL == "" {
		badRequest(c, "missing worker_id/url")
		return
	}

	s.registry.Register(req.WorkerID, req.URL, req.Capabilities)
	log.Printf("[coordinator] worker %s registered at %s %v", req.WorkerID, req.URL, req.Capabilities)
	s.recordEvent("worker_registered", gin.H{"worker_id": req.WorkerID, "url": req.URL})

	c.JSON(http.StatusOK, gin.H{"status": "registered", "worker_id": req.WorkerID})
}

// handleHeartbeat answers ok for any finite load; heartbeats from unknown
// workers are ignored.
func (s *server) handleHeartbeat(c *gin.Context) {
	var req cluster.HeartbeatRequest
	if v := c.Query("load"); v != "" {
		load, err := strconv.ParseFloat(v, 64)
		if err != nil {
			badRequest(c, "load must be a number")
			return
		}
		req.Load = load
	} else if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "bad json")
			return
		}
	}

	if math.IsNaN(req.Load) || math.IsInf(req.Load, 0) {
		badRequest(c, "load must be a finite number")
		return
	}

	if !s.registry.Heartbeat(c.Param("id"), req.Load) {
		log.Printf("[coordinator] heartbeat from unknown worker %s ignored", c.Param("id"))
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *server) handleListWorkers(c *gin.Context) {
	workers := s.registry.List()
	c.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}

func (s *server) handleSubmit(c *gin.Context) {
	var task cluster.Task
	if err := c.ShouldBindJSON(&task); err != nil {
		badRequest(c, "bad json")
		return
	}
	if task.Type == "" {
		badRequest(c, "missing task type")
		return
	}
	c.JSON(http.StatusOK, s.dispatcher.Submit(c.Request.Context(), task))
}

func (s *server) handleResult(c *gin.Context) {
	id := c.Param("id")
	res, ok := s.dispatcher.FetchResult(c.Request.Context(), id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": "not_found", "task_id": id})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *server) handleRoute(c *gin.Context) {
	var msg cluster.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		badRequest(c, "bad json")
		return
	}
	if msg.Target == "" {
		badRequest(c, "missing target")
		return
	}
	// identity and timestamps are assigned on persistence
	msg.ID, msg.CreatedAt = "", time.Time{}
	c.JSON(http.StatusOK, s.router.Route(c.Request.Context(), msg))
}

type broadcastRequest struct {
	Content json.RawMessage `json:"content"`
	Exclude []string        `json:"exclude"`
}

func (s *server) handleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "bad json")
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent_to": s.hub.Broadcast(req.Content, req.Exclude)})
}

func (s *server) handlePending(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.StoreTimeout)
	defer cancel()

	name := c.Param("name")
	n, err := s.store.Pending(ctx, name)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "pending": n})
}

func (s *server) handleEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		badRequest(c, "limit must be a positive integer")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.StoreTimeout)
	defer cancel()

	events, err := s.store.Events(ctx, c.Param("daemon"), limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	if events == nil {
		events = []storage.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// handleChannel upgrades to a websocket, makes it the live channel for the
// peer name, drains that peer's persisted messages and then serves its
// frames until the connection ends.
func (s *server) handleChannel(c *gin.Context) {
	name := c.Param("name")
	conn, err := hub.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[coordinator] upgrade for %s failed: %v", name, err)
		return
	}

	ch := hub.NewWSChannel(conn, s.cfg.Channel.WriteTimeout)
	s.hub.Connect(name, ch)
	log.Printf("[coordinator] %s connected", name)
	defer func() {
		s.hub.Disconnect(name, ch)
		_ = ch.Close()
		log.Printf("[coordinator] %s disconnected", name)
	}()

	ctx := context.Background()
	s.router.Drain(ctx, name, ch)

	for {
		data, err := ch.Read()
		if err != nil {
			return
		}
		s.handleFrame(ctx, name, ch, data)
	}
}

func (s *server) handleFrame(ctx context.Context, name string, ch hub.Channel, data []byte) {
	var f cluster.InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Printf("[coordinator] undecodable frame from %s skipped: %v", name, err)
		return
	}

	switch {
	case f.Target != "":
		s.router.Route(ctx, cluster.Message{Source: name, Target: f.Target, Type: f.Type, Content: f.Content})
	case f.Task != nil:
		task := *f.Task
		task.Source = name
		res := s.dispatcher.Submit(ctx, task)
		if err := ch.Send(res); err != nil {
			log.Printf("[coordinator] could not answer %s: %v", name, err)
		}
	default:
		log.Printf("[coordinator] frame from %s has neither target nor task", name)
	}
}

// shutdown stops background work and waits for dispatches in flight.
func (s *server) shutdown(ctx context.Context) error {
	if s.liveness != nil {
		s.liveness.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.New("dispatches still running at shutdown")
	}
	return s.store.Close(ctx)
}
