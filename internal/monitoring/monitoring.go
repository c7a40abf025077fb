// Package monitoring reports coordinator and host health for the /health and
// /monitoring endpoints.
package monitoring

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dreamware/atlas/internal/hub"
	"github.com/dreamware/atlas/internal/registry"
	"github.com/dreamware/atlas/internal/storage"
)

type WorkerCounts struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// Health is the short liveness summary.
type Health struct {
	Daemon           string       `json:"daemon"`
	Status           string       `json:"status"`
	Workers          WorkerCounts `json:"workers"`
	BusyThreshold    float64      `json:"busy_threshold"`
	ConnectedDaemons []string     `json:"connected_daemons"`
	Storage          string       `json:"storage"`
	TS               time.Time    `json:"ts"`
}

type SystemStats struct {
	// Process specific
	NumGoroutine int    `json:"num_goroutine"`
	Alloc        uint64 `json:"alloc_bytes"`
	Sys          uint64 `json:"sys_bytes"`
	NumGC        uint32 `json:"num_gc"`

	// System wide
	Hostname        string    `json:"hostname"`
	UptimeSeconds   uint64    `json:"uptime_seconds"`
	TotalRAM        uint64    `json:"total_ram"`
	AvailableRAM    uint64    `json:"available_ram"`
	UsedRAMPercent  float64   `json:"used_ram_percent"`
	TotalCPUCores   int       `json:"total_cpu_cores"`
	CPUUsagePercent []float64 `json:"cpu_usage_percent"`
}

// Status is the detailed report.
type Status struct {
	Health
	WorkerList []registry.Worker `json:"worker_list"`
	System     SystemStats       `json:"system"`
}

type Service interface {
	Health(ctx context.Context) Health
	GetStatus(ctx context.Context) Status
}

type monitoringService struct {
	daemon  string
	reg     *registry.Registry
	hub     *hub.Hub
	store   storage.Store
	timeout time.Duration
}

// NewService reads from reg, h and store. It never mutates them.
func NewService(daemon string, reg *registry.Registry, h *hub.Hub, store storage.Store, timeout time.Duration) Service {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &monitoringService{daemon: daemon, reg: reg, hub: h, store: store, timeout: timeout}
}

func (s *monitoringService) Health(ctx context.Context) Health {
	storageStatus := "ok"
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	if err := s.store.Ping(pctx); err != nil {
		storageStatus = "down"
	}
	cancel()

	total, ready := s.reg.Counts()
	return Health{
		Daemon:           s.daemon,
		Status:           "awake",
		Workers:          WorkerCounts{Total: total, Active: ready},
		BusyThreshold:    s.reg.Threshold(),
		ConnectedDaemons: s.hub.Names(),
		Storage:          storageStatus,
		TS:               time.Now().UTC(),
	}
}

func (s *monitoringService) GetStatus(ctx context.Context) Status {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	vMem, _ := mem.VirtualMemory()
	cpuPercent, _ := cpu.PercentWithContext(ctx, 0, true) // per cpu
	info, _ := host.InfoWithContext(ctx)

	sysStats := SystemStats{
		NumGoroutine:    runtime.NumGoroutine(),
		Alloc:           memStats.Alloc,
		Sys:             memStats.Sys,
		NumGC:           memStats.NumGC,
		TotalCPUCores:   runtime.NumCPU(),
		CPUUsagePercent: cpuPercent,
	}
	if vMem != nil {
		sysStats.TotalRAM = vMem.Total
		sysStats.AvailableRAM = vMem.Available
		sysStats.UsedRAMPercent = vMem.UsedPercent
	}
	if info != nil {
		sysStats.Hostname = info.Hostname
		sysStats.UptimeSeconds = info.Uptime
	}

	return Status{
		Health:     s.Health(ctx),
		WorkerList: s.reg.List(),
		System:     sysStats,
	}
}

type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g gin.IRoutes) {
	g.GET("/health", h.GetHealth)
	g.GET("/monitoring", h.GetMonitoringStatus)
}

func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Health(c.Request.Context()))
}

func (h *Handler) GetMonitoringStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.GetStatus(c.Request.Context()))
}
