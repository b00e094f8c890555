package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"fleet-orchestrator/internal/events"
	redisclient "fleet-orchestrator/internal/redis"
)

var startTime = time.Now()

// HealthHandler handles health and readiness endpoints
type HealthHandler struct {
	db        *gorm.DB
	publisher *events.Publisher
	redis     *redisclient.Client
}

// NewHealthHandler creates a new health handler. The publisher and redis
// client may be nil when those backends are not configured.
func NewHealthHandler(db *gorm.DB, publisher *events.Publisher, redis *redisclient.Client) *HealthHandler {
	return &HealthHandler{db: db, publisher: publisher, redis: redis}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string           `json:"status"`
	Service   string           `json:"service"`
	Version   string           `json:"version"`
	Uptime    string           `json:"uptime"`
	Timestamp string           `json:"timestamp"`
	Checks    map[string]Check `json:"checks,omitempty"`
	System    *SystemInfo      `json:"system,omitempty"`
}

// Check represents one dependency check result
type Check struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SystemInfo represents system runtime information
type SystemInfo struct {
	Goroutines  int    `json:"goroutines"`
	MemoryAlloc uint64 `json:"memory_alloc_mb"`
	MemorySys   uint64 `json:"memory_sys_mb"`
	NumCPU      int    `json:"num_cpu"`
	GoVersion   string `json:"go_version"`
}

// Health reports liveness. Detailed dependency checks are included when
// requested with ?detailed=true.
func (h *HealthHandler) Health(c *gin.Context) {
	response := HealthResponse{
		Status:    "healthy",
		Service:   "fleet-orchestrator",
		Version:   "1.0.0",
		Uptime:    time.Since(startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if c.Query("detailed") == "true" {
		response.Checks = h.performChecks(c.Request.Context())
		response.System = getSystemInfo()
	}

	c.JSON(http.StatusOK, response)
}

// Ready reports readiness. The database is required; NATS and Redis are
// degraded-mode dependencies and do not fail readiness on their own.
func (h *HealthHandler) Ready(c *gin.Context) {
	response := HealthResponse{
		Service:   "fleet-orchestrator",
		Version:   "1.0.0",
		Uptime:    time.Since(startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    h.performChecks(c.Request.Context()),
	}

	if response.Checks["database"].Status == "healthy" {
		response.Status = "ready"
		c.JSON(http.StatusOK, response)
		return
	}

	response.Status = "not ready"
	c.JSON(http.StatusServiceUnavailable, response)
}

func (h *HealthHandler) performChecks(ctx context.Context) map[string]Check {
	checks := map[string]Check{
		"database": h.checkDatabase(),
	}

	if h.publisher != nil {
		if h.publisher.IsConnected() {
			checks["nats"] = Check{Status: "healthy", Message: "NATS connected"}
		} else {
			checks["nats"] = Check{Status: "unhealthy", Message: "NATS disconnected"}
		}
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx); err != nil {
			checks["redis"] = Check{Status: "unhealthy", Message: "Redis ping failed"}
		} else {
			checks["redis"] = Check{Status: "healthy", Message: "Redis connected"}
		}
	}

	return checks
}

func (h *HealthHandler) checkDatabase() Check {
	sqlDB, err := h.db.DB()
	if err != nil {
		return Check{Status: "unhealthy", Message: "Failed to get database instance"}
	}

	if err := sqlDB.Ping(); err != nil {
		return Check{Status: "unhealthy", Message: "Database ping failed"}
	}

	stats := sqlDB.Stats()
	return Check{
		Status:  "healthy",
		Message: "Database connected",
		Details: map[string]interface{}{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
		},
	}
}

func getSystemInfo() *SystemInfo {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return &SystemInfo{
		Goroutines:  runtime.NumGoroutine(),
		MemoryAlloc: mem.Alloc / 1024 / 1024,
		MemorySys:   mem.Sys / 1024 / 1024,
		NumCPU:      runtime.NumCPU(),
		GoVersion:   runtime.Version(),
	}
}
