package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-gateway/internal/database"
	"github.com/stemsi/exstem-gateway/internal/response"
)

// SessionCounter reports how many attempt sessions are live.
type SessionCounter interface {
	Count() int
}

// HealthHandler reports dependency reachability and process stats.
type HealthHandler struct {
	checks    map[string]func(context.Context) error
	sessions  SessionCounter
	startTime time.Time
}

// NewHealthHandler creates a new HealthHandler. checks are keyed by
// dependency name, e.g. "postgres" or "redis".
func NewHealthHandler(checks map[string]func(context.Context) error, sessions SessionCounter) *HealthHandler {
	return &HealthHandler{checks: checks, sessions: sessions, startTime: time.Now()}
}

type healthReport struct {
	Status     string          `json:"status"`
	Checks     database.Health `json:"checks"`
	Sessions   int             `json:"sessions"`
	Goroutines int             `json:"goroutines"`
	HeapInUse  uint64          `json:"heap_in_use_bytes"`
	Uptime     string          `json:"uptime"`
}

// Health godoc
// GET /health
// Returns 503 when any dependency is unreachable.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks, err := database.Check(ctx, h.checks)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	report := healthReport{
		Status:     "ok",
		Checks:     checks,
		Goroutines: runtime.NumGoroutine(),
		HeapInUse:  mem.HeapInuse,
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
	}
	if h.sessions != nil {
		report.Sessions = h.sessions.Count()
	}

	status := http.StatusOK
	if err != nil {
		report.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	response.Success(c, status, report)
}
