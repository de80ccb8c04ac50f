// Package health exposes liveness and readiness probes for the room
// engine process.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/partyhall/roomengine/internal/v1/bus"
	"github.com/partyhall/roomengine/internal/v1/logging"
)

// RoomRegistry is the narrow view of the dispatcher the readiness probe
// needs: whether the in-memory room map is still responsive.
type RoomRegistry interface {
	Count() int
}

// Handler manages health check endpoints.
type Handler struct {
	busService *bus.Service
	registry   RoomRegistry
}

// NewHandler creates a new health check handler.
func NewHandler(busService *bus.Service, registry RoomRegistry) *Handler {
	return &Handler{busService: busService, registry: registry}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live — returns 200 if the process is alive, no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready — returns 200 only if all critical dependencies are healthy.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	busStatus := h.checkBus(ctx)
	checks["bus"] = busStatus
	if busStatus != "healthy" {
		allHealthy = false
	}

	registryStatus := h.checkRegistry()
	checks["room_registry"] = registryStatus
	if registryStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// checkBus verifies the pub/sub bus is reachable. Single-instance mode
// (no bus configured) is considered healthy.
func (h *Handler) checkBus(ctx context.Context) string {
	if h.busService == nil {
		return "healthy"
	}
	if err := h.busService.Ping(ctx); err != nil {
		logging.Error(ctx, "bus health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// checkRegistry confirms the room registry is reachable; any responsive
// Count() call, even zero rooms, is healthy.
func (h *Handler) checkRegistry() string {
	if h.registry == nil {
		return "unhealthy"
	}
	_ = h.registry.Count()
	return "healthy"
}

// MarshalJSON implements custom JSON marshaling for readiness responses.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{Alias: (*Alias)(&r)})
}
