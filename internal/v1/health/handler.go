package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/collab-audio/roomcore/internal/v1/fanout"
	"github.com/collab-audio/roomcore/internal/v1/logging"
	"github.com/collab-audio/roomcore/internal/v1/voicebus"
	"go.uber.org/zap"
)

// Handler manages health check endpoints.
type Handler struct {
	fan *fanout.Service
	bus *voicebus.Bus
}

// NewHandler creates a new health check handler. Either dependency may be
// nil (single-instance mode with no voice server configured); both checks
// degrade to "healthy" in that case, matching fanout's and voicebus's own
// nil-receiver no-op conventions.
func NewHandler(fan *fanout.Service, bus *voicebus.Bus) *Handler {
	return &Handler{fan: fan, bus: bus}
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
// GET /health/live
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkFanout(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	voiceStatus := h.checkVoiceBus()
	checks["voice_bus"] = voiceStatus
	if voiceStatus != "healthy" {
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

func (h *Handler) checkFanout(ctx context.Context) string {
	if h.fan == nil {
		return "healthy"
	}
	if err := h.fan.Ping(ctx); err != nil {
		logging.Error(ctx, "fanout health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkVoiceBus() string {
	if !h.bus.Healthy() {
		return "unhealthy"
	}
	return "healthy"
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
