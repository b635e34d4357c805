package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandler reports service liveness plus the state of the optional
// backing dependencies that are wired in.
type HealthHandler struct {
	deps *Dependencies
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{deps: deps}
}

// Health handles GET /health
// Returns 200 while every wired dependency is reachable, 503 otherwise
func (h *HealthHandler) Health(c *gin.Context) {
	healthy := true
	checks := gin.H{}

	if h.deps.DB != nil {
		if err := h.deps.DB.HealthCheck(c.Request.Context()); err != nil {
			healthy = false
			checks["database"] = err.Error()
		} else {
			checks["database"] = "ok"
		}
	}

	if h.deps.Rabbit != nil {
		if h.deps.Rabbit.IsConnected() {
			checks["rabbitmq"] = "ok"
		} else {
			healthy = false
			checks["rabbitmq"] = "disconnected"
		}
	}

	status := http.StatusOK
	body := gin.H{
		"status":  "healthy",
		"service": "job-runner-service",
		"checks":  checks,
	}
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}

	c.JSON(status, body)
}
