package handler

import (
	"net/http"
	"time"

	"claude-relay/internal/accountpool"

	"github.com/gin-gonic/gin"
)

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	pool *accountpool.Manager
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(pool *accountpool.Manager) *HealthHandler {
	return &HealthHandler{pool: pool}
}

// Health reports process liveness and pool counters.
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	payload := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if start, exists := c.Get("serverStartTime"); exists {
		if startTime, ok := start.(time.Time); ok {
			payload["uptime"] = time.Since(startTime).String()
		}
	}
	if h.pool != nil {
		status := h.pool.Status()
		payload["accounts"] = status.TotalAccounts
		payload["valid_accounts"] = status.ValidAccounts
	}
	c.JSON(http.StatusOK, payload)
}
