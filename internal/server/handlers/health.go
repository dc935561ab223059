package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/papergloss/backend/internal/pipeline"
)

type HealthHandler struct {
	manager *pipeline.Manager
}

func NewHealthHandler(manager *pipeline.Manager) *HealthHandler {
	return &HealthHandler{manager: manager}
}

func (h *HealthHandler) Healthz(c *gin.Context) {
	capacity, inUse, queued := h.manager.GateStats()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"scheduler": gin.H{
			"capacity": capacity,
			"in_use":   inUse,
			"queued":   queued,
		},
	})
}
