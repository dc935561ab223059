package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/papergloss/backend/internal/config"
	"github.com/papergloss/backend/internal/platform/apierr"
	"github.com/papergloss/backend/internal/platform/logger"
	"github.com/papergloss/backend/internal/services"
)

// AdminHandler carries the two operator actions the service needs: granting
// usage credentials and forcing a config reload (the same path SIGHUP takes).
type AdminHandler struct {
	log     *logger.Logger
	credits services.CreditService
	cfg     *config.Store
}

func NewAdminHandler(log *logger.Logger, credits services.CreditService, cfg *config.Store) *AdminHandler {
	return &AdminHandler{
		log:     log.With("handler", "AdminHandler"),
		credits: credits,
		cfg:     cfg,
	}
}

type grantCredentialRequest struct {
	Code string `json:"code" binding:"required"`
	Uses int    `json:"uses" binding:"required"`
}

func (h *AdminHandler) GrantCredential(c *gin.Context) {
	var req grantCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.New(http.StatusBadRequest, "bad_request", err))
		return
	}
	if err := h.credits.Grant(c.Request.Context(), req.Code, req.Uses); err != nil {
		respondError(c, apierr.New(http.StatusServiceUnavailable, "grant_failed", err))
		return
	}
	h.log.Info("credential granted", "uses", req.Uses)
	c.JSON(http.StatusCreated, gin.H{"code": req.Code, "uses": req.Uses})
}

func (h *AdminHandler) ReloadConfig(c *gin.Context) {
	if err := h.cfg.Reload(); err != nil {
		respondError(c, apierr.New(http.StatusUnprocessableEntity, "config_rejected", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}
