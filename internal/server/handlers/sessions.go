package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/papergloss/backend/internal/domain"
	"github.com/papergloss/backend/internal/pipeline"
	"github.com/papergloss/backend/internal/platform/apierr"
	"github.com/papergloss/backend/internal/platform/logger"
	"github.com/papergloss/backend/internal/services"
	"github.com/papergloss/backend/internal/sse"
)

type SessionHandler struct {
	log     *logger.Logger
	manager *pipeline.Manager
	credits services.CreditService
	tokens  services.TokenService
	hub     *sse.Hub
}

func NewSessionHandler(log *logger.Logger, manager *pipeline.Manager, credits services.CreditService, tokens services.TokenService, hub *sse.Hub) *SessionHandler {
	return &SessionHandler{
		log:     log.With("handler", "SessionHandler"),
		manager: manager,
		credits: credits,
		tokens:  tokens,
		hub:     hub,
	}
}

type createSessionRequest struct {
	Title          string `json:"title"`
	Text           string `json:"text" binding:"required"`
	Profile        string `json:"profile"`
	CredentialCode string `json:"credential_code" binding:"required"`
}

func (h *SessionHandler) Create(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.New(http.StatusBadRequest, "bad_request", err))
		return
	}

	ctx := c.Request.Context()
	if err := h.credits.Admit(ctx, req.CredentialCode); err != nil {
		switch {
		case errors.Is(err, domain.ErrCredentialUnknown):
			respondError(c, apierr.New(http.StatusUnauthorized, "unknown_credential", err))
		case errors.Is(err, domain.ErrUsageExhausted):
			respondError(c, apierr.New(http.StatusForbidden, "usage_exhausted", err))
		default:
			respondError(c, apierr.New(http.StatusServiceUnavailable, "credit_service_unavailable", err))
		}
		return
	}

	doc := domain.Document{ID: uuid.New(), Title: req.Title, Text: req.Text}
	session, err := h.manager.Start(doc, domain.SessionConfig{
		CredentialCode: req.CredentialCode,
		Profile:        domain.Profile(req.Profile),
	})
	if err != nil {
		// The use was consumed but no session started; give it back.
		if rerr := h.credits.Refund(ctx, req.CredentialCode); rerr != nil {
			h.log.Error("credential refund failed", "error", rerr)
		}
		var segErr *domain.SegmentationError
		if errors.As(err, &segErr) {
			respondError(c, apierr.New(http.StatusUnprocessableEntity, "segmentation_failed", err))
			return
		}
		respondError(c, apierr.New(http.StatusInternalServerError, "session_start_failed", err))
		return
	}

	token, err := h.tokens.Mint(session.ID)
	if err != nil {
		h.log.Error("token mint failed", "session_id", session.ID, "error", err)
		respondError(c, apierr.New(http.StatusInternalServerError, "token_mint_failed", err))
		return
	}

	snap := session.Snapshot()
	c.JSON(http.StatusCreated, gin.H{
		"session_id": session.ID,
		"token":      token,
		"state":      snap.State,
		"segments":   len(snap.Segments),
	})
}

func (h *SessionHandler) Get(c *gin.Context) {
	session, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session.Snapshot())
}

func (h *SessionHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierr.New(http.StatusBadRequest, "bad_session_id", err))
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if err := h.manager.Cancel(id, body.Reason); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			respondError(c, apierr.New(http.StatusNotFound, "session_not_found", err))
			return
		}
		respondError(c, apierr.New(http.StatusInternalServerError, "cancel_failed", err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// Events streams the session's progress events over SSE until the session
// reaches a terminal state or the client disconnects.
func (h *SessionHandler) Events(c *gin.Context) {
	session, ok := h.lookup(c)
	if !ok {
		return
	}

	client := h.hub.Subscribe(session.ID)
	defer h.hub.Unsubscribe(client)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// If the session already finished there is nothing left to stream; send
	// the terminal state so the client can fetch the snapshot.
	if session.State().Terminal() {
		c.SSEvent("session", gin.H{"state": session.State()})
		return
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, open := <-client.Outbound:
			if !open {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return ev.Type != domain.EventSessionFinished
		case <-session.Done():
			// Drain whatever the hub already queued, then stop.
			for {
				select {
				case ev := <-client.Outbound:
					c.SSEvent(string(ev.Type), ev)
				default:
					return false
				}
			}
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *SessionHandler) lookup(c *gin.Context) (*pipeline.Session, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierr.New(http.StatusBadRequest, "bad_session_id", err))
		return nil, false
	}
	session, err := h.manager.Get(id)
	if err != nil {
		respondError(c, apierr.New(http.StatusNotFound, "session_not_found", err))
		return nil, false
	}
	return session, true
}

func respondError(c *gin.Context, err *apierr.Error) {
	c.JSON(err.Status, gin.H{
		"error": gin.H{"message": err.Error(), "code": err.Code},
	})
}
