package sse

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/papergloss/backend/internal/domain"
	"github.com/papergloss/backend/internal/platform/logger"
)

// Client is one connected progress-stream consumer. Outbound is drained by
// the HTTP handler; a lagging client drops events rather than stalling the
// pipeline.
type Client struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Outbound  chan domain.ProgressEvent
}

// Hub fans session progress events out to subscribed SSE clients. It
// implements pipeline.EventSink, so the orchestrator publishes through it
// without knowing about HTTP.
type Hub struct {
	mu      sync.RWMutex
	log     *logger.Logger
	clients map[uuid.UUID]map[*Client]bool // session id -> subscribers
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:     log.With("component", "SSEHub"),
		clients: make(map[uuid.UUID]map[*Client]bool),
	}
}

func (h *Hub) Subscribe(sessionID uuid.UUID) *Client {
	c := &Client{
		ID:        uuid.New(),
		SessionID: sessionID,
		Outbound:  make(chan domain.ProgressEvent, 32),
	}
	h.mu.Lock()
	subs, ok := h.clients[sessionID]
	if !ok {
		subs = make(map[*Client]bool)
		h.clients[sessionID] = subs
	}
	subs[c] = true
	h.mu.Unlock()
	h.log.Debug("sse client subscribed", "client_id", c.ID, "session_id", sessionID)
	return c
}

func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	if subs, ok := h.clients[c.SessionID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.clients, c.SessionID)
		}
	}
	h.mu.Unlock()
	h.log.Debug("sse client unsubscribed", "client_id", c.ID, "session_id", c.SessionID)
}

// Record implements pipeline.EventSink.
func (h *Hub) Record(_ context.Context, ev domain.ProgressEvent) {
	h.mu.RLock()
	subs := h.clients[ev.SessionID]
	for c := range subs {
		select {
		case c.Outbound <- ev:
		default:
			h.log.Warn("sse client lagging, dropping event", "client_id", c.ID, "session_id", ev.SessionID)
		}
	}
	h.mu.RUnlock()
}
