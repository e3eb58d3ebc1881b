package handler

import (
	"net/http"

	"github.com/capitalize-ai/agent-inbox/internal/conversations"
	natsclient "github.com/capitalize-ai/agent-inbox/internal/nats"
	"github.com/capitalize-ai/agent-inbox/internal/service"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	natsClient *natsclient.Client
	inbox      *service.Inbox
}

// NewHealthHandler creates a new health handler. natsClient is nil when the
// inbox does not use the relay.
func NewHealthHandler(natsClient *natsclient.Client, inbox *service.Inbox) *HealthHandler {
	return &HealthHandler{
		natsClient: natsClient,
		inbox:      inbox,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.natsClient != nil && !h.natsClient.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	if status, _ := h.inbox.Status(); status == conversations.StatusIdle || status == conversations.StatusError {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "conversations " + string(status),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
