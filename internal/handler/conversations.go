// Package handler provides HTTP handlers for the inbox API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	inboxerrors "github.com/capitalize-ai/agent-inbox/internal/errors"
	"github.com/capitalize-ai/agent-inbox/internal/middleware"
	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/service"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	inbox  *service.Inbox
	logger *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(inbox *service.Inbox, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		inbox:  inbox,
		logger: logger.OrGlobal(log).Named("handler"),
	}
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshot())
}

func (h *ConversationHandler) snapshot() *model.ConversationsResponse {
	status, err := h.inbox.Status()
	return &model.ConversationsResponse{
		InboxID:       h.inbox.InboxID(),
		Status:        string(status),
		Error:         inboxerrors.Message(err),
		Conversations: h.inbox.Conversations(),
	}
}

// Refresh handles POST /api/v1/conversations/refresh
func (h *ConversationHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.inbox.Refresh(r.Context()); err != nil {
		h.logger.Error("failed to refresh conversations", zap.Error(err))
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.snapshot())
}

// Select handles PUT /api/v1/selection
func (h *ConversationHandler) Select(w http.ResponseWriter, r *http.Request) {
	var req model.SelectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ConversationID != "" {
		if err := middleware.ValidateConversationID(req.ConversationID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := h.inbox.Select(req.ConversationID); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Compose handles PUT /api/v1/compose
func (h *ConversationHandler) Compose(w http.ResponseWriter, r *http.Request) {
	var req model.ComposeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateAddresses(req.Addresses); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.inbox.Compose(req.Addresses)
	writeJSON(w, http.StatusOK, transcriptResponse(h.inbox.Transcript()))
}

// OpenDM handles POST /api/v1/dms
func (h *ConversationHandler) OpenDM(w http.ResponseWriter, r *http.Request) {
	var req model.OpenDMRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateAddress(req.Address); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := h.inbox.OpenDM(r.Context(), req.Address)
	if err != nil {
		h.logger.Error("failed to open dm", zap.Error(err))
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// SetConsent handles PUT /api/v1/conversations/:id/consent
func (h *ConversationHandler) SetConsent(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := conversationParam(w, r)
	if !ok {
		return
	}

	var req model.ConsentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	state, err := middleware.ValidateConsentState(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.inbox.SetConsent(r.Context(), conversationID, state); err != nil {
		h.logger.Error("failed to set consent", zap.String("conversation_id", conversationID), zap.Error(err))
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &model.ConsentResponse{ConversationID: conversationID, State: state})
}

// ToggleDeny handles POST /api/v1/conversations/:id/consent/toggle
func (h *ConversationHandler) ToggleDeny(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := conversationParam(w, r)
	if !ok {
		return
	}

	state, err := h.inbox.ToggleDeny(r.Context(), conversationID)
	if err != nil {
		h.logger.Error("failed to toggle consent", zap.String("conversation_id", conversationID), zap.Error(err))
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &model.ConsentResponse{ConversationID: conversationID, State: state})
}

// Participants handles GET /api/v1/conversations/:id/participants
func (h *ConversationHandler) Participants(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := conversationParam(w, r)
	if !ok {
		return
	}

	addresses, err := h.inbox.Participants(r.Context(), conversationID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if addresses == nil {
		addresses = []string{}
	}
	writeJSON(w, http.StatusOK, &model.ParticipantsResponse{ConversationID: conversationID, Addresses: addresses})
}

func conversationParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return conversationID, true
}
