package handler

import (
	"net/http"

	"go.uber.org/zap"

	inboxerrors "github.com/capitalize-ai/agent-inbox/internal/errors"
	"github.com/capitalize-ai/agent-inbox/internal/middleware"
	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/reconciler"
	"github.com/capitalize-ai/agent-inbox/internal/service"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
)

// MessageHandler handles the transcript of the selected conversation.
type MessageHandler struct {
	inbox  *service.Inbox
	logger *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(inbox *service.Inbox, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		inbox:  inbox,
		logger: logger.OrGlobal(log).Named("handler"),
	}
}

// Transcript handles GET /api/v1/transcript
func (h *MessageHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, transcriptResponse(h.inbox.Transcript()))
}

// Send handles POST /api/v1/messages. The reply, if any, arrives later on
// the transcript and the event stream.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req model.SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.inbox.Send(r.Context(), req.Content); err != nil {
		h.logger.Error("failed to send message", zap.Error(err))
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, transcriptResponse(h.inbox.Transcript()))
}

func transcriptResponse(s reconciler.State) *model.TranscriptResponse {
	resp := &model.TranscriptResponse{
		ConversationID: s.ConversationID,
		Phase:          string(s.Phase),
		Transcript:     s.Transcript,
		Candidates:     s.Candidates,
		Syncing:        s.Syncing,
		Loading:        s.Loading,
		Creating:       s.Creating,
		Sending:        s.Sending,
		SyncError:      inboxerrors.Message(s.SyncErr),
		LoadError:      inboxerrors.Message(s.LoadErr),
		CreateError:    inboxerrors.Message(s.CreateErr),
		SendError:      inboxerrors.Message(s.SendErr),
		Waiting:        s.Waiting,
	}
	if resp.Transcript == nil {
		resp.Transcript = []model.TranscriptEntry{}
	}
	if s.Waiting {
		deadline := s.WaitDeadline
		resp.WaitDeadline = &deadline
	}
	return resp
}
