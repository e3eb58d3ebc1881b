package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	inboxerrors "github.com/capitalize-ai/agent-inbox/internal/errors"
	"github.com/capitalize-ai/agent-inbox/internal/middleware"
	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/service"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
	"github.com/capitalize-ai/agent-inbox/pkg/metrics"
)

// eventBuffer is the number of engine events queued per client before the
// stream tells the client to resync.
const eventBuffer = 64

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	inbox     *service.Inbox
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(inbox *service.Inbox, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &StreamHandler{
		inbox:     inbox,
		heartbeat: heartbeat,
		logger:    logger.OrGlobal(log).Named("stream"),
	}
}

// Events handles GET /api/v1/events. It sends a snapshot on connect, then
// one event per engine change and a heartbeat while idle.
func (h *StreamHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the snapshot so no change between the two is missed.
	events := make(chan model.InboxEvent, eventBuffer)
	overflow := make(chan struct{}, 1)
	unsubscribe := h.inbox.Subscribe(func(ev model.InboxEvent) {
		select {
		case events <- ev:
		default:
			select {
			case overflow <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.With(zap.String("correlation_id", middleware.GetCorrelationID(ctx)))
	if err := h.sendSnapshot(w, flusher); err != nil {
		log.Warn("failed to write snapshot", zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case ev := <-events:
			err = sendSSEEvent(w, flusher, string(ev.Type), &ev)

		case <-overflow:
			// The client fell behind; drop the backlog and send a fresh snapshot.
			for len(events) > 0 {
				<-events
			}
			err = h.sendSnapshot(w, flusher)

		case <-heartbeat.C:
			err = sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
		if err != nil {
			log.Warn("failed to write event", zap.Error(err))
			return
		}
	}
}

func (h *StreamHandler) sendSnapshot(w http.ResponseWriter, flusher http.Flusher) error {
	status, err := h.inbox.Status()
	snapshot := struct {
		Conversations *model.ConversationsResponse `json:"conversations"`
		Transcript    *model.TranscriptResponse    `json:"transcript"`
	}{
		Conversations: &model.ConversationsResponse{
			InboxID:       h.inbox.InboxID(),
			Status:        string(status),
			Conversations: h.inbox.Conversations(),
		},
		Transcript: transcriptResponse(h.inbox.Transcript()),
	}
	if err != nil {
		snapshot.Conversations.Error = inboxerrors.Message(err)
	}
	return sendSSEEvent(w, flusher, "snapshot", &snapshot)
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
