package model

import (
	"time"
)

// SelectRequest is the body of PUT /selection. An empty id clears it.
type SelectRequest struct {
	ConversationID string `json:"conversation_id"`
}

// ComposeRequest is the body of PUT /compose.
type ComposeRequest struct {
	Addresses []string `json:"addresses"`
}

// SendMessageRequest is the body of POST /messages.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// ConsentRequest is the body of PUT /conversations/{id}/consent.
type ConsentRequest struct {
	State string `json:"state"`
}

// ConsentResponse reports the consent state written for a conversation.
type ConsentResponse struct {
	ConversationID string       `json:"conversation_id"`
	State          ConsentState `json:"state"`
}

// OpenDMRequest is the body of POST /dms.
type OpenDMRequest struct {
	Address string `json:"address"`
}

// ConversationsResponse lists the visible conversations, most recent first.
type ConversationsResponse struct {
	InboxID       string                `json:"inbox_id"`
	Status        string                `json:"status"`
	Error         string                `json:"error,omitempty"`
	Conversations []ConversationSummary `json:"conversations"`
}

// TranscriptResponse is the state of the selected conversation.
type TranscriptResponse struct {
	ConversationID string            `json:"conversation_id,omitempty"`
	Phase          string            `json:"phase"`
	Transcript     []TranscriptEntry `json:"transcript"`
	Candidates     []string          `json:"candidates,omitempty"`

	Syncing  bool `json:"syncing"`
	Loading  bool `json:"loading"`
	Creating bool `json:"creating"`
	Sending  bool `json:"sending"`

	SyncError   string `json:"sync_error,omitempty"`
	LoadError   string `json:"load_error,omitempty"`
	CreateError string `json:"create_error,omitempty"`
	SendError   string `json:"send_error,omitempty"`

	Waiting      bool       `json:"waiting"`
	WaitDeadline *time.Time `json:"wait_deadline,omitempty"`
}

// ParticipantsResponse lists the member addresses of a conversation.
type ParticipantsResponse struct {
	ConversationID string   `json:"conversation_id"`
	Addresses      []string `json:"addresses"`
}
