package model

import (
	"time"
)

// EventType is the kind of engine change pushed to observers.
type EventType string

const (
	EventConversations EventType = "conversations"
	EventSelection     EventType = "selection"
	EventTranscript    EventType = "transcript"
	EventError         EventType = "error"
)

// ConversationSummary is the read-only view of a conversation for a UI.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Name         string    `json:"name,omitempty"`
	DisplayName  string    `json:"display_name"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Selected     bool      `json:"selected"`
}

// InboxEvent is a change notification published by the engine.
type InboxEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// HeartbeatEvent keeps idle event streams open.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent is written to event streams when a request fails mid-stream.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
