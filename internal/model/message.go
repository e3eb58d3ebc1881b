package model

import (
	"time"
)

// Role is the display role of a transcript entry.
type Role string

const (
	// RoleUser marks messages sent by the local inbox.
	RoleUser Role = "user"
	// RoleAssistant marks messages sent by anyone else.
	RoleAssistant Role = "assistant"
)

// ContentType identifies how a message payload is encoded.
type ContentType string

const (
	ContentTypeText             ContentType = "text"
	ContentTypeMarkdown         ContentType = "markdown"
	ContentTypeReaction         ContentType = "reaction"
	ContentTypeReply            ContentType = "reply"
	ContentTypeReadReceipt      ContentType = "read_receipt"
	ContentTypeRemoteAttachment ContentType = "remote_attachment"
	ContentTypeTransactionRef   ContentType = "transaction_reference"
	ContentTypeWalletSendCalls  ContentType = "wallet_send_calls"
)

// Message is a decoded message as delivered by the transport.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderInboxID  string      `json:"sender_inbox_id"`
	ContentType    ContentType `json:"content_type"`
	Content        string      `json:"content"`

	// SentAt is set by transports with wall clock timestamps; SentAtNs by
	// transports that only carry nanoseconds since the epoch.
	SentAt   time.Time `json:"sent_at,omitempty"`
	SentAtNs int64     `json:"sent_at_ns,omitempty"`
}

// IsText reports whether the message decodes to plain text.
func (m Message) IsText() bool {
	switch m.ContentType {
	case ContentTypeText, ContentTypeMarkdown:
		return true
	default:
		return false
	}
}

// Timestamp returns the send time in milliseconds since the epoch, and false
// if the message carries no timestamp at all.
func (m Message) Timestamp() (int64, bool) {
	if !m.SentAt.IsZero() {
		return m.SentAt.UnixMilli(), true
	}
	if m.SentAtNs != 0 {
		return m.SentAtNs / int64(time.Millisecond), true
	}
	return 0, false
}

// RoleOf derives the display role of msg for the inbox selfInboxID.
func RoleOf(msg Message, selfInboxID string) Role {
	if msg.SenderInboxID == selfInboxID {
		return RoleUser
	}
	return RoleAssistant
}

// TranscriptEntry is a message as shown in a conversation transcript.
type TranscriptEntry struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	SentAt     time.Time `json:"sent_at,omitempty"`
	Optimistic bool      `json:"optimistic,omitempty"`
}

// NewTranscriptEntry maps a transport message into a transcript entry.
func NewTranscriptEntry(msg Message, selfInboxID string) TranscriptEntry {
	sentAt := msg.SentAt
	if sentAt.IsZero() && msg.SentAtNs != 0 {
		sentAt = time.Unix(0, msg.SentAtNs)
	}
	return TranscriptEntry{
		ID:      msg.ID,
		Role:    RoleOf(msg, selfInboxID),
		Content: msg.Content,
		SentAt:  sentAt,
	}
}
