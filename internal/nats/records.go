package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/capitalize-ai/agent-inbox/internal/model"
)

// conversationRecord is the payload of meta subjects and inbox invites.
type conversationRecord struct {
	ID        string     `json:"id"`
	Kind      model.Kind `json:"kind"`
	Name      string     `json:"name,omitempty"`
	Creator   string     `json:"creator"`
	Members   []string   `json:"members"`
	CreatedAt time.Time  `json:"created_at"`
}

func (r conversationRecord) hasMember(inboxID string) bool {
	for _, m := range r.Members {
		if m == inboxID {
			return true
		}
	}
	return false
}

// peerOf returns the first member other than self, or "" when self is alone.
func (r conversationRecord) peerOf(self string) string {
	for _, m := range r.Members {
		if m != self {
			return m
		}
	}
	return ""
}

func decodeRecord(data []byte) (conversationRecord, error) {
	var rec conversationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return conversationRecord{}, fmt.Errorf("failed to unmarshal conversation record: %w", err)
	}
	if rec.ID == "" {
		return conversationRecord{}, fmt.Errorf("conversation record without id")
	}
	return rec, nil
}

// decodeMessage decodes a relayed message. Messages without a send time take
// the time the relay stored them.
func decodeMessage(data []byte, stored time.Time) (model.Message, error) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return model.Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.SentAt.IsZero() && msg.SentAtNs == 0 {
		msg.SentAt = stored
	}
	if msg.ContentType == "" {
		msg.ContentType = model.ContentTypeText
	}
	return msg, nil
}

// newMembers returns creator followed by members, without duplicates.
func newMembers(creator string, members []string) []string {
	seen := map[string]bool{creator: true}
	out := []string{creator}
	for _, m := range members {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
