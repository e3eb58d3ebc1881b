// Package transport defines the contract between the inbox engine and the
// messaging network that carries conversations.
//
// Identity, encryption and wire encoding live behind these interfaces. The
// engine only ever sees decoded messages and conversation handles.
package transport

import (
	"context"
	"fmt"
	"time"

	inboxerrors "github.com/capitalize-ai/agent-inbox/internal/errors"
	"github.com/capitalize-ai/agent-inbox/internal/model"
)

// Client is an authenticated connection to the network for one inbox.
type Client interface {
	InboxID() string
	Conversations() Conversations
	Preferences() Preferences
}

// GroupOptions configures a new group conversation.
type GroupOptions struct {
	Name string
}

// Conversations is the conversation directory of a client.
type Conversations interface {
	// Sync pulls remote conversation state into the client.
	Sync(ctx context.Context) error
	// List returns the locally known conversations, possibly with duplicates.
	List(ctx context.Context) ([]Conversation, error)
	// Stream delivers new or updated conversations until the stream is ended
	// or ctx is cancelled.
	Stream(ctx context.Context, onValue func(Conversation)) (Stream, error)
	NewGroupWithIdentities(ctx context.Context, identities []model.Identity, opts GroupOptions) (Group, error)
	NewDM(ctx context.Context, identity model.Identity) (DM, error)
	GetByID(ctx context.Context, id string) (Conversation, error)
}

// Conversation is a handle to a group or a direct message conversation.
type Conversation interface {
	ID() string
	Kind() model.Kind
	CreatedAt() time.Time
	Members(ctx context.Context) ([]model.Member, error)
	// LastMessage returns nil when the conversation has no messages.
	LastMessage(ctx context.Context) (*model.Message, error)
	Sync(ctx context.Context) error
	Messages(ctx context.Context) ([]model.Message, error)
	StreamMessages(ctx context.Context, onValue func(model.Message)) (Stream, error)
	// Send publishes text and returns the id assigned by the network.
	Send(ctx context.Context, text string) (string, error)
}

// MarkdownSender is implemented by conversations that can publish markdown.
// Reply agents send through it; plain text is reserved for human input.
type MarkdownSender interface {
	SendMarkdown(ctx context.Context, text string) (string, error)
}

// Group is a named multi-member conversation with its own consent state.
type Group interface {
	Conversation
	Name() string
	ConsentState(ctx context.Context) (model.ConsentState, error)
}

// DM is a conversation with exactly one peer inbox.
type DM interface {
	Conversation
	PeerInboxID(ctx context.Context) (string, error)
}

// Preferences stores consent decisions for the local inbox.
type Preferences interface {
	// IsAllowed reports whether inboxID has not been denied.
	IsAllowed(ctx context.Context, inboxID string) (bool, error)
	SetConsentStates(ctx context.Context, records []model.ConsentRecord) error
}

// Stream is a live subscription. End is idempotent.
type Stream interface {
	End() error
}

// Visitor handles each conversation kind. Adding a kind adds a method here,
// so every implementation must handle it.
type Visitor[T any] interface {
	Group(g Group) T
	DM(d DM) T
	Other(c Conversation) T
}

// Visit dispatches conv to the method of v matching its kind.
func Visit[T any](conv Conversation, v Visitor[T]) T {
	switch conv.Kind() {
	case model.KindGroup:
		if g, ok := conv.(Group); ok {
			return v.Group(g)
		}
	case model.KindDM:
		if d, ok := conv.(DM); ok {
			return v.DM(d)
		}
	}
	return v.Other(conv)
}

// AsGroup returns conv as a Group, or ErrUnsupportedKind.
func AsGroup(conv Conversation) (Group, error) {
	if g, ok := conv.(Group); ok && conv.Kind() == model.KindGroup {
		return g, nil
	}
	return nil, fmt.Errorf("%w: %s is %q, want group", inboxerrors.ErrUnsupportedKind, conv.ID(), conv.Kind())
}

// NewStream returns a Stream that runs end on the first End call only.
func NewStream(end func() error) Stream {
	return &onceStream{end: end}
}
