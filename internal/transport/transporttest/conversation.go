// Package transporttest provides programmable transport fakes for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/capitalize-ai/agent-inbox/internal/events"
	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
)

// Conversation is a fake conversation handle. It satisfies both
// transport.Group and transport.DM; KindValue decides which one it acts as.
type Conversation struct {
	// Mock return values
	IDValue    string
	KindValue  model.Kind
	NameValue  string
	Created    time.Time
	Peer       string
	PeerErr    error
	Consent    model.ConsentState
	ConsentErr error
	Last       *model.Message
	LastErr    error
	MemberList []model.Member
	MembersErr error
	SyncErr    error
	History    []model.Message
	HistoryErr error
	StreamErr  error
	SendErr    error

	// Hooks run before the matching call returns; a non-nil error replaces
	// the programmed result.
	SyncHook    func(ctx context.Context) error
	HistoryHook func(ctx context.Context) error
	SendHook    func(ctx context.Context, text string) error

	// Call counters/recorders
	SyncCalls    atomic.Int32
	HistoryCalls atomic.Int32

	mu       sync.Mutex
	sent     []string
	markdown []string
	stream   events.Emitter[model.Message]
}

var (
	_ transport.Group          = (*Conversation)(nil)
	_ transport.DM             = (*Conversation)(nil)
	_ transport.MarkdownSender = (*Conversation)(nil)
)

// NewGroup returns a group fake with allowed consent.
func NewGroup(id, name string) *Conversation {
	return &Conversation{
		IDValue:   id,
		KindValue: model.KindGroup,
		NameValue: name,
		Consent:   model.ConsentAllowed,
		Created:   time.Unix(0, 0),
	}
}

// NewDM returns a DM fake with the given peer inbox.
func NewDM(id, peer string) *Conversation {
	return &Conversation{
		IDValue:   id,
		KindValue: model.KindDM,
		Peer:      peer,
		Created:   time.Unix(0, 0),
	}
}

func (c *Conversation) ID() string           { return c.IDValue }
func (c *Conversation) Kind() model.Kind     { return c.KindValue }
func (c *Conversation) CreatedAt() time.Time { return c.Created }
func (c *Conversation) Name() string         { return c.NameValue }

func (c *Conversation) ConsentState(ctx context.Context) (model.ConsentState, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.ConsentErr != nil {
		return "", c.ConsentErr
	}
	return c.Consent, nil
}

func (c *Conversation) PeerInboxID(ctx context.Context) (string, error) {
	return c.Peer, c.PeerErr
}

func (c *Conversation) Members(ctx context.Context) ([]model.Member, error) {
	return c.MemberList, c.MembersErr
}

func (c *Conversation) LastMessage(ctx context.Context) (*model.Message, error) {
	return c.Last, c.LastErr
}

func (c *Conversation) Sync(ctx context.Context) error {
	c.SyncCalls.Add(1)
	if c.SyncHook != nil {
		if err := c.SyncHook(ctx); err != nil {
			return err
		}
	}
	return c.SyncErr
}

func (c *Conversation) Messages(ctx context.Context) ([]model.Message, error) {
	c.HistoryCalls.Add(1)
	if c.HistoryHook != nil {
		if err := c.HistoryHook(ctx); err != nil {
			return nil, err
		}
	}
	if c.HistoryErr != nil {
		return nil, c.HistoryErr
	}
	out := make([]model.Message, len(c.History))
	copy(out, c.History)
	return out, nil
}

func (c *Conversation) StreamMessages(ctx context.Context, onValue func(model.Message)) (transport.Stream, error) {
	if c.StreamErr != nil {
		return nil, c.StreamErr
	}
	return subscribe(ctx, &c.stream, onValue), nil
}

func (c *Conversation) Send(ctx context.Context, text string) (string, error) {
	return c.send(ctx, text, false)
}

// SendMarkdown records text like Send and also in SentMarkdown.
func (c *Conversation) SendMarkdown(ctx context.Context, text string) (string, error) {
	return c.send(ctx, text, true)
}

func (c *Conversation) send(ctx context.Context, text string, markdown bool) (string, error) {
	if c.SendHook != nil {
		if err := c.SendHook(ctx, text); err != nil {
			return "", err
		}
	}
	if c.SendErr != nil {
		return "", c.SendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	if markdown {
		c.markdown = append(c.markdown, text)
	}
	return fmt.Sprintf("%s-sent-%d", c.IDValue, len(c.sent)), nil
}

// Emit pushes msg to every open message stream.
func (c *Conversation) Emit(msg model.Message) {
	if msg.ConversationID == "" {
		msg.ConversationID = c.IDValue
	}
	if msg.ContentType == "" {
		msg.ContentType = model.ContentTypeText
	}
	c.stream.Emit(msg)
}

// Sent returns the texts passed to Send so far.
func (c *Conversation) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentMarkdown returns the texts passed to SendMarkdown so far.
func (c *Conversation) SentMarkdown() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.markdown...)
}

// OpenStreams returns the number of message streams not yet ended.
func (c *Conversation) OpenStreams() int {
	return c.stream.Len()
}

func subscribe[T any](ctx context.Context, e *events.Emitter[T], onValue func(T)) transport.Stream {
	unsubscribe := e.Subscribe(onValue)
	s := transport.NewStream(func() error {
		unsubscribe()
		return nil
	})
	context.AfterFunc(ctx, func() { _ = s.End() })
	return s
}
