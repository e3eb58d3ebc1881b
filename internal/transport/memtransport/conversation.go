package memtransport

import (
	"context"
	"time"

	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
)

// handle is a conversation as seen by one member inbox.
type handle struct {
	net  *Network
	conv *conversation
	self string
}

func (h *handle) ID() string           { return h.conv.id }
func (h *handle) Kind() model.Kind     { return h.conv.kind }
func (h *handle) CreatedAt() time.Time { return h.conv.created }
func (h *handle) Name() string         { return h.conv.name }

func (h *handle) ConsentState(ctx context.Context) (model.ConsentState, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	return h.net.consentLocked(h.self, groupKey(h.conv.id)), nil
}

func (h *handle) PeerInboxID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for _, m := range h.conv.members {
		if m != h.self {
			return m, nil
		}
	}
	return "", nil
}

func (h *handle) Members(ctx context.Context) ([]model.Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.net.mu.Lock()
	defer h.net.mu.Unlock()

	out := make([]model.Member, 0, len(h.conv.members))
	for _, id := range h.conv.members {
		m := model.Member{InboxID: id}
		for _, addr := range h.net.inboxes[id].addresses {
			m.Identities = append(m.Identities, model.Identity{Identifier: addr, Kind: model.IdentifierEthereum})
		}
		out = append(out, m)
	}
	return out, nil
}

func (h *handle) LastMessage(ctx context.Context) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.net.mu.Lock()
	defer h.net.mu.Unlock()

	if len(h.conv.messages) == 0 {
		return nil, nil
	}
	last := h.conv.messages[len(h.conv.messages)-1]
	return &last, nil
}

func (h *handle) Sync(ctx context.Context) error {
	return ctx.Err()
}

func (h *handle) Messages(ctx context.Context) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	return append([]model.Message(nil), h.conv.messages...), nil
}

func (h *handle) StreamMessages(ctx context.Context, onValue func(model.Message)) (transport.Stream, error) {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()

	var sub *subscription[model.Message]
	sub = newSubscription(ctx, onValue, func() {
		h.net.mu.Lock()
		delete(h.conv.subs, sub)
		h.net.mu.Unlock()
	})
	h.conv.subs[sub] = struct{}{}
	return sub, nil
}

func (h *handle) Send(ctx context.Context, text string) (string, error) {
	return h.send(ctx, model.ContentTypeText, text)
}

func (h *handle) SendMarkdown(ctx context.Context, text string) (string, error) {
	return h.send(ctx, model.ContentTypeMarkdown, text)
}

func (h *handle) send(ctx context.Context, contentType model.ContentType, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h.net.mu.Lock()
	defer h.net.mu.Unlock()

	msg := h.net.appendLocked(h.conv, model.Message{
		SenderInboxID: h.self,
		ContentType:   contentType,
		Content:       text,
	})
	return msg.ID, nil
}
