package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
)

// conversation is one member's handle on a relayed conversation.
type conversation struct {
	relay *Relay
	rec   conversationRecord
	self  string
}

var (
	_ transport.Group = (*conversation)(nil)
	_ transport.DM    = (*conversation)(nil)
)

func (c *conversation) ID() string           { return c.rec.ID }
func (c *conversation) Kind() model.Kind     { return c.rec.Kind }
func (c *conversation) CreatedAt() time.Time { return c.rec.CreatedAt }
func (c *conversation) Name() string         { return c.rec.Name }

func (c *conversation) ConsentState(ctx context.Context) (model.ConsentState, error) {
	return c.relay.consentState(ctx, c.self, model.EntityGroupID, c.rec.ID)
}

func (c *conversation) PeerInboxID(ctx context.Context) (string, error) {
	return c.rec.peerOf(c.self), nil
}

func (c *conversation) Members(ctx context.Context) ([]model.Member, error) {
	out := make([]model.Member, 0, len(c.rec.Members))
	for _, id := range c.rec.Members {
		addr, err := c.relay.addressOf(ctx, id)
		if err != nil {
			return nil, err
		}
		m := model.Member{InboxID: id}
		if addr != "" {
			m.Identities = []model.Identity{{Identifier: addr, Kind: model.IdentifierEthereum}}
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *conversation) LastMessage(ctx context.Context) (*model.Message, error) {
	raw, err := c.relay.streams.stream.GetLastMsgForSubject(ctx, MessageSubject(c.rec.ID))
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last message: %w", err)
	}
	msg, err := decodeMessage(raw.Data, raw.Time)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *conversation) Sync(ctx context.Context) error {
	return c.relay.client.Flush(ctx)
}

func (c *conversation) Messages(ctx context.Context) ([]model.Message, error) {
	var out []model.Message
	err := drain(ctx, c.relay.client.JetStream(), MessageSubject(c.rec.ID), func(m jetstream.Msg) {
		if msg, ok := c.decode(m); ok {
			out = append(out, msg)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return out, nil
}

func (c *conversation) StreamMessages(ctx context.Context, onValue func(model.Message)) (transport.Stream, error) {
	cc, err := follow(ctx, c.relay.client.JetStream(), MessageSubject(c.rec.ID), func(m jetstream.Msg) {
		if msg, ok := c.decode(m); ok {
			onValue(msg)
		}
	})
	if err != nil {
		return nil, err
	}
	return consumeStream(ctx, cc), nil
}

func (c *conversation) Send(ctx context.Context, text string) (string, error) {
	return c.publish(ctx, model.ContentTypeText, text)
}

func (c *conversation) SendMarkdown(ctx context.Context, text string) (string, error) {
	return c.publish(ctx, model.ContentTypeMarkdown, text)
}

func (c *conversation) publish(ctx context.Context, contentType model.ContentType, text string) (string, error) {
	msg := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: c.rec.ID,
		SenderInboxID:  c.self,
		ContentType:    contentType,
		Content:        text,
		SentAt:         c.relay.clock.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := c.relay.client.JetStream().Publish(ctx, MessageSubject(c.rec.ID), data, jetstream.WithMsgID(msg.ID)); err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}
	return msg.ID, nil
}

func (c *conversation) decode(m jetstream.Msg) (model.Message, bool) {
	var stored time.Time
	if meta, err := m.Metadata(); err == nil {
		stored = meta.Timestamp
	}
	msg, err := decodeMessage(m.Data(), stored)
	if err != nil {
		c.relay.logger.Warn("skipping message", zap.String("conversation_id", c.rec.ID), zap.Error(err))
		return model.Message{}, false
	}
	msg.ConversationID = c.rec.ID
	return msg, true
}
