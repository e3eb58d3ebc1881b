package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/agent-inbox/pkg/metrics"
)

const (
	// StreamName is the name of the relay stream.
	StreamName = "INBOX_RELAY"

	// ConversationPrefix is the subject prefix for conversation records and messages.
	ConversationPrefix = "conv"

	// InboxPrefix is the subject prefix for per-inbox conversation invites.
	InboxPrefix = "inbox"

	// IdentityBucket maps addresses to inbox ids and back.
	IdentityBucket = "inbox_identities"

	// ConsentBucket holds consent records per owning inbox.
	ConsentBucket = "inbox_consent"
)

// StreamManager owns the relay stream and key-value buckets.
type StreamManager struct {
	client     *Client
	stream     jetstream.Stream
	identities jetstream.KeyValue
	consent    jetstream.KeyValue
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the relay stream and buckets exist.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	var err error
	m.stream, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name: StreamName,
		Subjects: []string{
			ConversationPrefix + ".>",
			InboxPrefix + ".>",
		},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  2 * time.Minute,
		Description: "Conversation records, invites and messages",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	m.identities, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      IdentityBucket,
		Description: "Address to inbox id registry",
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create identity bucket: %w", err)
	}

	m.consent, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      ConsentBucket,
		Description: "Consent records per inbox",
		Storage:     jetstream.FileStorage,
		History:     5,
	})
	if err != nil {
		return fmt.Errorf("failed to create consent bucket: %w", err)
	}
	return nil
}

// RecordState publishes the stream size to the relay gauges.
func (m *StreamManager) RecordState(ctx context.Context) error {
	if m.stream == nil {
		return fmt.Errorf("relay stream not initialized")
	}
	info, err := m.stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	metrics.RelayStreamMessages.WithLabelValues(StreamName).Set(float64(info.State.Msgs))
	metrics.RelayStreamBytes.WithLabelValues(StreamName).Set(float64(info.State.Bytes))
	return nil
}

// MetaSubject returns the subject of a conversation's record.
func MetaSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s.meta", ConversationPrefix, conversationID)
}

// MessageSubject returns the subject of a conversation's messages.
func MessageSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s.msg", ConversationPrefix, conversationID)
}

// InviteSubject returns the subject announcing conversations to an inbox.
func InviteSubject(inboxID string) string {
	return fmt.Sprintf("%s.%s.conversations", InboxPrefix, inboxID)
}

// addressKey and inboxKey are the identity bucket keys. Both directions are
// stored so members can be resolved to addresses.
func addressKey(address string) string { return "addr." + address }
func inboxKey(inboxID string) string    { return "inbox." + inboxID }

// consentKey scopes a consent record to its owning inbox.
func consentKey(owner, entityType, entity string) string {
	return strings.Join([]string{owner, entityType, entity}, ".")
}

// drain reads every message currently stored on subject, in order.
func drain(ctx context.Context, js jetstream.JetStream, subject string, fn func(jetstream.Msg)) error {
	consumer, err := js.OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	info, err := consumer.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get consumer info: %w", err)
	}

	pending := info.NumPending
	for pending > 0 {
		batch, err := consumer.Fetch(int(min(pending, 256)), jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}
		var n uint64
		for msg := range batch.Messages() {
			fn(msg)
			n++
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
			return fmt.Errorf("batch error: %w", err)
		}
		if n == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		pending -= min(n, pending)
	}
	return nil
}

// follow delivers every message published on subject from now on.
func follow(ctx context.Context, js jetstream.JetStream, subject string, fn func(jetstream.Msg)) (jetstream.ConsumeContext, error) {
	consumer, err := js.OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	cc, err := consumer.Consume(fn)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return cc, nil
}
