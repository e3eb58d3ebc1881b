package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	inboxerrors "github.com/capitalize-ai/agent-inbox/internal/errors"
	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
)

// Relay hands out transport clients backed by the relay stream.
type Relay struct {
	client  *Client
	streams *StreamManager
	clock   clock.Clock
	logger  *logger.Logger
}

// NewRelay ensures the relay stream and buckets exist and returns a relay
// on them.
func NewRelay(ctx context.Context, client *Client, log *logger.Logger) (*Relay, error) {
	streams := NewStreamManager(client)
	if err := streams.EnsureStream(ctx); err != nil {
		return nil, err
	}
	return &Relay{
		client:  client,
		streams: streams,
		clock:   clock.New(),
		logger:  logger.OrGlobal(log).Named("relay"),
	}, nil
}

// Streams returns the stream manager of the relay.
func (r *Relay) Streams() *StreamManager {
	return r.streams
}

// Register returns the inbox owning address, creating it on first use.
func (r *Relay) Register(ctx context.Context, address string) (*Inbox, error) {
	addr := model.NormalizeAddress(address)
	if addr == "" {
		return nil, inboxerrors.ErrNoAddresses
	}

	id, err := r.lookupInbox(ctx, addr)
	if err == nil {
		return &Inbox{relay: r, self: id}, nil
	}
	if !errors.Is(err, inboxerrors.ErrNotFound) {
		return nil, err
	}

	id = uuid.Must(uuid.NewV7()).String()
	if _, err := r.streams.identities.Create(ctx, addressKey(addr), []byte(id)); err != nil {
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return nil, fmt.Errorf("failed to register address: %w", err)
		}
		// Lost a registration race; use the winner.
		if id, err = r.lookupInbox(ctx, addr); err != nil {
			return nil, err
		}
		return &Inbox{relay: r, self: id}, nil
	}
	if _, err := r.streams.identities.Put(ctx, inboxKey(id), []byte(addr)); err != nil {
		return nil, fmt.Errorf("failed to store inbox address: %w", err)
	}

	r.logger.Info("registered inbox", zap.String("inbox_id", id), zap.String("address", addr))
	return &Inbox{relay: r, self: id}, nil
}

func (r *Relay) lookupInbox(ctx context.Context, address string) (string, error) {
	entry, err := r.streams.identities.Get(ctx, addressKey(address))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", inboxerrors.ErrNotFound
		}
		return "", fmt.Errorf("failed to get identity: %w", err)
	}
	return string(entry.Value()), nil
}

func (r *Relay) addressOf(ctx context.Context, inboxID string) (string, error) {
	entry, err := r.streams.identities.Get(ctx, inboxKey(inboxID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get inbox address: %w", err)
	}
	return string(entry.Value()), nil
}

func (r *Relay) resolve(ctx context.Context, identities []model.Identity) ([]string, error) {
	out := make([]string, 0, len(identities))
	for _, ident := range identities {
		id, err := r.lookupInbox(ctx, model.NormalizeAddress(ident.Identifier))
		if errors.Is(err, inboxerrors.ErrNotFound) {
			return nil, fmt.Errorf("inbox not found for address %s", ident.Identifier)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// create publishes the record of a new conversation and invites every member.
func (r *Relay) create(ctx context.Context, kind model.Kind, name, creator string, members []string) (*conversation, error) {
	rec := conversationRecord{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Kind:      kind,
		Name:      name,
		Creator:   creator,
		Members:   newMembers(creator, members),
		CreatedAt: r.clock.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation record: %w", err)
	}

	js := r.client.JetStream()
	if _, err := js.Publish(ctx, MetaSubject(rec.ID), data, jetstream.WithMsgID(rec.ID)); err != nil {
		return nil, fmt.Errorf("failed to publish conversation: %w", err)
	}
	if kind == model.KindGroup {
		if err := r.putConsent(ctx, creator, model.ConsentRecord{
			Entity:     rec.ID,
			EntityType: model.EntityGroupID,
			State:      model.ConsentAllowed,
		}); err != nil {
			return nil, err
		}
	}
	for _, member := range rec.Members {
		if _, err := js.Publish(ctx, InviteSubject(member), data, jetstream.WithMsgID(rec.ID+"."+member)); err != nil {
			return nil, fmt.Errorf("failed to invite member: %w", err)
		}
	}

	r.logger.Debug("created conversation",
		zap.String("conversation_id", rec.ID),
		zap.String("kind", string(kind)),
		zap.Int("members", len(rec.Members)),
	)
	return &conversation{relay: r, rec: rec, self: creator}, nil
}

func (r *Relay) record(ctx context.Context, id string) (conversationRecord, error) {
	raw, err := r.streams.stream.GetLastMsgForSubject(ctx, MetaSubject(id))
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return conversationRecord{}, inboxerrors.ErrNotFound
		}
		return conversationRecord{}, fmt.Errorf("failed to get conversation record: %w", err)
	}
	return decodeRecord(raw.Data)
}

func (r *Relay) consentState(ctx context.Context, owner string, entityType model.ConsentEntityType, entity string) (model.ConsentState, error) {
	entry, err := r.streams.consent.Get(ctx, consentKey(owner, string(entityType), entity))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return model.ConsentUnknown, nil
		}
		return "", fmt.Errorf("failed to get consent: %w", err)
	}
	return model.ParseConsentState(string(entry.Value())), nil
}

func (r *Relay) putConsent(ctx context.Context, owner string, rec model.ConsentRecord) error {
	key := consentKey(owner, string(rec.EntityType), rec.Entity)
	if _, err := r.streams.consent.Put(ctx, key, []byte(rec.State)); err != nil {
		return fmt.Errorf("failed to put consent: %w", err)
	}
	return nil
}

// Inbox is one inbox's client on the relay.
type Inbox struct {
	relay *Relay
	self  string
}

var _ transport.Client = (*Inbox)(nil)

func (i *Inbox) InboxID() string { return i.self }

func (i *Inbox) Conversations() transport.Conversations {
	return &directory{relay: i.relay, self: i.self}
}

func (i *Inbox) Preferences() transport.Preferences {
	return &preferences{relay: i.relay, self: i.self}
}

type directory struct {
	relay *Relay
	self  string
}

func (d *directory) Sync(ctx context.Context) error {
	return d.relay.client.Flush(ctx)
}

func (d *directory) List(ctx context.Context) ([]transport.Conversation, error) {
	var out []transport.Conversation
	seen := make(map[string]bool)
	err := drain(ctx, d.relay.client.JetStream(), InviteSubject(d.self), func(msg jetstream.Msg) {
		rec, err := decodeRecord(msg.Data())
		if err != nil {
			d.relay.logger.Warn("skipping invite", zap.Error(err))
			return
		}
		if seen[rec.ID] {
			return
		}
		seen[rec.ID] = true
		out = append(out, &conversation{relay: d.relay, rec: rec, self: d.self})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return out, nil
}

func (d *directory) Stream(ctx context.Context, onValue func(transport.Conversation)) (transport.Stream, error) {
	cc, err := follow(ctx, d.relay.client.JetStream(), InviteSubject(d.self), func(msg jetstream.Msg) {
		rec, err := decodeRecord(msg.Data())
		if err != nil {
			d.relay.logger.Warn("skipping invite", zap.Error(err))
			return
		}
		onValue(&conversation{relay: d.relay, rec: rec, self: d.self})
	})
	if err != nil {
		return nil, err
	}
	return consumeStream(ctx, cc), nil
}

func (d *directory) NewGroupWithIdentities(ctx context.Context, identities []model.Identity, opts transport.GroupOptions) (transport.Group, error) {
	members, err := d.relay.resolve(ctx, identities)
	if err != nil {
		return nil, err
	}
	return d.relay.create(ctx, model.KindGroup, opts.Name, d.self, members)
}

func (d *directory) NewDM(ctx context.Context, identity model.Identity) (transport.DM, error) {
	peers, err := d.relay.resolve(ctx, []model.Identity{identity})
	if err != nil {
		return nil, err
	}
	peer := peers[0]

	existing, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, conv := range existing {
		c := conv.(*conversation)
		if c.rec.Kind == model.KindDM && c.rec.hasMember(peer) {
			return c, nil
		}
	}
	return d.relay.create(ctx, model.KindDM, "", d.self, []string{peer})
}

func (d *directory) GetByID(ctx context.Context, id string) (transport.Conversation, error) {
	rec, err := d.relay.record(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.hasMember(d.self) {
		return nil, inboxerrors.ErrNotFound
	}
	return &conversation{relay: d.relay, rec: rec, self: d.self}, nil
}

type preferences struct {
	relay *Relay
	self  string
}

func (p *preferences) IsAllowed(ctx context.Context, inboxID string) (bool, error) {
	state, err := p.relay.consentState(ctx, p.self, model.EntityInboxID, inboxID)
	if err != nil {
		return false, err
	}
	return state != model.ConsentDenied, nil
}

func (p *preferences) SetConsentStates(ctx context.Context, records []model.ConsentRecord) error {
	for _, rec := range records {
		if err := p.relay.putConsent(ctx, p.self, rec); err != nil {
			return err
		}
	}
	return nil
}

// consumeStream ends cc when the stream is ended or ctx is done.
func consumeStream(ctx context.Context, cc jetstream.ConsumeContext) transport.Stream {
	stop := context.AfterFunc(ctx, cc.Stop)
	return transport.NewStream(func() error {
		stop()
		cc.Stop()
		return nil
	})
}
