package memtransport

import (
	"context"

	inboxerrors "github.com/capitalize-ai/agent-inbox/internal/errors"
	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
)

// Client is one inbox's view of a Network.
type Client struct {
	net  *Network
	self string
}

var _ transport.Client = (*Client)(nil)

func (c *Client) InboxID() string { return c.self }

func (c *Client) Conversations() transport.Conversations {
	return &directory{net: c.net, self: c.self}
}

func (c *Client) Preferences() transport.Preferences {
	return &preferences{net: c.net, self: c.self}
}

type directory struct {
	net  *Network
	self string
}

func (d *directory) Sync(ctx context.Context) error {
	return ctx.Err()
}

func (d *directory) List(ctx context.Context) ([]transport.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.net.mu.Lock()
	defer d.net.mu.Unlock()

	var out []transport.Conversation
	for _, id := range d.net.order {
		conv := d.net.convs[id]
		if d.net.isMember(conv, d.self) {
			out = append(out, &handle{net: d.net, conv: conv, self: d.self})
		}
	}
	return out, nil
}

func (d *directory) Stream(ctx context.Context, onValue func(transport.Conversation)) (transport.Stream, error) {
	d.net.mu.Lock()
	defer d.net.mu.Unlock()

	ib, ok := d.net.inboxes[d.self]
	if !ok {
		return nil, inboxerrors.ErrNotFound
	}
	var sub *subscription[transport.Conversation]
	sub = newSubscription(ctx, onValue, func() {
		d.net.mu.Lock()
		delete(ib.subs, sub)
		d.net.mu.Unlock()
	})
	ib.subs[sub] = struct{}{}
	return sub, nil
}

func (d *directory) NewGroupWithIdentities(ctx context.Context, identities []model.Identity, opts transport.GroupOptions) (transport.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.net.mu.Lock()
	defer d.net.mu.Unlock()

	members, err := d.net.resolveLocked(identities)
	if err != nil {
		return nil, err
	}
	conv := d.net.createLocked(model.KindGroup, opts.Name, d.self, members)
	return &handle{net: d.net, conv: conv, self: d.self}, nil
}

func (d *directory) NewDM(ctx context.Context, identity model.Identity) (transport.DM, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.net.mu.Lock()
	defer d.net.mu.Unlock()

	peers, err := d.net.resolveLocked([]model.Identity{identity})
	if err != nil {
		return nil, err
	}
	peer := peers[0]
	for _, id := range d.net.order {
		conv := d.net.convs[id]
		if conv.kind == model.KindDM && d.net.isMember(conv, d.self) && d.net.isMember(conv, peer) {
			return &handle{net: d.net, conv: conv, self: d.self}, nil
		}
	}
	conv := d.net.createLocked(model.KindDM, "", d.self, []string{peer})
	return &handle{net: d.net, conv: conv, self: d.self}, nil
}

func (d *directory) GetByID(ctx context.Context, id string) (transport.Conversation, error) {
	d.net.mu.Lock()
	defer d.net.mu.Unlock()

	conv, ok := d.net.convs[id]
	if !ok || !d.net.isMember(conv, d.self) {
		return nil, inboxerrors.ErrNotFound
	}
	return &handle{net: d.net, conv: conv, self: d.self}, nil
}

type preferences struct {
	net  *Network
	self string
}

func (p *preferences) IsAllowed(ctx context.Context, inboxID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	return p.net.consentLocked(p.self, inboxKey(inboxID)) != model.ConsentDenied, nil
}

func (p *preferences) SetConsentStates(ctx context.Context, records []model.ConsentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.net.mu.Lock()
	defer p.net.mu.Unlock()

	for _, r := range records {
		switch r.EntityType {
		case model.EntityGroupID:
			p.net.setConsentLocked(p.self, groupKey(r.Entity), r.State)
		case model.EntityInboxID:
			p.net.setConsentLocked(p.self, inboxKey(r.Entity), r.State)
		default:
			return inboxerrors.ErrUnsupportedKind
		}
	}
	return nil
}
