package transporttest

import (
	"context"
	"sync"
	"sync/atomic"

	inboxerrors "github.com/capitalize-ai/agent-inbox/internal/errors"
	"github.com/capitalize-ai/agent-inbox/internal/events"
	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
)

// Client is a fake transport client.
type Client struct {
	Self  string
	Convs *Conversations
	Prefs *Preferences
}

var _ transport.Client = (*Client)(nil)

// NewClient returns a client for inbox self with empty fakes.
func NewClient(self string) *Client {
	return &Client{
		Self:  self,
		Convs: &Conversations{},
		Prefs: &Preferences{},
	}
}

func (c *Client) InboxID() string                        { return c.Self }
func (c *Client) Conversations() transport.Conversations { return c.Convs }
func (c *Client) Preferences() transport.Preferences     { return c.Prefs }

// Conversations is a fake conversation directory.
type Conversations struct {
	// Mock return values
	SyncErr   error
	ListErr   error
	StreamErr error
	GetErr    error

	// ListHook runs before List returns; a non-nil error replaces the result.
	ListHook     func(ctx context.Context) error
	NewGroupHook func(ctx context.Context, identities []model.Identity, opts transport.GroupOptions) (transport.Group, error)
	NewDMHook    func(ctx context.Context, identity model.Identity) (transport.DM, error)

	// Call counters/recorders
	SyncCalls     atomic.Int32
	ListCalls     atomic.Int32
	NewGroupCalls atomic.Int32
	NewDMCalls    atomic.Int32

	mu     sync.Mutex
	list   []transport.Conversation
	stream events.Emitter[transport.Conversation]
}

var _ transport.Conversations = (*Conversations)(nil)

// SetList replaces what List returns.
func (c *Conversations) SetList(convs ...transport.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = append([]transport.Conversation(nil), convs...)
}

func (c *Conversations) Sync(ctx context.Context) error {
	c.SyncCalls.Add(1)
	return c.SyncErr
}

func (c *Conversations) List(ctx context.Context) ([]transport.Conversation, error) {
	c.ListCalls.Add(1)
	c.mu.Lock()
	out := append([]transport.Conversation(nil), c.list...)
	c.mu.Unlock()

	if c.ListHook != nil {
		if err := c.ListHook(ctx); err != nil {
			return nil, err
		}
	}
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	return out, nil
}

func (c *Conversations) Stream(ctx context.Context, onValue func(transport.Conversation)) (transport.Stream, error) {
	if c.StreamErr != nil {
		return nil, c.StreamErr
	}
	return subscribe(ctx, &c.stream, onValue), nil
}

func (c *Conversations) NewGroupWithIdentities(ctx context.Context, identities []model.Identity, opts transport.GroupOptions) (transport.Group, error) {
	c.NewGroupCalls.Add(1)
	if c.NewGroupHook != nil {
		return c.NewGroupHook(ctx, identities, opts)
	}
	g := NewGroup("group-"+opts.Name, opts.Name)
	c.mu.Lock()
	c.list = append(c.list, g)
	c.mu.Unlock()
	return g, nil
}

func (c *Conversations) NewDM(ctx context.Context, identity model.Identity) (transport.DM, error) {
	c.NewDMCalls.Add(1)
	if c.NewDMHook != nil {
		return c.NewDMHook(ctx, identity)
	}
	d := NewDM("dm-"+identity.Identifier, identity.Identifier)
	c.mu.Lock()
	c.list = append(c.list, d)
	c.mu.Unlock()
	return d, nil
}

func (c *Conversations) GetByID(ctx context.Context, id string) (transport.Conversation, error) {
	if c.GetErr != nil {
		return nil, c.GetErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conv := range c.list {
		if conv.ID() == id {
			return conv, nil
		}
	}
	return nil, inboxerrors.ErrNotFound
}

// Emit pushes conv to every open conversation stream.
func (c *Conversations) Emit(conv transport.Conversation) {
	c.stream.Emit(conv)
}

// OpenStreams returns the number of conversation streams not yet ended.
func (c *Conversations) OpenStreams() int {
	return c.stream.Len()
}

// Preferences is a fake consent store.
type Preferences struct {
	// Mock return values
	IsAllowedErr error
	SetErr       error

	mu      sync.Mutex
	denied  map[string]bool
	records []model.ConsentRecord
}

var _ transport.Preferences = (*Preferences)(nil)

// Deny marks inboxID as denied.
func (p *Preferences) Deny(inboxID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.denied == nil {
		p.denied = make(map[string]bool)
	}
	p.denied[inboxID] = true
}

func (p *Preferences) IsAllowed(ctx context.Context, inboxID string) (bool, error) {
	if p.IsAllowedErr != nil {
		return false, p.IsAllowedErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.denied[inboxID], nil
}

func (p *Preferences) SetConsentStates(ctx context.Context, records []model.ConsentRecord) error {
	if p.SetErr != nil {
		return p.SetErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.denied == nil {
		p.denied = make(map[string]bool)
	}
	for _, r := range records {
		if r.EntityType == model.EntityInboxID {
			p.denied[r.Entity] = r.State == model.ConsentDenied
		}
	}
	p.records = append(p.records, records...)
	return nil
}

// Records returns every record written through SetConsentStates.
func (p *Preferences) Records() []model.ConsentRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.ConsentRecord(nil), p.records...)
}
