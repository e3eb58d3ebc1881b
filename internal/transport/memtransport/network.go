// Package memtransport is an in-process messaging network implementing the
// transport contract. It backs local development and integration tests.
package memtransport

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	inboxerrors "github.com/capitalize-ai/agent-inbox/internal/errors"
	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
)

type inbox struct {
	id        string
	addresses []string
	subs      map[*subscription[transport.Conversation]]struct{}
}

type conversation struct {
	id       string
	kind     model.Kind
	name     string
	creator  string
	created  time.Time
	members  []string
	messages []model.Message
	subs     map[*subscription[model.Message]]struct{}
}

// Network holds every inbox, conversation, message and consent record.
type Network struct {
	clock clock.Clock

	mu         sync.Mutex
	identities map[string]string
	inboxes    map[string]*inbox
	convs      map[string]*conversation
	order      []string
	consent    map[string]map[string]model.ConsentState
}

// NewNetwork creates an empty network. A nil clock uses the wall clock.
func NewNetwork(clk clock.Clock) *Network {
	if clk == nil {
		clk = clock.New()
	}
	return &Network{
		clock:      clk,
		identities: make(map[string]string),
		inboxes:    make(map[string]*inbox),
		convs:      make(map[string]*conversation),
		consent:    make(map[string]map[string]model.ConsentState),
	}
}

// Register returns a client for the inbox owning address, creating the inbox
// on first use.
func (n *Network) Register(address string) (*Client, error) {
	addr := model.NormalizeAddress(address)
	if addr == "" {
		return nil, inboxerrors.ErrNoAddresses
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	id, ok := n.identities[addr]
	if !ok {
		id = uuid.Must(uuid.NewV7()).String()
		n.identities[addr] = id
		n.inboxes[id] = &inbox{
			id:        id,
			addresses: []string{addr},
			subs:      make(map[*subscription[transport.Conversation]]struct{}),
		}
	}
	return &Client{net: n, self: id}, nil
}

// InboxIDFor resolves address to its inbox id.
func (n *Network) InboxIDFor(address string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, ok := n.identities[model.NormalizeAddress(address)]
	return id, ok
}

// Inject appends msg to a conversation as if sender had sent it, whatever
// its content type. Missing ids and timestamps are filled in.
func (n *Network) Inject(conversationID string, msg model.Message) (model.Message, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	conv, ok := n.convs[conversationID]
	if !ok {
		return model.Message{}, inboxerrors.ErrNotFound
	}
	return n.appendLocked(conv, msg), nil
}

// Redeliver pushes an existing message to every open stream again.
func (n *Network) Redeliver(conversationID, messageID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	conv, ok := n.convs[conversationID]
	if !ok {
		return inboxerrors.ErrNotFound
	}
	for _, msg := range conv.messages {
		if msg.ID == messageID {
			for sub := range conv.subs {
				sub.push(msg)
			}
			return nil
		}
	}
	return fmt.Errorf("message %s: %w", messageID, inboxerrors.ErrNotFound)
}

func (n *Network) appendLocked(conv *conversation, msg model.Message) model.Message {
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.SentAt.IsZero() && msg.SentAtNs == 0 {
		msg.SentAt = n.clock.Now()
	}
	if msg.ContentType == "" {
		msg.ContentType = model.ContentTypeText
	}
	msg.ConversationID = conv.id
	conv.messages = append(conv.messages, msg)
	for sub := range conv.subs {
		sub.push(msg)
	}
	return msg
}

func (n *Network) resolveLocked(identities []model.Identity) ([]string, error) {
	out := make([]string, 0, len(identities))
	for _, ident := range identities {
		id, ok := n.identities[model.NormalizeAddress(ident.Identifier)]
		if !ok {
			return nil, fmt.Errorf("inbox not found for address %s", ident.Identifier)
		}
		out = append(out, id)
	}
	return out, nil
}

func (n *Network) createLocked(kind model.Kind, name, creator string, members []string) *conversation {
	seen := map[string]bool{creator: true}
	all := []string{creator}
	for _, m := range members {
		if !seen[m] {
			seen[m] = true
			all = append(all, m)
		}
	}

	conv := &conversation{
		id:      uuid.Must(uuid.NewV7()).String(),
		kind:    kind,
		name:    name,
		creator: creator,
		created: n.clock.Now(),
		members: all,
		subs:    make(map[*subscription[model.Message]]struct{}),
	}
	n.convs[conv.id] = conv
	n.order = append(n.order, conv.id)
	if kind == model.KindGroup {
		n.setConsentLocked(creator, groupKey(conv.id), model.ConsentAllowed)
	}

	for _, member := range all {
		ib := n.inboxes[member]
		for sub := range ib.subs {
			sub.push(&handle{net: n, conv: conv, self: member})
		}
	}
	return conv
}

func (n *Network) isMember(conv *conversation, inboxID string) bool {
	for _, m := range conv.members {
		if m == inboxID {
			return true
		}
	}
	return false
}

func (n *Network) consentLocked(owner, key string) model.ConsentState {
	if state, ok := n.consent[owner][key]; ok {
		return state
	}
	return model.ConsentUnknown
}

func (n *Network) setConsentLocked(owner, key string, state model.ConsentState) {
	if n.consent[owner] == nil {
		n.consent[owner] = make(map[string]model.ConsentState)
	}
	n.consent[owner][key] = state
}

// Notify pushes a conversation to the conversation streams of its members
// again, as the network does when a conversation changes.
func (n *Network) Notify(conversationID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	conv, ok := n.convs[conversationID]
	if !ok {
		return inboxerrors.ErrNotFound
	}
	for _, member := range conv.members {
		for sub := range n.inboxes[member].subs {
			sub.push(&handle{net: n, conv: conv, self: member})
		}
	}
	return nil
}

func groupKey(id string) string { return "group:" + id }
func inboxKey(id string) string { return "inbox:" + id }

var (
	_ transport.Group = (*handle)(nil)
	_ transport.DM    = (*handle)(nil)
)
