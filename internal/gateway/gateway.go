// Package gateway performs writes against the network on behalf of the
// inbox: group creation, DMs and consent changes.
package gateway

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	inboxerrors "github.com/capitalize-ai/agent-inbox/internal/errors"
	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
	"github.com/capitalize-ai/agent-inbox/pkg/tracing"
)

// DefaultGroupName names groups created without an explicit name.
const DefaultGroupName = "Agent Group"

// Gateway wraps the mutating calls of a transport client.
type Gateway struct {
	client    transport.Client
	groupName string
	logger    *logger.Logger
}

// New creates a gateway. An empty groupName uses DefaultGroupName.
func New(client transport.Client, groupName string, log *logger.Logger) *Gateway {
	if groupName == "" {
		groupName = DefaultGroupName
	}
	return &Gateway{
		client:    client,
		groupName: groupName,
		logger:    logger.OrGlobal(log).Named("gateway"),
	}
}

// GroupName returns the name given to new groups.
func (g *Gateway) GroupName() string {
	return g.groupName
}

// CreateGroup creates a group with the given member addresses. Addresses are
// trimmed, lowercased and deduplicated; when none remain ErrNoAddresses is
// returned without contacting the network. Transport errors are returned
// unchanged.
func (g *Gateway) CreateGroup(ctx context.Context, addresses []string) (transport.Group, error) {
	normalized := NormalizeAddresses(addresses)
	if len(normalized) == 0 {
		return nil, inboxerrors.ErrNoAddresses
	}

	ctx, span := tracing.Tracer("gateway").Start(ctx, "gateway.create_group")
	defer span.End()

	identities := make([]model.Identity, 0, len(normalized))
	for _, addr := range normalized {
		identities = append(identities, model.Identity{Identifier: addr, Kind: model.IdentifierEthereum})
	}

	group, err := g.client.Conversations().NewGroupWithIdentities(ctx, identities, transport.GroupOptions{Name: g.groupName})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	g.logger.Info("group created",
		zap.String("conversation_id", group.ID()),
		zap.Int("members", len(identities)),
	)
	return group, nil
}

// FindOrCreateDM returns the DM with address, creating it if needed.
func (g *Gateway) FindOrCreateDM(ctx context.Context, address string) (transport.DM, error) {
	addr := model.NormalizeAddress(address)
	if addr == "" {
		return nil, inboxerrors.ErrNoAddresses
	}
	dm, err := g.client.Conversations().NewDM(ctx, model.Identity{Identifier: addr, Kind: model.IdentifierEthereum})
	if err != nil {
		return nil, fmt.Errorf("failed to find or create dm: %w", err)
	}
	return dm, nil
}

// SetConsent records state for conv. Groups are keyed by conversation id,
// DMs by the peer inbox. A DM without a known peer is left untouched.
func (g *Gateway) SetConsent(ctx context.Context, conv transport.Conversation, state model.ConsentState) error {
	record, ok, err := transport.Visit[recordResult](conv, recordBuilder{ctx: ctx, state: state}).unpack()
	if err != nil {
		return inboxerrors.NewStageError(inboxerrors.StageMutation, conv.ID(), err)
	}
	if !ok {
		g.logger.Debug("no consent entity for conversation", zap.String("conversation_id", conv.ID()))
		return nil
	}

	if err := g.client.Preferences().SetConsentStates(ctx, []model.ConsentRecord{record}); err != nil {
		return inboxerrors.NewStageError(inboxerrors.StageMutation, conv.ID(), fmt.Errorf("failed to set consent state: %w", err))
	}

	g.logger.Info("consent updated",
		zap.String("conversation_id", conv.ID()),
		zap.String("entity_type", string(record.EntityType)),
		zap.String("state", string(record.State)),
	)
	return nil
}

// ToggleDeny flips a group between denied and allowed, or denies the peer of
// a DM. It returns the state written.
func (g *Gateway) ToggleDeny(ctx context.Context, conv transport.Conversation) (model.ConsentState, error) {
	next := model.ConsentDenied
	if group, ok := conv.(transport.Group); ok && conv.Kind() == model.KindGroup {
		current, err := group.ConsentState(ctx)
		if err != nil {
			return "", inboxerrors.NewStageError(inboxerrors.StageMutation, conv.ID(), fmt.Errorf("failed to get group consent state: %w", err))
		}
		if current == model.ConsentDenied {
			next = model.ConsentAllowed
		}
	}
	if err := g.SetConsent(ctx, conv, next); err != nil {
		return "", err
	}
	return next, nil
}

// ParticipantAddresses returns the sorted, distinct Ethereum addresses of the
// members of conv.
func (g *Gateway) ParticipantAddresses(ctx context.Context, conv transport.Conversation) ([]string, error) {
	members, err := conv.Members(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get members: %w", err)
	}
	var addresses []string
	for _, m := range members {
		addresses = append(addresses, m.Addresses()...)
	}
	out := NormalizeAddresses(addresses)
	sort.Strings(out)
	return out, nil
}

// NormalizeAddresses trims, lowercases and deduplicates addresses, dropping
// empty ones and keeping first-seen order.
func NormalizeAddresses(addresses []string) []string {
	seen := make(map[string]bool, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		n := model.NormalizeAddress(a)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

type recordResult struct {
	record model.ConsentRecord
	ok     bool
	err    error
}

func (r recordResult) unpack() (model.ConsentRecord, bool, error) {
	return r.record, r.ok, r.err
}

type recordBuilder struct {
	ctx   context.Context
	state model.ConsentState
}

func (b recordBuilder) Group(g transport.Group) recordResult {
	return recordResult{
		record: model.ConsentRecord{Entity: g.ID(), EntityType: model.EntityGroupID, State: b.state},
		ok:     true,
	}
}

func (b recordBuilder) DM(d transport.DM) recordResult {
	peer, err := d.PeerInboxID(b.ctx)
	if err != nil {
		return recordResult{err: fmt.Errorf("failed to get dm peer: %w", err)}
	}
	if peer == "" {
		return recordResult{}
	}
	return recordResult{
		record: model.ConsentRecord{Entity: peer, EntityType: model.EntityInboxID, State: b.state},
		ok:     true,
	}
}

func (b recordBuilder) Other(c transport.Conversation) recordResult {
	return recordResult{err: fmt.Errorf("%w: %s", inboxerrors.ErrUnsupportedKind, c.Kind())}
}
