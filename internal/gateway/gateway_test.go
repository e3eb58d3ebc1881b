package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inboxerrors "github.com/capitalize-ai/agent-inbox/internal/errors"
	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
	"github.com/capitalize-ai/agent-inbox/internal/transport/transporttest"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
)

func TestCreateGroupWithoutAddressesSkipsNetwork(t *testing.T) {
	client := transporttest.NewClient("me")
	g := New(client, "", logger.Nop())

	for _, in := range [][]string{nil, {}, {"", "   "}} {
		_, err := g.CreateGroup(context.Background(), in)
		assert.ErrorIs(t, err, inboxerrors.ErrNoAddresses)
	}
	assert.Equal(t, int32(0), client.Convs.NewGroupCalls.Load())
}

func TestCreateGroupNormalizesAddresses(t *testing.T) {
	client := transporttest.NewClient("me")
	var gotIdentities []model.Identity
	var gotOpts transport.GroupOptions
	client.Convs.NewGroupHook = func(ctx context.Context, identities []model.Identity, opts transport.GroupOptions) (transport.Group, error) {
		gotIdentities = identities
		gotOpts = opts
		return transporttest.NewGroup("g1", opts.Name), nil
	}

	group, err := New(client, "", logger.Nop()).CreateGroup(context.Background(),
		[]string{" 0xABC ", "0xabc", "0xDef"})
	require.NoError(t, err)

	assert.Equal(t, "g1", group.ID())
	assert.Equal(t, DefaultGroupName, gotOpts.Name)
	assert.Equal(t, []model.Identity{
		{Identifier: "0xabc", Kind: model.IdentifierEthereum},
		{Identifier: "0xdef", Kind: model.IdentifierEthereum},
	}, gotIdentities)
}

func TestCreateGroupPropagatesTransportError(t *testing.T) {
	client := transporttest.NewClient("me")
	boom := errors.New("inbox not found for address")
	client.Convs.NewGroupHook = func(context.Context, []model.Identity, transport.GroupOptions) (transport.Group, error) {
		return nil, boom
	}

	_, err := New(client, "Research", logger.Nop()).CreateGroup(context.Background(), []string{"0xabc"})
	assert.Same(t, boom, err)
}

func TestSetConsent(t *testing.T) {
	client := transporttest.NewClient("me")
	g := New(client, "", logger.Nop())
	ctx := context.Background()

	require.NoError(t, g.SetConsent(ctx, transporttest.NewGroup("g1", ""), model.ConsentDenied))
	require.NoError(t, g.SetConsent(ctx, transporttest.NewDM("d1", "peer-1"), model.ConsentDenied))
	require.NoError(t, g.SetConsent(ctx, transporttest.NewDM("d2", ""), model.ConsentDenied))

	assert.Equal(t, []model.ConsentRecord{
		{Entity: "g1", EntityType: model.EntityGroupID, State: model.ConsentDenied},
		{Entity: "peer-1", EntityType: model.EntityInboxID, State: model.ConsentDenied},
	}, client.Prefs.Records())

	allowed, err := client.Prefs.IsAllowed(ctx, "peer-1")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestSetConsentErrors(t *testing.T) {
	client := transporttest.NewClient("me")
	client.Prefs.SetErr = errors.New("write failed")
	g := New(client, "", logger.Nop())

	err := g.SetConsent(context.Background(), transporttest.NewGroup("g1", ""), model.ConsentDenied)
	stage, ok := inboxerrors.StageOf(err)
	require.True(t, ok)
	assert.Equal(t, inboxerrors.StageMutation, stage)

	other := &transporttest.Conversation{IDValue: "x", KindValue: "channel"}
	err = New(transporttest.NewClient("me"), "", logger.Nop()).SetConsent(context.Background(), other, model.ConsentDenied)
	assert.ErrorIs(t, err, inboxerrors.ErrUnsupportedKind)
}

func TestToggleDeny(t *testing.T) {
	client := transporttest.NewClient("me")
	g := New(client, "", logger.Nop())
	ctx := context.Background()

	allowedGroup := transporttest.NewGroup("g1", "")
	state, err := g.ToggleDeny(ctx, allowedGroup)
	require.NoError(t, err)
	assert.Equal(t, model.ConsentDenied, state)

	deniedGroup := transporttest.NewGroup("g2", "")
	deniedGroup.Consent = model.ConsentDenied
	state, err = g.ToggleDeny(ctx, deniedGroup)
	require.NoError(t, err)
	assert.Equal(t, model.ConsentAllowed, state)

	state, err = g.ToggleDeny(ctx, transporttest.NewDM("d1", "peer"))
	require.NoError(t, err)
	assert.Equal(t, model.ConsentDenied, state)

	records := client.Prefs.Records()
	require.Len(t, records, 3)
	assert.Equal(t, model.ConsentAllowed, records[1].State)
	assert.Equal(t, model.EntityInboxID, records[2].EntityType)
}

func TestParticipantAddresses(t *testing.T) {
	conv := transporttest.NewGroup("g1", "")
	conv.MemberList = []model.Member{
		{InboxID: "me", Identities: []model.Identity{{Identifier: "0xFFF", Kind: model.IdentifierEthereum}}},
		{InboxID: "agent", Identities: []model.Identity{
			{Identifier: "0xAAA", Kind: model.IdentifierEthereum},
			{Identifier: "0xaaa", Kind: model.IdentifierEthereum},
		}},
	}

	got, err := New(transporttest.NewClient("me"), "", logger.Nop()).ParticipantAddresses(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xaaa", "0xfff"}, got)
}

func TestFindOrCreateDM(t *testing.T) {
	client := transporttest.NewClient("me")
	g := New(client, "", logger.Nop())

	dm, err := g.FindOrCreateDM(context.Background(), " 0xPEER ")
	require.NoError(t, err)
	assert.Equal(t, "dm-0xpeer", dm.ID())

	_, err = g.FindOrCreateDM(context.Background(), " ")
	assert.ErrorIs(t, err, inboxerrors.ErrNoAddresses)
}
