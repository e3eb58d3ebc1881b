package conversations

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/agent-inbox/internal/consent"
	inboxerrors "github.com/capitalize-ai/agent-inbox/internal/errors"
	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
	"github.com/capitalize-ai/agent-inbox/internal/transport/transporttest"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
)

func newManager(client *transporttest.Client) *Manager {
	return NewManager(client, consent.NewOracle(client, 4, logger.Nop()), logger.Nop())
}

func ids(convs []transport.Conversation) []string {
	out := make([]string, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.ID())
	}
	return out
}

func TestStartDedupesAndFilters(t *testing.T) {
	client := transporttest.NewClient("me")

	first := transporttest.NewGroup("g1", "old name")
	second := transporttest.NewGroup("g1", "new name")
	denied := transporttest.NewGroup("g2", "")
	denied.Consent = model.ConsentDenied
	client.Prefs.Deny("spammer")

	client.Convs.SetList(
		first,
		transporttest.NewDM("d1", "friend"),
		denied,
		transporttest.NewDM("d2", "spammer"),
		second,
	)

	m := newManager(client)
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))

	assert.Equal(t, StatusReady, m.Status())
	got := m.Conversations()
	assert.Equal(t, []string{"g1", "d1"}, ids(got))
	assert.Same(t, second, got[0])
	assert.Equal(t, 1, client.Convs.OpenStreams())
}

func TestStreamMergeIsIdempotent(t *testing.T) {
	client := transporttest.NewClient("me")
	client.Convs.SetList(transporttest.NewGroup("g1", ""))

	m := newManager(client)
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))

	updated := transporttest.NewGroup("g1", "renamed")
	client.Convs.Emit(updated)
	client.Convs.Emit(updated)
	client.Convs.Emit(transporttest.NewGroup("g2", ""))

	got := m.Conversations()
	assert.Equal(t, []string{"g1", "g2"}, ids(got))
	assert.Same(t, updated, got[0])
}

func TestStreamConsentFailureFailsOpen(t *testing.T) {
	client := transporttest.NewClient("me")
	m := newManager(client)
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))

	broken := transporttest.NewGroup("g1", "")
	broken.ConsentErr = errors.New("consent store unavailable")
	client.Convs.Emit(broken)

	assert.Equal(t, []string{"g1"}, ids(m.Conversations()))
}

func TestStreamDenyRemovesAndReallowRestores(t *testing.T) {
	client := transporttest.NewClient("me")
	group := transporttest.NewGroup("g1", "")
	client.Convs.SetList(group, transporttest.NewGroup("g2", ""))

	m := newManager(client)
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))
	m.Select(group)

	var changes []Change
	m.Subscribe(func(c Change) { changes = append(changes, c) })

	denied := transporttest.NewGroup("g1", "")
	denied.Consent = model.ConsentDenied
	client.Convs.Emit(denied)

	assert.Equal(t, []string{"g2"}, ids(m.Conversations()))
	assert.Nil(t, m.Selected())
	require.Len(t, changes, 1)
	assert.Equal(t, Change{Conversations: true, Selection: true}, changes[0])

	client.Convs.Emit(transporttest.NewGroup("g1", ""))
	assert.Equal(t, []string{"g2", "g1"}, ids(m.Conversations()))
}

func TestStartFailureThenRetry(t *testing.T) {
	client := transporttest.NewClient("me")
	client.Convs.SetList(transporttest.NewGroup("g1", ""))
	client.Convs.SyncErr = errors.New("network unreachable")

	m := newManager(client)
	defer m.Close()

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusError, m.Status())
	stage, ok := inboxerrors.StageOf(m.Err())
	require.True(t, ok)
	assert.Equal(t, inboxerrors.StageSync, stage)
	assert.Empty(t, m.Conversations())
	assert.Equal(t, 0, client.Convs.OpenStreams())

	client.Convs.SyncErr = nil
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, StatusReady, m.Status())
	assert.NoError(t, m.Err())
	assert.Equal(t, []string{"g1"}, ids(m.Conversations()))
}

func TestListFailureKeepsPreviousSet(t *testing.T) {
	client := transporttest.NewClient("me")
	client.Convs.SetList(transporttest.NewGroup("g1", ""))

	m := newManager(client)
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))

	client.Convs.ListErr = errors.New("list failed")
	require.Error(t, m.Refresh(context.Background()))

	stage, _ := inboxerrors.StageOf(m.Err())
	assert.Equal(t, inboxerrors.StageList, stage)
	assert.Equal(t, []string{"g1"}, ids(m.Conversations()))
}

func TestCancelledRefreshDoesNotCommit(t *testing.T) {
	client := transporttest.NewClient("me")
	denied := transporttest.NewGroup("g2", "")
	denied.Consent = model.ConsentDenied
	client.Convs.SetList(transporttest.NewGroup("g1", ""), denied)

	m := newManager(client)
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))
	require.Equal(t, []string{"g1"}, ids(m.Conversations()))

	ctx, cancel := context.WithCancel(context.Background())
	client.Convs.ListHook = func(context.Context) error {
		cancel()
		return nil
	}

	err := m.Refresh(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusError, m.Status())
	assert.Equal(t, []string{"g1"}, ids(m.Conversations()))
}

func TestSlowRefreshDoesNotOverrideStream(t *testing.T) {
	client := transporttest.NewClient("me")
	g1 := transporttest.NewGroup("g1", "")
	g2 := transporttest.NewGroup("g2", "")
	client.Convs.SetList(g1, g2)

	m := newManager(client)
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))

	entered := make(chan struct{})
	release := make(chan struct{})
	client.Convs.ListHook = func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var refreshErr error
	go func() {
		defer wg.Done()
		refreshErr = m.Refresh(context.Background())
	}()
	<-entered

	renamed := transporttest.NewGroup("g2", "renamed")
	client.Convs.Emit(renamed)
	client.Convs.Emit(transporttest.NewGroup("g3", ""))
	m.Remove("g1")

	close(release)
	wg.Wait()
	require.NoError(t, refreshErr)

	got := m.Conversations()
	assert.Equal(t, []string{"g2", "g3"}, ids(got))
	assert.Same(t, renamed, got[0])
}

func TestRemoveClearsSelection(t *testing.T) {
	client := transporttest.NewClient("me")
	g1 := transporttest.NewGroup("g1", "")
	client.Convs.SetList(g1, transporttest.NewGroup("g2", ""))

	m := newManager(client)
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))

	m.Select(g1)
	require.NotNil(t, m.Selected())

	m.Remove("g2")
	assert.Equal(t, "g1", m.Selected().ID())

	m.Remove("g1")
	assert.Nil(t, m.Selected())
	assert.Empty(t, m.Conversations())

	_, ok := m.Lookup("g1")
	assert.False(t, ok)
}

func TestSelectEmitsOnlyOnChange(t *testing.T) {
	client := transporttest.NewClient("me")
	m := newManager(client)
	defer m.Close()

	count := 0
	m.Subscribe(func(c Change) {
		if c.Selection {
			count++
		}
	})

	g := transporttest.NewGroup("g1", "")
	m.Select(g)
	m.Select(transporttest.NewGroup("g1", "same id"))
	m.Select(nil)
	m.Select(nil)
	assert.Equal(t, 2, count)
}

func TestCloseEndsStream(t *testing.T) {
	client := transporttest.NewClient("me")
	m := newManager(client)
	require.NoError(t, m.Start(context.Background()))
	require.Equal(t, 1, client.Convs.OpenStreams())

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, 0, client.Convs.OpenStreams())

	client.Convs.Emit(transporttest.NewGroup("late", ""))
	assert.Empty(t, m.Conversations())
	assert.ErrorIs(t, m.Start(context.Background()), inboxerrors.ErrClosed)
}

func TestDedupe(t *testing.T) {
	a1 := transporttest.NewGroup("a", "1")
	b := transporttest.NewGroup("b", "")
	a2 := transporttest.NewGroup("a", "2")

	got := dedupe([]transport.Conversation{a1, b, a2})
	require.Len(t, got, 2)
	assert.Same(t, a2, got[0])
	assert.Same(t, b, got[1])
}
