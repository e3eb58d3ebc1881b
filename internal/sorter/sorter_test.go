package sorter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/agent-inbox/internal/consent"
	"github.com/capitalize-ai/agent-inbox/internal/conversations"
	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
	"github.com/capitalize-ai/agent-inbox/internal/transport/transporttest"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func withLast(id string, sentAt time.Time) *transporttest.Conversation {
	c := transporttest.NewGroup(id, "")
	c.Last = &model.Message{ID: id + "-last", SentAt: sentAt}
	return c
}

func ids(convs []transport.Conversation) []string {
	out := make([]string, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.ID())
	}
	return out
}

func TestSortByLastActivity(t *testing.T) {
	t0 := base
	t2 := base.Add(2 * time.Minute)
	t3 := base.Add(3 * time.Minute)
	t1 := base.Add(5 * time.Minute)

	noMessages := transporttest.NewGroup("t0", "")
	noMessages.Created = t0

	convs := []transport.Conversation{
		noMessages,
		withLast("t2", t2),
		withLast("t1", t1),
		withLast("t3", t3),
	}

	got := New(2, logger.Nop()).Sort(context.Background(), convs, base.Add(time.Hour))
	assert.Equal(t, []string{"t1", "t3", "t2", "t0"}, ids(got))
}

func TestRankTimeResolution(t *testing.T) {
	now := base.Add(time.Hour)

	nsOnly := transporttest.NewGroup("ns", "")
	nsOnly.Last = &model.Message{ID: "m", SentAtNs: base.Add(10 * time.Minute).UnixNano()}

	noTimestamp := transporttest.NewGroup("untimed", "")
	noTimestamp.Last = &model.Message{ID: "m"}
	noTimestamp.Created = base.Add(time.Minute)

	failing := transporttest.NewGroup("failing", "")
	failing.LastErr = errors.New("decode failed")
	failing.Created = base.Add(2 * time.Minute)

	nothing := &transporttest.Conversation{IDValue: "nothing", KindValue: model.KindDM}

	ranked := New(0, logger.Nop()).Rank(context.Background(),
		[]transport.Conversation{noTimestamp, failing, nsOnly, nothing}, now)

	require.Len(t, ranked, 4)
	got := map[string]time.Time{}
	for _, r := range ranked {
		got[r.Conversation.ID()] = r.SortTime
	}
	assert.True(t, got["ns"].Equal(base.Add(10*time.Minute)))
	assert.True(t, got["untimed"].Equal(base.Add(time.Minute)))
	assert.True(t, got["failing"].Equal(base.Add(2*time.Minute)))
	assert.True(t, got["nothing"].Equal(now))
	assert.Equal(t, "nothing", ranked[0].Conversation.ID())
}

func TestRankIsStableForEqualTimes(t *testing.T) {
	a := withLast("a", base)
	b := withLast("b", base)
	c := withLast("c", base)

	got := New(3, logger.Nop()).Sort(context.Background(), []transport.Conversation{a, b, c}, base)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
}

func TestViewTracksManager(t *testing.T) {
	client := transporttest.NewClient("me")
	client.Convs.SetList(withLast("old", base), withLast("new", base.Add(time.Minute)))

	m := conversations.NewManager(client, consent.NewOracle(client, 2, logger.Nop()), logger.Nop())
	defer m.Close()

	mock := clock.NewMock()
	mock.Set(base.Add(time.Hour))
	view := NewView(m, New(2, logger.Nop()), mock, logger.Nop())
	defer view.Close()

	updates := make(chan []Ranked, 8)
	view.Subscribe(func(r []Ranked) { updates <- r })
	view.Start()

	next := func() []string {
		select {
		case r := <-updates:
			var out []string
			for _, x := range r {
				out = append(out, x.Conversation.ID())
			}
			return out
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for view update")
			return nil
		}
	}

	assert.Empty(t, next())

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, []string{"new", "old"}, next())

	client.Convs.Emit(withLast("newest", base.Add(2*time.Minute)))
	assert.Equal(t, []string{"newest", "new", "old"}, next())
	assert.Len(t, view.Ordered(), 3)
}
