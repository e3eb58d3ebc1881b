package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/agent-inbox/internal/llm"
	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
	"github.com/capitalize-ai/agent-inbox/internal/transport/memtransport"
	"github.com/capitalize-ai/agent-inbox/internal/transport/transporttest"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
)

type fakeLLM struct {
	resp *llm.CompletionResponse
	err  error
	got  *llm.CompletionRequest
}

func (f *fakeLLM) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.got = req
	return f.resp, f.err
}

func (f *fakeLLM) Name() string { return "fake" }

func text(id, sender, content string) model.Message {
	return model.Message{ID: id, SenderInboxID: sender, ContentType: model.ContentTypeText, Content: content}
}

func TestResponderRepliesToInboundText(t *testing.T) {
	client := transporttest.NewClient("agent")
	existing := transporttest.NewGroup("g1", "")
	denied := transporttest.NewGroup("g-denied", "")
	denied.Consent = model.ConsentDenied
	client.Convs.SetList(existing, denied)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	r := NewResponder(client, EchoReplier{Prefix: "echo: "}, Options{}, logger.Nop())
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return existing.OpenStreams() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, denied.OpenStreams())

	existing.Emit(text("m1", "agent", "my own message"))
	existing.Emit(model.Message{ID: "m2", SenderInboxID: "user", ContentType: model.ContentTypeReaction, Content: "+1"})
	existing.Emit(text("m3", "user", "hi"))
	require.Eventually(t, func() bool { return len(existing.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"echo: hi"}, existing.Sent())
	assert.Equal(t, []string{"echo: hi"}, existing.SentMarkdown())

	existing.Emit(text("m3", "user", "hi"))
	assert.Never(t, func() bool { return len(existing.Sent()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	streamed := transporttest.NewDM("d1", "user")
	client.Convs.Emit(streamed)
	require.Eventually(t, func() bool { return streamed.OpenStreams() == 1 }, time.Second, 5*time.Millisecond)
	client.Convs.Emit(streamed)
	streamed.Emit(text("m4", "user", "ping"))
	require.Eventually(t, func() bool { return len(streamed.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, existing.OpenStreams())
	assert.Equal(t, 0, streamed.OpenStreams())
}

func TestResponderAnswersMessageSentBeforeFollowing(t *testing.T) {
	client := transporttest.NewClient("agent")
	g := transporttest.NewGroup("g1", "")
	last := text("m1", "user", "are you there?")
	g.Last = &last
	client.Convs.SetList(g)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewResponder(client, EchoReplier{}, Options{}, logger.Nop()).Run(ctx) }()

	require.Eventually(t, func() bool { return len(g.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"are you there?"}, g.Sent())

	cancel()
	require.NoError(t, <-done)
}

func TestRespondersDoNotAnswerEachOther(t *testing.T) {
	net := memtransport.NewNetwork(nil)
	user, err := net.Register("0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	first, err := net.Register("0x00000000000000000000000000000000000000bb")
	require.NoError(t, err)
	second, err := net.Register("0x00000000000000000000000000000000000000cc")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	for _, c := range []transport.Client{first, second} {
		c := c
		go func() { done <- NewResponder(c, EchoReplier{Prefix: "echo: "}, Options{}, logger.Nop()).Run(ctx) }()
	}

	group, err := user.Conversations().NewGroupWithIdentities(ctx, []model.Identity{
		{Kind: model.IdentifierEthereum, Identifier: "0x00000000000000000000000000000000000000bb"},
		{Kind: model.IdentifierEthereum, Identifier: "0x00000000000000000000000000000000000000cc"},
	}, transport.GroupOptions{Name: "two agents"})
	require.NoError(t, err)

	// Give both responders time to follow the group before sending.
	time.Sleep(50 * time.Millisecond)
	_, err = group.Send(ctx, "hello")
	require.NoError(t, err)

	count := func() int {
		msgs, _ := group.Messages(ctx)
		return len(msgs)
	}
	require.Eventually(t, func() bool { return count() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return count() > 3 }, 200*time.Millisecond, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

func TestResponderRunFailsOnSync(t *testing.T) {
	client := transporttest.NewClient("agent")
	client.Convs.SyncErr = errors.New("offline")

	err := NewResponder(client, EchoReplier{}, Options{}, logger.Nop()).Run(context.Background())
	assert.ErrorContains(t, err, "offline")
}

func TestTranscript(t *testing.T) {
	history := []model.Message{
		text("a", "user", "one"),
		text("b", "agent", "two"),
		{ID: "c", SenderInboxID: "user", ContentType: model.ContentTypeReadReceipt},
		text("d", "user", "three"),
		text("e", "user", "after"),
	}

	got := Transcript(history, text("d", "user", "three"), "agent", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Content)
	assert.Equal(t, model.RoleUser, got[0].Role)
	assert.Equal(t, "three", got[1].Content)

	got = Transcript(history[:2], text("z", "user", "not yet synced"), "agent", 0)
	assert.Len(t, got, 3)
	assert.Equal(t, "not yet synced", got[2].Content)
}

func TestChatMessages(t *testing.T) {
	transcript := []model.TranscriptEntry{
		{Role: model.RoleUser, Content: "agent greeting"},
		{Role: model.RoleAssistant, Content: "question"},
		{Role: model.RoleAssistant, Content: "more detail"},
		{Role: model.RoleUser, Content: "answer"},
		{Role: model.RoleAssistant, Content: "thanks"},
	}

	assert.Equal(t, []llm.ChatMessage{
		{Role: llm.RoleUser, Content: "question\n\nmore detail"},
		{Role: llm.RoleAssistant, Content: "answer"},
		{Role: llm.RoleUser, Content: "thanks"},
	}, ChatMessages(transcript))
}

func TestLLMReplier(t *testing.T) {
	fake := &fakeLLM{resp: &llm.CompletionResponse{Content: "  sure thing \n", TokensIn: 10, TokensOut: 3}}
	r := LLMReplier{Client: fake, Model: "m", System: "be brief"}

	got, err := r.Reply(context.Background(), []model.TranscriptEntry{{Role: model.RoleAssistant, Content: "help?"}})
	require.NoError(t, err)
	assert.Equal(t, "sure thing", got)
	assert.Equal(t, "be brief", fake.got.System)
	assert.Equal(t, "m", fake.got.Model)

	fake.err = errors.New("rate limited")
	_, err = r.Reply(context.Background(), []model.TranscriptEntry{{Role: model.RoleAssistant, Content: "again"}})
	assert.ErrorContains(t, err, "rate limited")

	got, err = r.Reply(context.Background(), []model.TranscriptEntry{{Role: model.RoleUser, Content: "only mine"}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNewReplier(t *testing.T) {
	assert.Equal(t, EchoReplier{Prefix: "echo: "}, NewReplier(nil, "", ""))

	fake := &fakeLLM{}
	assert.Equal(t, LLMReplier{Client: fake, Model: "m", System: "s"}, NewReplier(fake, "m", "s"))
}
