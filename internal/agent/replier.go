package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/capitalize-ai/agent-inbox/internal/llm"
	"github.com/capitalize-ai/agent-inbox/internal/model"
	"github.com/capitalize-ai/agent-inbox/pkg/metrics"
)

// EchoReplier answers with the text it was sent.
type EchoReplier struct {
	Prefix string
}

// Reply implements Replier.
func (e EchoReplier) Reply(ctx context.Context, transcript []model.TranscriptEntry) (string, error) {
	if len(transcript) == 0 {
		return "", nil
	}
	return e.Prefix + transcript[len(transcript)-1].Content, nil
}

// LLMReplier answers with a completion from an LLM provider.
type LLMReplier struct {
	Client    llm.Client
	Model     string
	System    string
	MaxTokens int
}

// Reply implements Replier. Entries written by the agent become assistant
// turns; everything else becomes user turns.
func (l LLMReplier) Reply(ctx context.Context, transcript []model.TranscriptEntry) (string, error) {
	req := &llm.CompletionRequest{
		Model:     l.Model,
		System:    l.System,
		Messages:  ChatMessages(transcript),
		MaxTokens: l.MaxTokens,
	}
	if len(req.Messages) == 0 {
		return "", nil
	}

	start := time.Now()
	resp, err := l.Client.Complete(ctx, req)
	if err != nil {
		metrics.RecordLLM(l.Client.Name(), "error", time.Since(start).Seconds(), 0, 0)
		return "", fmt.Errorf("failed to complete with %s: %w", l.Client.Name(), err)
	}
	metrics.RecordLLM(l.Client.Name(), "success", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
	return strings.TrimSpace(resp.Content), nil
}

// NewReplier answers with client when one is configured and echoes
// otherwise.
func NewReplier(client llm.Client, modelName, system string) Replier {
	if client == nil {
		return EchoReplier{Prefix: "echo: "}
	}
	return LLMReplier{Client: client, Model: modelName, System: system}
}

// ChatMessages maps an agent-side transcript to LLM turns. Consecutive
// entries of the same role are merged and leading assistant turns dropped,
// since providers expect alternating turns starting with the user.
func ChatMessages(transcript []model.TranscriptEntry) []llm.ChatMessage {
	var out []llm.ChatMessage
	for _, e := range transcript {
		role := llm.RoleUser
		if e.Role == model.RoleUser {
			role = llm.RoleAssistant
		}
		if len(out) == 0 && role == llm.RoleAssistant {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + e.Content
			continue
		}
		out = append(out, llm.ChatMessage{Role: role, Content: e.Content})
	}
	return out
}
