// Package main runs a reply agent on the NATS relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-inbox/internal/agent"
	"github.com/capitalize-ai/agent-inbox/internal/config"
	"github.com/capitalize-ai/agent-inbox/internal/llm"
	natsclient "github.com/capitalize-ai/agent-inbox/internal/nats"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
	"github.com/capitalize-ai/agent-inbox/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("agentd failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "agentd", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	relay, err := natsclient.NewRelay(ctx, natsClient, log)
	if err != nil {
		return err
	}
	client, err := relay.Register(ctx, cfg.AgentAddress)
	if err != nil {
		return err
	}

	llmClient, err := llm.FromKeys(llm.Provider(cfg.DefaultLLM), cfg.AnthropicAPIKey, cfg.OpenAIAPIKey)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	if llmClient == nil {
		log.Warn("no LLM API key configured, agent will echo")
	}

	responder := agent.NewResponder(client, agent.NewReplier(llmClient, cfg.LLMModel, cfg.AgentSystemPrompt), agent.Options{
		HistoryDepth: cfg.AgentHistoryDepth,
		ReplyTimeout: cfg.AgentReplyTimeout,
	}, log)

	log.Info("starting agent", zap.String("address", cfg.AgentAddress), zap.String("inbox_id", client.InboxID()))
	if err := responder.Run(ctx); err != nil {
		return err
	}
	log.Info("agent stopped")
	return nil
}
