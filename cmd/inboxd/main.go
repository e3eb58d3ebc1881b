// Package main is the entry point for the inbox daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/agent-inbox/internal/agent"
	"github.com/capitalize-ai/agent-inbox/internal/config"
	"github.com/capitalize-ai/agent-inbox/internal/handler"
	"github.com/capitalize-ai/agent-inbox/internal/llm"
	"github.com/capitalize-ai/agent-inbox/internal/middleware"
	natsclient "github.com/capitalize-ai/agent-inbox/internal/nats"
	"github.com/capitalize-ai/agent-inbox/internal/service"
	"github.com/capitalize-ai/agent-inbox/internal/transport"
	"github.com/capitalize-ai/agent-inbox/internal/transport/memtransport"
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
		log.Error("inboxd failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting inbox daemon", zap.String("transport", cfg.Transport))

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "inboxd", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	var (
		client     transport.Client
		natsClient *natsclient.Client
		agentDone  = make(chan struct{})
		err        error
	)
	switch cfg.Transport {
	case config.TransportMemory:
		net := memtransport.NewNetwork(nil)
		user, err := net.Register(cfg.InboxAddress)
		if err != nil {
			return fmt.Errorf("failed to register inbox: %w", err)
		}
		agentClient, err := net.Register(cfg.AgentAddress)
		if err != nil {
			return fmt.Errorf("failed to register agent: %w", err)
		}
		client = user

		responder, err := newResponder(cfg, agentClient, log)
		if err != nil {
			return err
		}
		go func() {
			defer close(agentDone)
			if err := responder.Run(ctx); err != nil {
				log.Error("agent stopped", zap.Error(err))
			}
		}()
		log.Info("in-process agent ready", zap.String("address", cfg.AgentAddress))

	case config.TransportNATS:
		close(agentDone)
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
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
		inbox, err := relay.Register(ctx, cfg.InboxAddress)
		if err != nil {
			return err
		}
		client = inbox
		go recordRelayState(ctx, relay.Streams(), log)

	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	inbox := service.New(client, service.Options{
		ReplyTimeout:       cfg.ReplyTimeout,
		ConsentConcurrency: cfg.ConsentConcurrency,
		DefaultGroupName:   cfg.DefaultGroupName,
	}, log)
	defer inbox.Close()
	go startInbox(ctx, inbox, log)

	if cfg.JWTSecret == config.DevelopmentJWTSecret {
		token, err := middleware.IssueToken(cfg.JWTSecret, "dev", []string{middleware.ScopeRead, middleware.ScopeWrite}, cfg.JWTExpiration)
		if err == nil {
			log.Warn("using development JWT secret", zap.String("token", token))
		}
	}

	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: handler.NewRouter(handler.RouterConfig{
			Inbox:             inbox,
			NATS:              natsClient,
			JWTSecret:         cfg.JWTSecret,
			CORSOrigins:       cfg.CORSOrigins,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
			HeartbeatInterval: cfg.HeartbeatInterval,
			Logger:            log,
		}),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort), zap.String("inbox_id", client.InboxID()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	<-agentDone

	log.Info("server stopped")
	return nil
}

func newResponder(cfg *config.Config, client transport.Client, log *logger.Logger) (*agent.Responder, error) {
	llmClient, err := llm.FromKeys(llm.Provider(cfg.DefaultLLM), cfg.AnthropicAPIKey, cfg.OpenAIAPIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	if llmClient == nil {
		log.Warn("no LLM API key configured, agent will echo")
	}
	return agent.NewResponder(client, agent.NewReplier(llmClient, cfg.LLMModel, cfg.AgentSystemPrompt), agent.Options{
		HistoryDepth: cfg.AgentHistoryDepth,
		ReplyTimeout: cfg.AgentReplyTimeout,
	}, log), nil
}

// startInbox retries the initial load until it succeeds or ctx is done.
func startInbox(ctx context.Context, inbox *service.Inbox, log *logger.Logger) {
	backoff := time.Second
	for {
		err := inbox.Start(ctx)
		if err == nil {
			log.Info("inbox ready")
			return
		}
		log.Warn("failed to start inbox, retrying", zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func recordRelayState(ctx context.Context, streams *natsclient.StreamManager, log *logger.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		if err := streams.RecordState(ctx); err != nil && ctx.Err() == nil {
			log.Warn("failed to record relay state", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
