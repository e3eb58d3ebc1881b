package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/agent-inbox/internal/middleware"
	natsclient "github.com/capitalize-ai/agent-inbox/internal/nats"
	"github.com/capitalize-ai/agent-inbox/internal/service"
	"github.com/capitalize-ai/agent-inbox/pkg/logger"
)

// RouterConfig holds what the API router is built from.
type RouterConfig struct {
	Inbox             *service.Inbox
	NATS              *natsclient.Client
	JWTSecret         string
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	HeartbeatInterval time.Duration
	Logger            *logger.Logger
}

// NewRouter builds the HTTP API around an inbox.
func NewRouter(cfg RouterConfig) http.Handler {
	healthHandler := NewHealthHandler(cfg.NATS, cfg.Inbox)
	conversationHandler := NewConversationHandler(cfg.Inbox, cfg.Logger)
	messageHandler := NewMessageHandler(cfg.Inbox, cfg.Logger)
	streamHandler := NewStreamHandler(cfg.Inbox, cfg.HeartbeatInterval, cfg.Logger)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeRead))
			r.Get("/conversations", conversationHandler.List)
			r.Get("/conversations/{id}/participants", conversationHandler.Participants)
			r.Get("/transcript", messageHandler.Transcript)
			r.Get("/events", streamHandler.Events)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeWrite))
			r.Post("/conversations/refresh", conversationHandler.Refresh)
			r.Put("/conversations/{id}/consent", conversationHandler.SetConsent)
			r.Post("/conversations/{id}/consent/toggle", conversationHandler.ToggleDeny)
			r.Put("/selection", conversationHandler.Select)
			r.Put("/compose", conversationHandler.Compose)
			r.Post("/dms", conversationHandler.OpenDM)
			r.Post("/messages", messageHandler.Send)
		})
	})

	return r
}
