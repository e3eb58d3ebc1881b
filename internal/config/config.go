// Package config provides environment configuration for the inbox daemons.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DevelopmentJWTSecret is the JWT secret used when JWT_SECRET is unset.
const DevelopmentJWTSecret = "development-secret-change-in-production"

// Transport names.
const (
	TransportMemory = "memory"
	TransportNATS   = "nats"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSOrigins        []string

	// Transport settings
	Transport    string
	InboxAddress string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Engine settings
	ReplyTimeout       time.Duration
	ConsentConcurrency int
	DefaultGroupName   string

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	LLMModel        string

	// Agent settings
	AgentAddress      string
	AgentHistoryDepth int
	AgentSystemPrompt string
	AgentReplyTimeout time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// SSE
	HeartbeatInterval time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		CORSOrigins:        getListEnv("CORS_ORIGINS"),

		// Transport
		Transport:    strings.ToLower(getEnv("TRANSPORT", TransportMemory)),
		InboxAddress: getEnv("INBOX_ADDRESS", "0x0000000000000000000000000000000000000001"),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Engine
		ReplyTimeout:       getDurationEnv("REPLY_TIMEOUT", 10*time.Second),
		ConsentConcurrency: getIntEnv("CONSENT_CONCURRENCY", 16),
		DefaultGroupName:   getEnv("DEFAULT_GROUP_NAME", "Agent Group"),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", DevelopmentJWTSecret),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		LLMModel:        getEnv("LLM_MODEL", ""),

		// Agent
		AgentAddress:      getEnv("AGENT_ADDRESS", "0x00000000000000000000000000000000000a9e17"),
		AgentHistoryDepth: getIntEnv("AGENT_HISTORY_DEPTH", 20),
		AgentSystemPrompt: getEnv("AGENT_SYSTEM_PROMPT", "You are a helpful agent replying in a chat inbox. Keep answers short."),
		AgentReplyTimeout: getDurationEnv("AGENT_REPLY_TIMEOUT", 60*time.Second),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// SSE
		HeartbeatInterval: getDurationEnv("HEARTBEAT_INTERVAL", 15*time.Second),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
