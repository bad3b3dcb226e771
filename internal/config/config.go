// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	StorageTTL      time.Duration
	MaxRequestBody  int64
	GRPCHealthAddr  string
	Voice           VoiceConfig
	Generation      GenerationConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// VoiceConfig controls the voice coaching session controller and its agent connection.
type VoiceConfig struct {
	AgentURL            string
	APIKey              string
	DefaultAgentID      string
	CodingAgentID       string
	KeepaliveInterval   time.Duration
	RedirectDelay       time.Duration
	RedirectPath        string
	ToolTimeout         time.Duration
	ConnectTimeout      time.Duration
	SpeakingQuietWindow time.Duration
}

// GenerationConfig selects and configures the plan/review generation backends.
type GenerationConfig struct {
	Provider          string // "gemini" or "openai"
	PlanURL           string
	PlanAPIKey        string
	GeminiAPIKey      string
	GeminiPlanModel   string
	GeminiReviewModel string
	OpenAIAPIKey      string
	OpenAIModel       string
	Timeout           time.Duration
}

// RateLimitConfig bounds generation requests per learner.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls NDJSON transcript logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/capycode.db"),
		StorageTTL:     getEnvDuration("STORAGE_TTL", 30*24*time.Hour),
		MaxRequestBody: int64(getEnvInt("MAX_REQUEST_BODY", 1<<20)),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		Voice: VoiceConfig{
			AgentURL:            getEnv("VOICE_AGENT_URL", "wss://api.elevenlabs.io/v1/convai/conversation"),
			APIKey:              getEnv("VOICE_API_KEY", ""),
			DefaultAgentID:      getEnv("VOICE_DEFAULT_AGENT_ID", "agent_8101k6ryej6nf3v8c47f035d094p"),
			CodingAgentID:       getEnv("VOICE_CODING_AGENT_ID", "agent_7801k6re9566f1990zee8hcy45k3"),
			KeepaliveInterval:   getEnvDuration("VOICE_KEEPALIVE_INTERVAL", time.Second),
			RedirectDelay:       getEnvDuration("VOICE_REDIRECT_DELAY", time.Second),
			RedirectPath:        getEnv("VOICE_REDIRECT_PATH", "/code"),
			ToolTimeout:         getEnvDuration("VOICE_TOOL_TIMEOUT", 90*time.Second),
			ConnectTimeout:      getEnvDuration("VOICE_CONNECT_TIMEOUT", 15*time.Second),
			SpeakingQuietWindow: getEnvDuration("VOICE_SPEAKING_QUIET_WINDOW", 700*time.Millisecond),
		},
		Generation: GenerationConfig{
			Provider:          strings.ToLower(getEnv("GENERATION_PROVIDER", "gemini")),
			PlanURL:           getEnv("PLAN_API_URL", ""),
			PlanAPIKey:        getEnv("PLAN_API_KEY", ""),
			GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
			GeminiPlanModel:   getEnv("GEMINI_PLAN_MODEL", "gemini-2.5-flash"),
			GeminiReviewModel: getEnv("GEMINI_REVIEW_MODEL", "gemini-2.5-flash-lite"),
			OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
			OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4.1-mini"),
			Timeout:           getEnvDuration("GENERATION_TIMEOUT", 60*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxRequestBody <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY must be > 0")
	}
	if c.Voice.AgentURL == "" {
		return fmt.Errorf("VOICE_AGENT_URL cannot be empty")
	}
	if c.Voice.KeepaliveInterval <= 0 {
		return fmt.Errorf("VOICE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.Voice.RedirectDelay < 0 {
		return fmt.Errorf("VOICE_REDIRECT_DELAY must be >= 0")
	}
	if !strings.HasPrefix(c.Voice.RedirectPath, "/") {
		return fmt.Errorf("VOICE_REDIRECT_PATH must be an absolute path")
	}
	switch c.Generation.Provider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("GENERATION_PROVIDER must be gemini or openai, got %q", c.Generation.Provider)
	}
	if c.Generation.Timeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
