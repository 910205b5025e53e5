package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Completion providers understood by COMPLETION_PROVIDER.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Store drivers understood by STORE_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration for the relay service
type Config struct {
	// Server configuration
	Port   string `envconfig:"PORT" default:"8080"`
	WSPath string `envconfig:"WS_PATH" default:"/user_text"`

	// Optional port for the gRPC health service; disabled when empty
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:""`

	// Completion service configuration
	CompletionProvider string `envconfig:"COMPLETION_PROVIDER" default:"openai"` // openai, gemini
	CompletionModel    string `envconfig:"COMPLETION_MODEL" default:"gpt-4.1"`
	OpenAIAPIKey       string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL      string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	GeminiAPIKey       string `envconfig:"GEMINI_API_KEY"`

	// ElevenLabs synthesis configuration
	ElevenLabsAPIKey  string `envconfig:"ELEVENLABS_API_KEY"`
	ElevenLabsBaseURL string `envconfig:"ELEVENLABS_BASE_URL" default:"https://api.elevenlabs.io"`
	TTSVoiceID        string `envconfig:"TTS_VOICE_ID" default:"David1.0"`
	TTSModelID        string `envconfig:"TTS_MODEL_ID" default:"eleven_multilingual_v2"`
	TTSOutputFormat   string `envconfig:"TTS_OUTPUT_FORMAT" default:"mp3_44100_128"`

	// Record store configuration
	StoreDriver    string `envconfig:"STORE_DRIVER" default:"sqlite"` // sqlite, postgres
	StoreDSN       string `envconfig:"STORE_DSN" default:"user_data.db"`
	SharedPassword string `envconfig:"SHARED_PASSWORD" default:"LED12AA@"` // Seeded only when the store has none

	// Persona overrides (YAML); built-in persona when empty
	PersonaFile string `envconfig:"PERSONA_FILE" default:""`

	// WebSocket configuration
	WSPingInterval int `envconfig:"WS_PING_INTERVAL" default:"20"` // seconds
	WSWriteTimeout int `envconfig:"WS_WRITE_TIMEOUT" default:"10"` // seconds

	// Resilience configuration. Upstream calls are attempted once and no
	// breaker is shared between sessions unless enabled here.
	CircuitBreakerEnabled      bool `envconfig:"CIRCUIT_BREAKER_ENABLED" default:"false"`    // Share one breaker per upstream across sessions
	CircuitBreakerMaxFailures  int  `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int  `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int  `envconfig:"RETRY_MAX_ATTEMPTS" default:"1"`             // Attempts per upstream call; 1 disables retry
	RetryInitialBackoff        int  `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int  `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Store connection attempts at startup
	ReconnectBackoff           int  `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Key names used by earlier deployments of the relay
	if cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = GetEnv("gpt_test_key", "")
	}
	if cfg.ElevenLabsAPIKey == "" {
		cfg.ElevenLabsAPIKey = GetEnv("eleven_key", "")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks required fields and enumerated values
func (c *Config) Validate() error {
	c.CompletionProvider = strings.ToLower(strings.TrimSpace(c.CompletionProvider))
	switch c.CompletionProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required")
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required")
		}
	default:
		return fmt.Errorf("unsupported COMPLETION_PROVIDER %q", c.CompletionProvider)
	}

	if c.ElevenLabsAPIKey == "" {
		return fmt.Errorf("ELEVENLABS_API_KEY is required")
	}

	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	if c.StoreDriver != DriverSQLite && c.StoreDriver != DriverPostgres {
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	if c.StoreDSN == "" {
		return fmt.Errorf("STORE_DSN is required")
	}
	if c.SharedPassword == "" {
		return fmt.Errorf("SHARED_PASSWORD must not be empty")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("WS_PATH must start with '/'")
	}

	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
