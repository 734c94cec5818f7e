package platform

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/adred-codev/realtime-relay/internal/shared/types"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all relay configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
//	required: Must be provided (no default)
type Config struct {
	// Server basics
	Port      int    `env:"PORT" envDefault:"8081"`
	RelayPath string `env:"RELAY_PATH" envDefault:"/"`

	// Upstream credential, shared by every upstream session
	OpenAIAPIKey string `env:"OPENAI_API_KEY,required"`

	// Upstream realtime service
	UpstreamURL              string        `env:"UPSTREAM_URL" envDefault:"wss://api.openai.com/v1/realtime"`
	UpstreamModel            string        `env:"UPSTREAM_MODEL" envDefault:"gpt-4o-realtime-preview-2024-10-01"`
	UpstreamHandshakeTimeout time.Duration `env:"UPSTREAM_HANDSHAKE_TIMEOUT" envDefault:"10s"`

	// Admission control
	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"100"`
	QueueTimeoutMs int `env:"QUEUE_TIMEOUT" envDefault:"60000"` // milliseconds

	// Pre-connect buffering cap per session (bytes)
	PendingBufferBytes int `env:"PENDING_BUFFER_BYTES" envDefault:"8388608"` // 8MB

	// Connection rate limiting
	ConnRateLimitEnabled     bool    `env:"CONN_RATE_LIMIT_ENABLED" envDefault:"false"`
	ConnRateLimitIPBurst     int     `env:"CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// Session lifecycle sink
	LifecycleSink string `env:"LIFECYCLE_SINK" envDefault:"none"`
	NATSURL       string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSSubject   string `env:"NATS_SUBJECT" envDefault:"relay.sessions"`
	KafkaBrokers  string `env:"KAFKA_BROKERS" envDefault:"localhost:19092"`
	KafkaTopic    string `env:"KAFKA_TOPIC" envDefault:"relay-sessions"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
	ShutdownGrace   time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// Load .env file (optional - OK if it doesn't exist)
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}

	// Parse environment variables into struct
	// This validates types and applies defaults
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}

	// Range checks
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.QueueTimeoutMs < 1 {
		return fmt.Errorf("QUEUE_TIMEOUT must be > 0 ms, got %d", c.QueueTimeoutMs)
	}
	if c.PendingBufferBytes < 0 {
		return fmt.Errorf("PENDING_BUFFER_BYTES must be >= 0, got %d", c.PendingBufferBytes)
	}
	if c.UpstreamHandshakeTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_HANDSHAKE_TIMEOUT must be > 0, got %s", c.UpstreamHandshakeTimeout)
	}
	if !strings.HasPrefix(c.RelayPath, "/") {
		return fmt.Errorf("RELAY_PATH must start with '/', got %q", c.RelayPath)
	}

	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return fmt.Errorf("UPSTREAM_URL is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("UPSTREAM_URL must use ws or wss scheme, got %q", u.Scheme)
	}

	// Enum checks
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	switch types.SinkKind(c.LifecycleSink) {
	case types.SinkNone, types.SinkNATS, types.SinkKafka:
	default:
		return fmt.Errorf("LIFECYCLE_SINK must be one of: none, nats, kafka (got: %s)", c.LifecycleSink)
	}

	return nil
}

// QueueTimeout returns the queue residency limit as a duration
func (c *Config) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutMs) * time.Millisecond
}

// Addr returns the listen address for the relay
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Brokers splits KAFKA_BROKERS on commas, dropping empty entries
func (c *Config) Brokers() []string {
	result := []string{}
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// RelayConfig converts the env configuration into the server configuration
func (c *Config) RelayConfig() types.RelayConfig {
	return types.RelayConfig{
		Addr:      c.Addr(),
		RelayPath: c.RelayPath,

		MaxConnections: c.MaxConnections,
		QueueTimeout:   c.QueueTimeout(),

		UpstreamURL:              c.UpstreamURL,
		UpstreamModel:            c.UpstreamModel,
		UpstreamAPIKey:           c.OpenAIAPIKey,
		UpstreamHandshakeTimeout: c.UpstreamHandshakeTimeout,

		PendingBufferBytes: c.PendingBufferBytes,

		ConnectionRateLimitEnabled: c.ConnRateLimitEnabled,
		ConnRateLimitIPBurst:       c.ConnRateLimitIPBurst,
		ConnRateLimitIPRate:        c.ConnRateLimitIPRate,
		ConnRateLimitGlobalBurst:   c.ConnRateLimitGlobalBurst,
		ConnRateLimitGlobalRate:    c.ConnRateLimitGlobalRate,

		HTTPReadTimeout:  15 * time.Second,
		HTTPWriteTimeout: 15 * time.Second,
		HTTPIdleTimeout:  60 * time.Second,

		MetricsInterval: c.MetricsInterval,
		ShutdownGrace:   c.ShutdownGrace,

		LogLevel:  types.LogLevel(c.LogLevel),
		LogFormat: types.LogFormat(c.LogFormat),
	}
}

// Print logs configuration for debugging (human-readable format)
// For production, use LogConfig() with structured logging
func (c *Config) Print() {
	fmt.Println("=== Relay Configuration ===")
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("Address:         %s\n", c.Addr())
	fmt.Printf("Relay Path:      %s\n", c.RelayPath)
	fmt.Printf("API Key:         %s\n", redactKey(c.OpenAIAPIKey))
	fmt.Println("\n=== Upstream ===")
	fmt.Printf("URL:             %s\n", c.UpstreamURL)
	fmt.Printf("Model:           %s\n", c.UpstreamModel)
	fmt.Printf("Handshake:       %s\n", c.UpstreamHandshakeTimeout)
	fmt.Println("\n=== Admission ===")
	fmt.Printf("Max Connections: %d\n", c.MaxConnections)
	fmt.Printf("Queue Timeout:   %s\n", c.QueueTimeout())
	fmt.Printf("Pending Buffer:  %d KB\n", c.PendingBufferBytes/1024)
	fmt.Println("\n=== Rate Limits ===")
	fmt.Printf("Enabled:         %t\n", c.ConnRateLimitEnabled)
	fmt.Printf("Per IP:          %d burst, %.1f/sec\n", c.ConnRateLimitIPBurst, c.ConnRateLimitIPRate)
	fmt.Printf("Global:          %d burst, %.1f/sec\n", c.ConnRateLimitGlobalBurst, c.ConnRateLimitGlobalRate)
	fmt.Println("\n=== Lifecycle Sink ===")
	fmt.Printf("Sink:            %s\n", c.LifecycleSink)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:           %s\n", c.LogLevel)
	fmt.Printf("Format:          %s\n", c.LogFormat)
	fmt.Println("============================")
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr()).
		Str("relay_path", c.RelayPath).
		Str("api_key", redactKey(c.OpenAIAPIKey)).
		Str("upstream_url", c.UpstreamURL).
		Str("upstream_model", c.UpstreamModel).
		Dur("upstream_handshake_timeout", c.UpstreamHandshakeTimeout).
		Int("max_connections", c.MaxConnections).
		Dur("queue_timeout", c.QueueTimeout()).
		Int("pending_buffer_bytes", c.PendingBufferBytes).
		Bool("conn_rate_limit_enabled", c.ConnRateLimitEnabled).
		Str("lifecycle_sink", c.LifecycleSink).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Relay configuration loaded")
}

// redactKey keeps only the first three characters of a credential
func redactKey(key string) string {
	if len(key) <= 3 {
		return "***"
	}
	return key[:3] + "..."
}
