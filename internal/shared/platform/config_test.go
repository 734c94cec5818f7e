package platform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-key")

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Port)
	assert.Equal(t, ":8081", cfg.Addr())
	assert.Equal(t, 100, cfg.MaxConnections)
	assert.Equal(t, 60*time.Second, cfg.QueueTimeout())
	assert.Equal(t, "/", cfg.RelayPath)
	assert.Equal(t, "none", cfg.LifecycleSink)

	rc := cfg.RelayConfig()
	assert.Equal(t, "sk-test-key", rc.UpstreamAPIKey)
	assert.Equal(t, 100, rc.MaxConnections)
	assert.Equal(t, 60*time.Second, rc.QueueTimeout)
}

func TestLoadConfigRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := LoadConfig(nil)
	require.Error(t, err)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-key")
	t.Setenv("PORT", "9000")
	t.Setenv("MAX_CONNECTIONS", "3")
	t.Setenv("QUEUE_TIMEOUT", "1500")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,,")

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr())
	assert.Equal(t, 3, cfg.MaxConnections)
	assert.Equal(t, 1500*time.Millisecond, cfg.QueueTimeout())
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Brokers())
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Port:                     8081,
			RelayPath:                "/",
			OpenAIAPIKey:             "sk-test",
			UpstreamURL:              "wss://example.test/v1/realtime",
			UpstreamHandshakeTimeout: time.Second,
			MaxConnections:           1,
			QueueTimeoutMs:           1000,
			LifecycleSink:            "none",
			LogLevel:                 "info",
			LogFormat:                "json",
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "zero capacity", mutate: func(c *Config) { c.MaxConnections = 0 }, wantErr: true},
		{name: "zero queue timeout", mutate: func(c *Config) { c.QueueTimeoutMs = 0 }, wantErr: true},
		{name: "bad port", mutate: func(c *Config) { c.Port = 70000 }, wantErr: true},
		{name: "relative path", mutate: func(c *Config) { c.RelayPath = "ws" }, wantErr: true},
		{name: "http upstream", mutate: func(c *Config) { c.UpstreamURL = "https://example.test" }, wantErr: true},
		{name: "unknown sink", mutate: func(c *Config) { c.LifecycleSink = "redis" }, wantErr: true},
		{name: "kafka sink", mutate: func(c *Config) { c.LifecycleSink = "kafka" }},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "trace" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRedactKey(t *testing.T) {
	assert.Equal(t, "sk-...", redactKey("sk-abcdef"))
	assert.Equal(t, "***", redactKey("ab"))
}
