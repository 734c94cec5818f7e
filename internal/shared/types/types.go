package types

import (
	"sync"
	"time"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// SinkKind selects where session lifecycle records are published
type SinkKind string

const (
	SinkNone  SinkKind = "none"
	SinkNATS  SinkKind = "nats"
	SinkKafka SinkKind = "kafka"
)

// RelayConfig contains the configuration for the relay server
type RelayConfig struct {
	Addr      string
	RelayPath string // Only routing path accepted for client sockets

	// Admission control
	MaxConnections int
	QueueTimeout   time.Duration

	// Upstream realtime service
	UpstreamURL              string
	UpstreamModel            string
	UpstreamAPIKey           string
	UpstreamHandshakeTimeout time.Duration

	// Per-session cap on bytes buffered before the upstream is connected
	PendingBufferBytes int

	// Connection rate limiting (DoS protection in front of admission)
	ConnectionRateLimitEnabled bool
	ConnRateLimitIPBurst       int
	ConnRateLimitIPRate        float64
	ConnRateLimitGlobalBurst   int
	ConnRateLimitGlobalRate    float64

	// HTTP server timeouts (only apply before the upgrade)
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Monitoring intervals
	MetricsInterval time.Duration
	ShutdownGrace   time.Duration

	// Logging configuration
	LogLevel  LogLevel
	LogFormat LogFormat
}

// Stats tracks relay statistics exposed on /health
type Stats struct {
	TotalConnections  int64
	MessagesToClient  int64
	MessagesUpstream  int64
	BytesToClient     int64
	BytesUpstream     int64
	MalformedMessages int64
	BufferedMessages  int64 // Frames held in pending buffers then flushed upstream
	QueueEvictions    int64
	ConnectFailures   int64
	StartTime         time.Time

	// Process resource usage sampled by SystemMonitor
	Mu         sync.RWMutex
	CPUPercent float64
	MemoryMB   float64

	DisconnectsByReason map[string]int64 // Disconnect counts by reason
	DisconnectsMu       sync.RWMutex     // Protects DisconnectsByReason map
}

// NewStats returns Stats ready for use
func NewStats() *Stats {
	return &Stats{
		StartTime:           time.Now(),
		DisconnectsByReason: make(map[string]int64),
	}
}
