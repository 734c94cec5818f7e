package monitoring

import (
	"net/http"
	"time"

	"github.com/adred-codev/realtime-relay/internal/shared/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the relay
var (
	// Admission metrics
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Current number of sessions holding an admission slot",
	})

	sessionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_max",
		Help: "Configured admission capacity (MAX_CONNECTIONS)",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_depth",
		Help: "Current number of connections waiting in the admission queue",
	})

	admissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_admissions_total",
		Help: "Admission decisions by result (active, queued, promoted, evicted, abandoned)",
	}, []string{"result"})

	queueWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_queue_wait_seconds",
		Help:    "Time spent in the admission queue before promotion",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
	})

	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Total number of client WebSocket connections accepted",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_failed_total",
		Help: "Total number of failed client upgrade attempts",
	})

	connectionRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connection_rate_limited_total",
		Help: "Connections rejected by the connection rate limiter",
	}, []string{"scope"})

	// Upstream metrics
	upstreamConnectDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_upstream_connect_duration_seconds",
		Help:    "Upstream handshake duration",
		Buckets: prometheus.DefBuckets,
	})

	upstreamConnectFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_upstream_connect_failures_total",
		Help: "Upstream handshakes that failed",
	})

	upstreamEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_upstream_events_total",
		Help: "Upstream events relayed to clients by category",
	}, []string{"category"})

	// Message metrics
	messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Relayed messages by direction",
	}, []string{"direction"})

	bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_bytes_total",
		Help: "Relayed bytes by direction",
	}, []string{"direction"})

	pendingFlushed = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_pending_messages_flushed",
		Help:    "Number of buffered client messages flushed after the upstream handshake",
		Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500},
	})

	malformedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_malformed_messages_total",
		Help: "Client frames dropped because they were not a typed JSON event",
	})

	// Disconnect tracking with categorization
	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_disconnects_total",
		Help: "Total session teardowns by reason",
	}, []string{"reason"})

	sessionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_session_duration_seconds",
		Help:    "Session duration before teardown",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}, // 1s to 1hr
	}, []string{"reason"})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_memory_bytes",
		Help: "Resident memory of the relay process in bytes",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_cpu_usage_percent",
		Help: "CPU usage of the relay process",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_goroutines_active",
		Help: "Current number of active goroutines",
	})

	// Error tracking
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Total errors by type and severity",
	}, []string{"type", "severity"})
)

func init() {
	prometheus.MustRegister(sessionsActive)
	prometheus.MustRegister(sessionsMax)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(admissionsTotal)
	prometheus.MustRegister(queueWait)
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(ConnectionsFailed)
	prometheus.MustRegister(connectionRateLimited)

	prometheus.MustRegister(upstreamConnectDuration)
	prometheus.MustRegister(upstreamConnectFailures)
	prometheus.MustRegister(upstreamEvents)

	prometheus.MustRegister(messagesTotal)
	prometheus.MustRegister(bytesTotal)
	prometheus.MustRegister(pendingFlushed)
	prometheus.MustRegister(malformedMessages)

	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(sessionDuration)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)

	prometheus.MustRegister(errorsTotal)
}

// Admission results
const (
	AdmissionActive    = "active"
	AdmissionQueued    = "queued"
	AdmissionPromoted  = "promoted"
	AdmissionEvicted   = "evicted"
	AdmissionAbandoned = "abandoned"
)

// Message directions
const (
	DirectionToClient = "to_client"
	DirectionUpstream = "to_upstream"
)

// Error severity levels for metrics and logging
const (
	ErrorSeverityWarning  = "warning"  // Non-critical, service continues
	ErrorSeverityCritical = "critical" // Critical but recoverable
)

// Error types for categorization
const (
	ErrorTypeUpstream      = "upstream"
	ErrorTypeSerialization = "serialization"
	ErrorTypeConnection    = "connection"
	ErrorTypeLifecycle     = "lifecycle"
)

// Disconnect reasons - standardized constants for categorization
const (
	DisconnectReasonClientClosed     = "client_closed"     // Client transport closed or read failed
	DisconnectReasonUpstreamClosed   = "upstream_closed"   // Upstream transport closed
	DisconnectReasonConnectFailed    = "connect_failed"    // Upstream handshake failed
	DisconnectReasonInvalidPath      = "invalid_path"      // Request target not the relay path
	DisconnectReasonQueueTimeout     = "queue_timeout"     // Evicted from the admission queue
	DisconnectReasonPendingOverflow  = "pending_overflow"  // Pre-connect buffer exceeded its cap
	DisconnectReasonUpstreamSendFail = "upstream_send_failed"
	DisconnectReasonClientWriteFail  = "client_write_failed"
	DisconnectReasonServerShutdown   = "server_shutdown" // Graceful shutdown
)

// UpdateAdmissionMetrics sets the admission gauges
func UpdateAdmissionMetrics(active, queued, capacity int) {
	sessionsActive.Set(float64(active))
	queueDepth.Set(float64(queued))
	sessionsMax.Set(float64(capacity))
}

// RecordAdmission counts an admission decision
func RecordAdmission(result string) {
	admissionsTotal.WithLabelValues(result).Inc()
}

// RecordQueueWait observes how long a promoted connection waited
func RecordQueueWait(d time.Duration) {
	queueWait.Observe(d.Seconds())
}

// IncrementConnections counts an accepted client socket
func IncrementConnections() {
	connectionsTotal.Inc()
}

// IncrementConnectionRateLimit records a rate limited connection attempt
func IncrementConnectionRateLimit(scope string) {
	connectionRateLimited.WithLabelValues(scope).Inc()
}

// RecordUpstreamConnect observes a handshake; failed handshakes are also counted
func RecordUpstreamConnect(d time.Duration, err error) {
	upstreamConnectDuration.Observe(d.Seconds())
	if err != nil {
		upstreamConnectFailures.Inc()
		errorsTotal.WithLabelValues(ErrorTypeUpstream, ErrorSeverityWarning).Inc()
	}
}

// RecordUpstreamEvent counts a relayed upstream event by category
func RecordUpstreamEvent(category string) {
	upstreamEvents.WithLabelValues(category).Inc()
}

// RecordMessage counts one relayed message and its size
func RecordMessage(direction string, size int) {
	messagesTotal.WithLabelValues(direction).Inc()
	bytesTotal.WithLabelValues(direction).Add(float64(size))
}

// RecordPendingFlush observes how many buffered messages were flushed
func RecordPendingFlush(n int) {
	pendingFlushed.Observe(float64(n))
}

// IncrementMalformedMessages counts a dropped malformed client frame
func IncrementMalformedMessages() {
	malformedMessages.Inc()
	errorsTotal.WithLabelValues(ErrorTypeSerialization, ErrorSeverityWarning).Inc()
}

// RecordError tracks an error by type and severity
func RecordError(errorType, severity string) {
	errorsTotal.WithLabelValues(errorType, severity).Inc()
}

// RecordDisconnect tracks a teardown with reason and duration
func RecordDisconnect(reason string, duration time.Duration) {
	disconnectsTotal.WithLabelValues(reason).Inc()
	sessionDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

// RecordDisconnectWithStats tracks a teardown and updates both Prometheus and Stats
func RecordDisconnectWithStats(stats *types.Stats, reason string, duration time.Duration) {
	RecordDisconnect(reason, duration)

	// Update Stats struct for /health endpoint
	stats.DisconnectsMu.Lock()
	stats.DisconnectsByReason[reason]++
	stats.DisconnectsMu.Unlock()
}

// UpdateSystemMetrics sets process resource gauges
func UpdateSystemMetrics(memBytes uint64, cpuPercent float64, goroutines int) {
	memoryUsageBytes.Set(float64(memBytes))
	cpuUsagePercent.Set(cpuPercent)
	goroutinesActive.Set(float64(goroutines))
}

// HandleMetrics serves Prometheus metrics at /metrics endpoint
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
