package core

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// healthResponse is the /health payload
type healthResponse struct {
	Status    string  `json:"status"`
	Ready     bool    `json:"ready"`
	UptimeSec float64 `json:"uptime_seconds"`

	Admission struct {
		Active       int     `json:"active"`
		Queued       int     `json:"queued"`
		Capacity     int     `json:"capacity"`
		Utilization  float64 `json:"utilization_percent"`
		QueueTimeout string  `json:"queue_timeout"`
	} `json:"admission"`

	Sockets int64 `json:"sockets"`

	Messages struct {
		ToClient  int64 `json:"to_client"`
		Upstream  int64 `json:"to_upstream"`
		Buffered  int64 `json:"buffered_then_flushed"`
		Malformed int64 `json:"malformed"`
	} `json:"messages"`

	Failures struct {
		QueueEvictions  int64 `json:"queue_evictions"`
		ConnectFailures int64 `json:"upstream_connect_failures"`
	} `json:"failures"`

	System struct {
		CPUPercent float64 `json:"cpu_percent"`
		MemoryMB   float64 `json:"memory_mb"`
		Goroutines int     `json:"goroutines"`
	} `json:"system"`

	DisconnectsByReason map[string]int64 `json:"disconnects_by_reason"`
	Warnings            []string         `json:"warnings,omitempty"`
}

// HTTP handler for health checks
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	var resp healthResponse
	resp.Ready = s.IsReady()
	resp.UptimeSec = time.Since(s.stats.StartTime).Seconds()

	adm := s.admission.Stats()
	resp.Admission.Active = adm.Active
	resp.Admission.Queued = adm.Queued
	resp.Admission.Capacity = adm.Capacity
	resp.Admission.Utilization = float64(adm.Active) / float64(adm.Capacity) * 100
	resp.Admission.QueueTimeout = s.admission.QueueTimeout().String()
	resp.Sockets = s.ActiveSockets()

	resp.Messages.ToClient = atomic.LoadInt64(&s.stats.MessagesToClient)
	resp.Messages.Upstream = atomic.LoadInt64(&s.stats.MessagesUpstream)
	resp.Messages.Buffered = atomic.LoadInt64(&s.stats.BufferedMessages)
	resp.Messages.Malformed = atomic.LoadInt64(&s.stats.MalformedMessages)
	resp.Failures.QueueEvictions = atomic.LoadInt64(&s.stats.QueueEvictions)
	resp.Failures.ConnectFailures = atomic.LoadInt64(&s.stats.ConnectFailures)

	s.stats.Mu.RLock()
	resp.System.CPUPercent = s.stats.CPUPercent
	resp.System.MemoryMB = s.stats.MemoryMB
	s.stats.Mu.RUnlock()
	resp.System.Goroutines = runtime.NumGoroutine()

	s.stats.DisconnectsMu.RLock()
	resp.DisconnectsByReason = make(map[string]int64, len(s.stats.DisconnectsByReason))
	for reason, n := range s.stats.DisconnectsByReason {
		resp.DisconnectsByReason[reason] = n
	}
	s.stats.DisconnectsMu.RUnlock()

	// A full relay is working as designed; it only degrades once clients queue
	if adm.Queued > 0 {
		resp.Warnings = append(resp.Warnings, "Relay at capacity, clients are queued")
	}

	status := "healthy"
	statusCode := http.StatusOK
	switch {
	case atomic.LoadInt32(&s.shuttingDown) == 1:
		status = "shutting_down"
		statusCode = http.StatusServiceUnavailable
	case !resp.Ready:
		status = "starting"
		statusCode = http.StatusServiceUnavailable
	case len(resp.Warnings) > 0:
		status = "degraded"
	}
	resp.Status = status

	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode health response")
	}
}
