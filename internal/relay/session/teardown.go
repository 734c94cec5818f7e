package session

import (
	"errors"
	"time"

	"github.com/adred-codev/realtime-relay/internal/shared/lifecycle"
	"github.com/adred-codev/realtime-relay/internal/shared/monitoring"
)

// ErrClientGone is returned by Client.Send once the client transport is closed
var ErrClientGone = errors.New("client connection closed")

// Terminate tears the session down exactly once, whichever side triggered it:
// both transports are closed, the admission slot is released (promoting the
// next queued connection) and any pending frames are discarded.
func (s *Session) Terminate(reason string, code int) {
	s.closeOnce.Do(func() {
		s.closeReason.Store(reason)

		s.mu.Lock()
		prev := s.state
		s.state = StateClosed
		up := s.upstream
		ticket := s.ticket
		dropped := len(s.pending)
		s.pending = nil
		s.pendingBytes = 0
		s.mu.Unlock()

		// Unblocks a dial in progress and anyone waiting on Done
		s.cancel()

		s.client.Close(code, closeText(reason))
		if up != nil {
			_ = up.Close()
		}
		if ticket != nil {
			ticket.Release()
		}

		lifetime := time.Since(s.createdAt)
		monitoring.RecordDisconnectWithStats(s.stats, reason, lifetime)
		s.emit(lifecycle.StageClosed, reason, code)

		event := s.logger.Info()
		if reason == monitoring.DisconnectReasonConnectFailed || reason == monitoring.DisconnectReasonUpstreamSendFail {
			event = s.logger.Warn()
		}
		event.
			Str("reason", reason).
			Str("from_state", prev.String()).
			Int("close_code", code).
			Int("pending_dropped", dropped).
			Dur("lifetime", lifetime).
			Msg("Session closed")
	})
}

// closeText is the reason string sent in the client close frame
func closeText(reason string) string {
	switch reason {
	case monitoring.DisconnectReasonQueueTimeout:
		return "Server at capacity, queue timeout"
	case monitoring.DisconnectReasonInvalidPath:
		return "Invalid path"
	case monitoring.DisconnectReasonConnectFailed:
		return "Upstream unavailable"
	case monitoring.DisconnectReasonPendingOverflow:
		return "Too much data before upstream ready"
	case monitoring.DisconnectReasonServerShutdown:
		return "Server shutting down"
	default:
		return ""
	}
}
