package core

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adred-codev/realtime-relay/internal/relay/admission"
	"github.com/adred-codev/realtime-relay/internal/relay/events"
	"github.com/adred-codev/realtime-relay/internal/relay/session"
	"github.com/adred-codev/realtime-relay/internal/shared/monitoring"
	"github.com/gobwas/ws"
	"github.com/google/uuid"
)

// WebSocket upgrade handler
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	clientIP := getClientIP(r)

	// Reject new connections during graceful shutdown
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		s.logger.Debug().
			Str("client_ip", clientIP).
			Msg("Connection rejected: server shutting down")
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	// Connection rate limiting (DoS protection)
	if s.connLimiter != nil {
		if ok, scope := s.connLimiter.Allow(clientIP); !ok {
			s.logger.Warn().
				Str("client_ip", clientIP).
				Str("scope", scope).
				Msg("Connection rejected: rate limit exceeded")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsFailed.Inc()
		s.logger.Warn().
			Err(err).
			Str("client_ip", clientIP).
			Str("path", r.URL.Path).
			Msg("WebSocket upgrade failed")
		return
	}

	id := uuid.NewString()
	logger := s.logger.With().Str("session_id", id).Logger()

	client := newWSClient(id, conn, rw, logger)
	sess := session.New(session.Params{
		ID:         id,
		Path:       r.URL.Path,
		RemoteAddr: clientIP,
		Client:     client,
		Upstreams:  s.upstreams,
		Config: session.Config{
			RelayPath:          s.config.RelayPath,
			PendingBufferBytes: s.config.PendingBufferBytes,
		},
		Stats:   s.stats,
		Emitter: s,
		Logger:  s.logger,
	})
	client.onWriteError = func(error) {
		sess.Terminate(monitoring.DisconnectReasonClientWriteFail, session.CloseInternalError)
	}

	// Shutdown may have started while the upgrade was in flight
	if !s.trackSession(sess) {
		sess.Terminate(monitoring.DisconnectReasonServerShutdown, session.CloseGoingAway)
		return
	}
	atomic.AddInt64(&s.stats.TotalConnections, 1)
	monitoring.IncrementConnections()

	logger.Debug().
		Str("client_ip", clientIP).
		Str("path", r.URL.Path).
		Dur("setup", time.Since(startTime)).
		Msg("Client connected - pumps starting")

	go s.serveSession(sess, client)
	go client.writePump()
	go s.readPump(sess, client)
}

// readPump feeds client frames to the session from the moment the socket is
// accepted, so a dead queued socket is noticed immediately.
func (s *Server) readPump(sess *session.Session, client *wsClient) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{"session_id": sess.ID()})

	err := client.readPump(sess.HandleClientMessage)
	if sess.State() != session.StateClosed {
		s.logger.Debug().Err(err).Str("session_id", sess.ID()).Msg("Client read ended")
	}
	sess.Terminate(monitoring.DisconnectReasonClientClosed, session.CloseNormal)
}

// serveSession takes a socket through the cold start gate and admission, then runs it
func (s *Server) serveSession(sess *session.Session, client *wsClient) {
	defer s.untrackSession(sess)
	defer monitoring.RecoverPanic(s.logger, "serveSession", map[string]any{"session_id": sess.ID()})

	if !s.IsReady() {
		_ = client.Send(events.ColdStartNotice().Encode())
		select {
		case <-s.ready:
		case <-sess.Done():
			return
		}
	}

	ticket, result := s.admission.Admit(sess.ID())
	sess.SetTicket(ticket)

	if result == admission.Queued {
		sess.EmitQueued()
		_ = client.Send(events.QueuedNotice().Encode())

		if err := ticket.Wait(sess.Context()); err != nil {
			if errors.Is(err, admission.ErrQueueTimeout) {
				atomic.AddInt64(&s.stats.QueueEvictions, 1)
				sess.Terminate(monitoring.DisconnectReasonQueueTimeout, session.CloseTryAgainLater)
			}
			// Otherwise the session already closed while queued
			return
		}
	}

	sess.Run()

	// Run returns when either side ended; make sure the socket is torn down
	<-sess.Done()
}

// getClientIP extracts the client IP from the request.
// Checks X-Forwarded-For first (load balancers), then falls back to RemoteAddr.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
