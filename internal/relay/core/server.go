// Package core wires the relay together: it accepts browser sockets, runs them
// through admission control and drives one session per connection.
package core

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/realtime-relay/internal/relay/admission"
	"github.com/adred-codev/realtime-relay/internal/relay/session"
	"github.com/adred-codev/realtime-relay/internal/relay/upstream"
	"github.com/adred-codev/realtime-relay/internal/shared/lifecycle"
	"github.com/adred-codev/realtime-relay/internal/shared/limits"
	"github.com/adred-codev/realtime-relay/internal/shared/monitoring"
	"github.com/adred-codev/realtime-relay/internal/shared/types"
	"github.com/rs/zerolog"
)

// Deps are the collaborators a Server does not build itself
type Deps struct {
	// Upstreams creates upstream sessions. Defaults to the realtime websocket client.
	Upstreams upstream.Factory
	// Emitter receives session lifecycle records. Optional.
	Emitter session.Emitter
}

type Server struct {
	config types.RelayConfig
	logger zerolog.Logger

	admission   *admission.Controller
	upstreams   upstream.Factory
	emitter     atomic.Pointer[emitterRef]
	connLimiter *limits.ConnectionRateLimiter
	sysMonitor  *monitoring.SystemMonitor

	listener   net.Listener
	httpServer *http.Server

	// trackMu orders session registration against the start of Shutdown
	trackMu      sync.Mutex
	sessions     sync.Map // map[string]*session.Session
	sessionCount int64

	// Cold start gate: closed once dependencies are up
	ready     chan struct{}
	readyOnce sync.Once

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup // background loops
	sessionWG    sync.WaitGroup // one per accepted socket
	shuttingDown int32

	stats *types.Stats
}

// NewServer builds a relay server. Nothing listens until Start.
func NewServer(config types.RelayConfig, deps Deps, logger zerolog.Logger) (*Server, error) {
	if config.MaxConnections < 1 {
		return nil, fmt.Errorf("max connections must be > 0, got %d", config.MaxConnections)
	}
	if config.QueueTimeout <= 0 {
		return nil, fmt.Errorf("queue timeout must be > 0, got %s", config.QueueTimeout)
	}
	if config.RelayPath == "" {
		config.RelayPath = "/"
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 30 * time.Second
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:    config,
		logger:    logger,
		admission: admission.NewController(config.MaxConnections, config.QueueTimeout, logger),
		upstreams: deps.Upstreams,
		ready:     make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		stats:     types.NewStats(),
	}

	if s.upstreams == nil {
		s.upstreams = upstream.NewFactory(upstream.Config{
			URL:              config.UpstreamURL,
			Model:            config.UpstreamModel,
			APIKey:           config.UpstreamAPIKey,
			HandshakeTimeout: config.UpstreamHandshakeTimeout,
		}, logger)
	}

	if deps.Emitter != nil {
		s.SetEmitter(deps.Emitter)
	}

	s.sysMonitor = monitoring.NewSystemMonitor(s.stats, logger)

	if config.ConnectionRateLimitEnabled {
		s.connLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:       config.ConnRateLimitIPBurst,
			IPRate:        config.ConnRateLimitIPRate,
			IPTTL:         5 * time.Minute,
			GlobalBurst:   config.ConnRateLimitGlobalBurst,
			GlobalRate:    config.ConnRateLimitGlobalRate,
			SweepInterval: time.Minute,
			Logger:        logger,
		})
		logger.Info().Msg("Connection rate limiting enabled")
	}

	logger.Info().
		Str("addr", config.Addr).
		Str("relay_path", config.RelayPath).
		Int("max_connections", config.MaxConnections).
		Dur("queue_timeout", config.QueueTimeout).
		Msg("Relay server initialized")

	return s, nil
}

// Start binds the listener and begins serving. Sockets accepted before
// MarkReady get a cold start notice and wait.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	// Every other target is upgraded; the session rejects paths other than the relay path
	mux.HandleFunc("/", s.handleWebSocket)

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    s.config.HTTPReadTimeout,
		WriteTimeout:   s.config.HTTPWriteTimeout,
		IdleTimeout:    s.config.HTTPIdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().
				Err(err).
				Msg("Server accept loop error")
		}
	}()

	s.sysMonitor.StartMonitoring(s.config.MetricsInterval)

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Relay listening")

	return nil
}

// MarkReady opens the cold start gate
func (s *Server) MarkReady() {
	s.readyOnce.Do(func() {
		close(s.ready)
		s.logger.Info().Msg("Relay ready")
	})
}

type emitterRef struct{ e session.Emitter }

// SetEmitter installs the lifecycle emitter. Sessions already running pick it up.
func (s *Server) SetEmitter(e session.Emitter) {
	s.emitter.Store(&emitterRef{e: e})
}

// Emit forwards a lifecycle record to the installed emitter, if any
func (s *Server) Emit(r lifecycle.Record) {
	if ref := s.emitter.Load(); ref != nil && ref.e != nil {
		ref.e.Emit(r)
	}
}

// IsReady reports whether the cold start gate is open
func (s *Server) IsReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Addr returns the bound listener address, useful when configured with port 0
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Admission exposes the admission controller
func (s *Server) Admission() *admission.Controller { return s.admission }

// Stats exposes relay counters
func (s *Server) Stats() *types.Stats { return s.stats }

// ActiveSockets returns the number of accepted client sockets, queued ones included
func (s *Server) ActiveSockets() int64 { return atomic.LoadInt64(&s.sessionCount) }

// Shutdown stops accepting sockets, waits up to the grace period for sessions
// to end on their own, then closes the rest with 1001.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")

	s.trackMu.Lock()
	atomic.StoreInt32(&s.shuttingDown, 1)
	s.trackMu.Unlock()

	if s.httpServer != nil {
		s.logger.Info().Msg("Closing listener (no new connections accepted)")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP server shutdown error")
		}
		cancel()
	}

	// Queued sockets will not be promoted in time to matter
	s.terminateSessions(func(sess *session.Session) bool {
		return sess.State() == session.StateQueued
	})

	s.logger.Info().
		Int64("active_sessions", s.ActiveSockets()).
		Dur("grace_period", s.config.ShutdownGrace).
		Msg("Draining active sessions")

	drainTimer := time.NewTimer(s.config.ShutdownGrace)
	checkTicker := time.NewTicker(100 * time.Millisecond)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drain:
	for {
		select {
		case <-drainTimer.C:
			if remaining := s.ActiveSockets(); remaining > 0 {
				s.logger.Warn().
					Int64("remaining_sessions", remaining).
					Msg("Grace period expired, closing remaining sessions")
			}
			s.terminateSessions(nil)
			break drain

		case <-checkTicker.C:
			if s.ActiveSockets() == 0 {
				s.logger.Info().Msg("All sessions drained gracefully")
				break drain
			}
		}
	}

	s.sessionWG.Wait()

	s.cancel()
	s.sysMonitor.Shutdown()
	if s.connLimiter != nil {
		s.connLimiter.Stop()
	}

	s.logger.Info().Msg("Waiting for all goroutines to finish")
	s.wg.Wait()

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

// trackSession registers an upgraded socket with the drain unless shutdown has
// begun. Every session it accepts is visible to Shutdown and its sessionWG.Wait.
func (s *Server) trackSession(sess *session.Session) bool {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()

	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		return false
	}
	s.sessions.Store(sess.ID(), sess)
	atomic.AddInt64(&s.sessionCount, 1)
	s.sessionWG.Add(1)
	return true
}

func (s *Server) untrackSession(sess *session.Session) {
	s.sessions.Delete(sess.ID())
	atomic.AddInt64(&s.sessionCount, -1)
	s.sessionWG.Done()
}

func (s *Server) terminateSessions(match func(*session.Session) bool) {
	s.sessions.Range(func(_, value any) bool {
		sess := value.(*session.Session)
		if match == nil || match(sess) {
			sess.Terminate(monitoring.DisconnectReasonServerShutdown, session.CloseGoingAway)
		}
		return true
	})
}
