// Package session runs one client's relay: pre-connect buffering, the upstream
// handshake, both relay directions and an exactly-once teardown.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/realtime-relay/internal/relay/admission"
	"github.com/adred-codev/realtime-relay/internal/relay/events"
	"github.com/adred-codev/realtime-relay/internal/relay/upstream"
	"github.com/adred-codev/realtime-relay/internal/shared/lifecycle"
	"github.com/adred-codev/realtime-relay/internal/shared/monitoring"
	"github.com/adred-codev/realtime-relay/internal/shared/types"
	"github.com/rs/zerolog"
)

// State of a session
type State int32

const (
	StateQueued State = iota
	StateAccepted
	StateUpstreamConnecting
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "QUEUED"
	case StateAccepted:
		return "ACCEPTED"
	case StateUpstreamConnecting:
		return "UPSTREAM_CONNECTING"
	case StateRelaying:
		return "RELAYING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// WebSocket close codes used on the client transport
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseMessageTooBig   = 1009
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013
)

// Client is the inbound transport as seen by a session
type Client interface {
	// Send queues a text frame, blocking until it is accepted or the client is gone
	Send(data []byte) error
	// Close sends a close frame with code and reason and tears the socket down. Idempotent.
	Close(code int, reason string)
}

// Emitter receives lifecycle records
type Emitter interface {
	Emit(r lifecycle.Record)
}

// Config holds the per-session settings shared by every session
type Config struct {
	RelayPath          string
	PendingBufferBytes int // 0 means unbounded
}

// Params bundles what a session needs from the server
type Params struct {
	ID         string
	Path       string // request target the client connected with
	RemoteAddr string
	Client     Client
	Upstreams  upstream.Factory
	Config     Config
	Stats      *types.Stats
	Emitter    Emitter
	Logger     zerolog.Logger
}

// Session is one client's relay
type Session struct {
	id         string
	path       string
	remoteAddr string
	client     Client
	upstreams  upstream.Factory
	cfg        Config
	stats      *types.Stats
	emitter    Emitter
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders client frames against the pending flush and guards everything below
	mu           sync.Mutex
	state        State
	pending      []events.Event
	pendingBytes int
	upstream     upstream.Session
	ticket       *admission.Ticket

	createdAt   time.Time
	wasQueued   atomic.Bool
	closeOnce   sync.Once
	closeReason atomic.Value // string
}

// New creates a session in the QUEUED state
func New(p Params) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:         p.ID,
		path:       p.Path,
		remoteAddr: p.RemoteAddr,
		client:     p.Client,
		upstreams:  p.Upstreams,
		cfg:        p.Config,
		stats:      p.Stats,
		emitter:    p.Emitter,
		logger:     p.Logger.With().Str("session_id", p.ID).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateQueued,
		createdAt:  time.Now(),
	}
}

// ID returns the session identity
func (s *Session) ID() string { return s.id }

// Context is cancelled when the session terminates
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed when the session terminates
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CloseReason returns the teardown reason, empty while the session is live
func (s *Session) CloseReason() string {
	r, _ := s.closeReason.Load().(string)
	return r
}

// PendingLen returns how many client events are buffered
func (s *Session) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SetTicket hands the session its admission ticket. If the session already
// closed, the ticket is released on the spot.
func (s *Session) SetTicket(t *admission.Ticket) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		t.Release()
		return
	}
	s.ticket = t
	s.mu.Unlock()
}

// HandleClientMessage takes one inbound client frame. Frames arriving before the
// upstream is ready are buffered; afterwards they are forwarded immediately.
func (s *Session) HandleClientMessage(data []byte) {
	ev, err := events.Decode(data)
	if err != nil {
		atomic.AddInt64(&s.stats.MalformedMessages, 1)
		monitoring.IncrementMalformedMessages()
		s.logger.Warn().Err(err).Int("size", len(data)).Msg("Dropping malformed client message")
		return
	}

	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return

	case StateRelaying:
		err := s.upstream.Send(ev)
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn().Err(err).Str("event_type", ev.Type).Msg("Upstream send failed")
			s.Terminate(monitoring.DisconnectReasonUpstreamSendFail, CloseInternalError)
			return
		}
		s.recordUpstream(len(ev.Raw))

	default:
		if s.cfg.PendingBufferBytes > 0 && s.pendingBytes+len(ev.Raw) > s.cfg.PendingBufferBytes {
			buffered := len(s.pending)
			s.mu.Unlock()
			s.logger.Warn().
				Int("buffered", buffered).
				Int("limit_bytes", s.cfg.PendingBufferBytes).
				Msg("Pending buffer overflow")
			s.Terminate(monitoring.DisconnectReasonPendingOverflow, CloseMessageTooBig)
			return
		}
		s.pending = append(s.pending, ev)
		s.pendingBytes += len(ev.Raw)
		s.mu.Unlock()
	}
}

// Run drives ACCEPTED through RELAYING and returns when the session ends.
// The caller must hold an admission slot for the session.
func (s *Session) Run() {
	defer monitoring.RecoverPanic(s.logger, "sessionRun", nil)

	if !s.transition(StateQueued, StateAccepted) {
		return
	}
	if s.wasQueued.Load() {
		s.emit(lifecycle.StagePromoted, "", 0)
	} else {
		s.emit(lifecycle.StageAdmitted, "", 0)
	}

	if s.path != s.cfg.RelayPath {
		s.logger.Info().Str("path", s.path).Msg("Rejecting connection on unknown path")
		s.Terminate(monitoring.DisconnectReasonInvalidPath, ClosePolicyViolation)
		return
	}

	up := s.upstreams(s.id)
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		up.Close()
		return
	}
	s.upstream = up
	s.state = StateUpstreamConnecting
	s.mu.Unlock()

	if err := up.Connect(s.ctx); err != nil {
		if s.State() != StateClosed {
			atomic.AddInt64(&s.stats.ConnectFailures, 1)
			s.logger.Error().Err(err).Msg("Upstream connect failed")
		}
		s.Terminate(monitoring.DisconnectReasonConnectFailed, CloseInternalError)
		return
	}

	if !s.flushPending() {
		return
	}

	s.relayUpstream(up)
}

// flushPending forwards buffered frames in arrival order and enters RELAYING
func (s *Session) flushPending() bool {
	s.mu.Lock()
	if s.state != StateUpstreamConnecting {
		s.mu.Unlock()
		return false
	}

	flushed := 0
	for _, ev := range s.pending {
		if err := s.upstream.Send(ev); err != nil {
			s.mu.Unlock()
			s.logger.Warn().Err(err).Int("flushed", flushed).Msg("Upstream send failed during flush")
			s.Terminate(monitoring.DisconnectReasonUpstreamSendFail, CloseInternalError)
			return false
		}
		s.recordUpstream(len(ev.Raw))
		flushed++
	}
	s.pending = nil
	s.pendingBytes = 0
	s.state = StateRelaying
	s.emit(lifecycle.StageRelaying, "", 0)
	s.mu.Unlock()

	atomic.AddInt64(&s.stats.BufferedMessages, int64(flushed))
	monitoring.RecordPendingFlush(flushed)
	s.logger.Debug().Int("flushed", flushed).Msg("Relaying")
	return true
}

// relayUpstream copies upstream events to the client until either side ends
func (s *Session) relayUpstream(up upstream.Session) {
	for ev := range up.Events() {
		if err := s.client.Send(ev.Raw); err != nil {
			if !errors.Is(err, ErrClientGone) {
				s.logger.Warn().Err(err).Str("event_type", ev.Type).Msg("Client write failed")
			}
			s.Terminate(monitoring.DisconnectReasonClientWriteFail, CloseInternalError)
			return
		}
		atomic.AddInt64(&s.stats.MessagesToClient, 1)
		atomic.AddInt64(&s.stats.BytesToClient, int64(len(ev.Raw)))
		monitoring.RecordMessage(monitoring.DirectionToClient, len(ev.Raw))
		monitoring.RecordUpstreamEvent(ev.Category.String())
	}
	s.Terminate(monitoring.DisconnectReasonUpstreamClosed, CloseNormal)
}

func (s *Session) recordUpstream(size int) {
	atomic.AddInt64(&s.stats.MessagesUpstream, 1)
	atomic.AddInt64(&s.stats.BytesUpstream, int64(size))
	monitoring.RecordMessage(monitoring.DirectionUpstream, size)
}

func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Session) emit(stage lifecycle.Stage, reason string, code int) {
	if s.emitter == nil {
		return
	}
	r := lifecycle.Record{
		SessionID:  s.id,
		Stage:      stage,
		RemoteAddr: s.remoteAddr,
		Reason:     reason,
		CloseCode:  code,
		Timestamp:  time.Now(),
	}
	switch stage {
	case lifecycle.StageAdmitted, lifecycle.StagePromoted:
		r.QueueWait = lifecycle.Millis(time.Since(s.createdAt))
	case lifecycle.StageClosed:
		r.Duration = lifecycle.Millis(time.Since(s.createdAt))
	}
	s.emitter.Emit(r)
}

// EmitQueued records that the session is waiting for a slot
func (s *Session) EmitQueued() {
	s.wasQueued.Store(true)
	s.emit(lifecycle.StageQueued, "", 0)
}
