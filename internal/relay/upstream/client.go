// Package upstream owns the outbound realtime connection that backs one relay session.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/realtime-relay/internal/relay/events"
	"github.com/adred-codev/realtime-relay/internal/shared/monitoring"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConnected is returned by Send before Connect succeeded or after the link dropped
	ErrNotConnected = errors.New("upstream not connected")
	// ErrClosed is returned by Connect when Close won the race
	ErrClosed = errors.New("upstream closed")
)

// ConnectError reports a failed upstream handshake
type ConnectError struct {
	URL        string
	StatusCode int // HTTP status of the rejected upgrade, 0 if none was received
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream connect to %s failed with status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream connect to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Session is one upstream realtime link
type Session interface {
	Connect(ctx context.Context) error
	Send(ev events.Event) error
	// Events yields inbound events in arrival order and is closed when the link ends
	Events() <-chan events.Event
	IsConnected() bool
	Close() error
}

// Factory creates an unconnected Session for a relay session
type Factory func(sessionID string) Session

// Config describes how to reach the upstream realtime service
type Config struct {
	URL              string
	Model            string
	APIKey           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration // default 10s
	ReadLimit        int64         // default 16MB
}

// NewFactory returns a Factory producing Clients for cfg
func NewFactory(cfg Config, logger zerolog.Logger) Factory {
	return func(sessionID string) Session {
		return NewClient(cfg, logger.With().Str("session_id", sessionID).Logger())
	}
}

// Client is a gorilla/websocket backed Session
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu     sync.Mutex // guards conn and closed
	conn   *websocket.Conn
	closed bool

	writeMu   sync.Mutex
	connected atomic.Bool
	events    chan events.Event
	stop      chan struct{} // closed by Close
	closeOnce sync.Once
}

// NewClient creates an unconnected client
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 16 << 20
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger.With().Str("component", "upstream").Logger(),
		events: make(chan events.Event, 64),
		stop:   make(chan struct{}),
	}
}

// Endpoint returns the dial URL with the model query parameter applied
func (c *Client) Endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	if c.cfg.Model != "" {
		q := u.Query()
		if q.Get("model") == "" {
			q.Set("model", c.cfg.Model)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

// Connect performs the handshake and starts delivering events
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.finish()
		return ErrClosed
	}

	endpoint, err := c.Endpoint()
	if err != nil {
		return &ConnectError{URL: c.cfg.URL, Err: err}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	start := time.Now()
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		cerr := &ConnectError{URL: c.cfg.URL, Err: err}
		if resp != nil {
			cerr.StatusCode = resp.StatusCode
		}
		monitoring.RecordUpstreamConnect(time.Since(start), cerr)
		return cerr
	}
	monitoring.RecordUpstreamConnect(time.Since(start), nil)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		c.finish()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	conn.SetReadLimit(c.cfg.ReadLimit)
	c.connected.Store(true)

	c.logger.Debug().
		Dur("handshake", time.Since(start)).
		Msg("Upstream connected")

	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer monitoring.RecoverPanic(c.logger, "upstreamReadLoop", nil)
	defer c.finish()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("Upstream closed unexpectedly")
			} else {
				c.logger.Debug().Err(err).Msg("Upstream read ended")
			}
			return
		}

		ev, err := events.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Int("size", len(data)).Msg("Dropping malformed upstream frame")
			monitoring.RecordError(monitoring.ErrorTypeSerialization, monitoring.ErrorSeverityWarning)
			continue
		}
		select {
		case c.events <- ev:
		case <-c.stop:
			return
		}
	}
}

// finish marks the link down and closes the events channel exactly once
func (c *Client) finish() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.events)
	})
}

// Send writes one event, stamping an event_id when the client left it out
func (c *Client) Send(ev events.Event) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	ev, err := ev.WithID()
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, ev.Raw); err != nil {
		return fmt.Errorf("upstream write failed: %w", err)
	}
	return nil
}

// Events returns the inbound event stream
func (c *Client) Events() <-chan events.Event { return c.events }

// IsConnected reports whether the link is up
func (c *Client) IsConnected() bool { return c.connected.Load() }

// Close shuts the link down. Safe to call repeatedly, before Connect, or after the remote closed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		// Connect never ran or is still dialing; it will see closed
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	// The read loop exits on the closed socket and closes the events channel
	_ = conn.Close()
	return nil
}
