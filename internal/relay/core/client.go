package core

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/adred-codev/realtime-relay/internal/relay/session"
	"github.com/adred-codev/realtime-relay/internal/shared/monitoring"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a frame to the client
	writeWait = 5 * time.Second

	// Time allowed between inbound frames, pongs included
	pongWait = 30 * time.Second

	// Ping period, must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Largest inbound frame accepted; audio appends are base64 PCM chunks
	maxFrameSize = 16 << 20

	// Outbound frames buffered per client. Senders block once it is full.
	sendBuffer = 256
)

// wsClient is a browser socket accepted through gobwas/ws.
// Writes go through writeMu so pongs, pings, data and close frames never interleave.
type wsClient struct {
	id     string
	conn   net.Conn
	src    io.Reader
	logger zerolog.Logger

	send chan []byte
	done chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	// onWriteError is called once when a write to the socket fails
	onWriteError func(err error)
}

func newWSClient(id string, conn net.Conn, rw *bufio.ReadWriter, logger zerolog.Logger) *wsClient {
	var src io.Reader = conn
	// Frames the client sent right behind the handshake may already sit in the hijacked buffer
	if rw != nil {
		src = rw.Reader
	}
	return &wsClient{
		id:     id,
		conn:   conn,
		src:    src,
		logger: logger,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// Send queues a text frame. It blocks while the buffer is full and fails once the client is closed.
func (c *wsClient) Send(data []byte) error {
	select {
	case <-c.done:
		return session.ErrClientGone
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return session.ErrClientGone
	}
}

// Close writes a close frame with code and reason, then closes the socket
func (c *wsClient) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
		_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, body)
		c.writeMu.Unlock()

		c.conn.Close()
	})
}

func (c *wsClient) writeFrame(op ws.OpCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(c.conn, op, payload)
}

// writePump drains the send buffer and keeps the connection alive with pings
func (c *wsClient) writePump() {
	defer monitoring.RecoverPanic(c.logger, "writePump", map[string]any{"session_id": c.id})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			if err := c.writeFrame(ws.OpText, message); err != nil {
				c.failWrite(err)
				return
			}

		case <-ticker.C:
			if err := c.writeFrame(ws.OpPing, nil); err != nil {
				c.failWrite(err)
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *wsClient) failWrite(err error) {
	select {
	case <-c.done:
		// Already closing, the error is a consequence
		return
	default:
	}
	c.logger.Debug().Err(err).Msg("Client write failed")
	if c.onWriteError != nil {
		c.onWriteError(err)
	}
}

// readPump hands every data frame to onMessage until the socket fails or closes
func (c *wsClient) readPump(onMessage func([]byte)) error {
	rd := &wsutil.Reader{
		Source:       c.src,
		State:        ws.StateServerSide,
		CheckUTF8:    true,
		MaxFrameSize: maxFrameSize,
	}
	rd.OnIntermediate = c.handleControl

	for {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}

		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, rd); err != nil {
				return err
			}
			continue
		}

		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			return err
		}
		onMessage(data)
	}
}

// handleControl answers pings and close frames through the serialized writer
func (c *wsClient) handleControl(hdr ws.Header, r io.Reader) error {
	var reply bytes.Buffer
	handler := wsutil.ControlHandler{
		Src:                 r,
		Dst:                 &reply,
		State:               ws.StateServerSide,
		DisableSrcCiphering: true,
	}
	err := handler.Handle(hdr)

	if reply.Len() > 0 {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_, _ = c.conn.Write(reply.Bytes())
		c.writeMu.Unlock()
	}
	return err
}
