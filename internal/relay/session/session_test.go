package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/realtime-relay/internal/relay/admission"
	"github.com/adred-codev/realtime-relay/internal/relay/events"
	"github.com/adred-codev/realtime-relay/internal/relay/upstream"
	"github.com/adred-codev/realtime-relay/internal/shared/lifecycle"
	"github.com/adred-codev/realtime-relay/internal/shared/monitoring"
	"github.com/adred-codev/realtime-relay/internal/shared/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type fakeClient struct {
	mu     sync.Mutex
	sent   [][]byte
	codes  []int
	closed bool
}

func (c *fakeClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientGone
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeClient) Close(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes = append(c.codes, code)
	c.closed = true
}

func (c *fakeClient) closeCodes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.codes...)
}

func (c *fakeClient) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, m := range c.sent {
		out[i] = string(m)
	}
	return out
}

type fakeUpstream struct {
	gate       chan struct{} // Connect blocks until closed
	connectErr error

	mu        sync.Mutex
	sent      []string
	connected bool
	closed    bool
	closes    int
	events    chan events.Event
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan events.Event, 16)}
}

func (u *fakeUpstream) Connect(ctx context.Context) error {
	if u.gate != nil {
		select {
		case <-u.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if u.connectErr != nil {
		return u.connectErr
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.connected = true
	return nil
}

func (u *fakeUpstream) Send(ev events.Event) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.connected || u.closed {
		return upstream.ErrNotConnected
	}
	u.sent = append(u.sent, ev.Type)
	return nil
}

func (u *fakeUpstream) Events() <-chan events.Event { return u.events }

func (u *fakeUpstream) IsConnected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected && !u.closed
}

func (u *fakeUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closes++
	if !u.closed {
		u.closed = true
		close(u.events)
	}
	return nil
}

func (u *fakeUpstream) push(t *testing.T, raw string) {
	ev, err := events.Decode([]byte(raw))
	require.NoError(t, err)
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.closed {
		u.events <- ev
	}
}

func (u *fakeUpstream) sentTypes() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.sent...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	stages []lifecycle.Stage
}

func (e *recordingEmitter) Emit(r lifecycle.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stages = append(e.stages, r.Stage)
}

func (e *recordingEmitter) snapshot() []lifecycle.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]lifecycle.Stage(nil), e.stages...)
}

type harness struct {
	session  *Session
	client   *fakeClient
	upstream *fakeUpstream
	emitter  *recordingEmitter
	built    int
}

func newHarness(t *testing.T, path string, up *fakeUpstream, pendingLimit int) *harness {
	t.Helper()
	h := &harness{client: &fakeClient{}, upstream: up, emitter: &recordingEmitter{}}
	h.session = New(Params{
		ID:         "sess-1",
		Path:       path,
		RemoteAddr: "127.0.0.1:5000",
		Client:     h.client,
		Upstreams: func(string) upstream.Session {
			h.built++
			return up
		},
		Config:  Config{RelayPath: "/", PendingBufferBytes: pendingLimit},
		Stats:   types.NewStats(),
		Emitter: h.emitter,
		Logger:  zerolog.Nop(),
	})
	return h
}

func (h *harness) runAsync() chan struct{} {
	done := make(chan struct{})
	go func() {
		h.session.Run()
		close(done)
	}()
	return done
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.State() == want }, waitFor, time.Millisecond,
		"state never reached %s", want)
}

func typed(name string) []byte {
	return []byte(`{"type":"` + name + `"}`)
}

func TestPendingFlushedInArrivalOrder(t *testing.T) {
	up := newFakeUpstream()
	up.gate = make(chan struct{})
	h := newHarness(t, "/", up, 0)

	// Frames sent while still queued are kept as well
	h.session.HandleClientMessage(typed("a"))

	done := h.runAsync()
	h.waitState(t, StateUpstreamConnecting)

	h.session.HandleClientMessage(typed("b"))
	h.session.HandleClientMessage(typed("c"))
	assert.Equal(t, 3, h.session.PendingLen())
	assert.Empty(t, up.sentTypes())

	close(up.gate)
	h.waitState(t, StateRelaying)
	assert.Equal(t, 0, h.session.PendingLen())

	h.session.HandleClientMessage(typed("d"))
	h.session.HandleClientMessage(typed("e"))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, up.sentTypes())

	h.session.Terminate(monitoring.DisconnectReasonClientClosed, CloseNormal)
	<-done
}

func TestConcurrentFramesDuringFlushKeepOrder(t *testing.T) {
	up := newFakeUpstream()
	up.gate = make(chan struct{})
	h := newHarness(t, "/", up, 0)
	done := h.runAsync()
	h.waitState(t, StateUpstreamConnecting)

	for i := 0; i < 50; i++ {
		h.session.HandleClientMessage(typed("pre"))
	}

	// A single reader goroutine, like the client read pump
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for i := 0; i < 50; i++ {
			h.session.HandleClientMessage(typed("post"))
		}
	}()
	close(up.gate)
	<-sent

	h.waitState(t, StateRelaying)
	got := up.sentTypes()
	require.Len(t, got, 100)
	for i := 0; i < 50; i++ {
		assert.Equal(t, "pre", got[i], "index %d", i)
	}

	h.session.Terminate(monitoring.DisconnectReasonClientClosed, CloseNormal)
	<-done
}

func TestMalformedMessageDoesNotEndSession(t *testing.T) {
	up := newFakeUpstream()
	h := newHarness(t, "/", up, 0)
	done := h.runAsync()
	h.waitState(t, StateRelaying)

	h.session.HandleClientMessage([]byte(`{"type":"bad json"`))
	assert.Equal(t, StateRelaying, h.session.State())

	h.session.HandleClientMessage(typed("response.create"))
	assert.Equal(t, []string{"response.create"}, up.sentTypes())
	assert.Equal(t, int64(1), h.session.stats.MalformedMessages)

	h.session.Terminate(monitoring.DisconnectReasonClientClosed, CloseNormal)
	<-done
}

func TestUpstreamEventsRelayedToClient(t *testing.T) {
	up := newFakeUpstream()
	h := newHarness(t, "/", up, 0)
	done := h.runAsync()
	h.waitState(t, StateRelaying)

	up.push(t, `{"type":"session.created"}`)
	up.push(t, `{"type":"response.audio.delta","delta":"AAA"}`)

	require.Eventually(t, func() bool { return len(h.client.messages()) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, `{"type":"session.created"}`, h.client.messages()[0])
	assert.Equal(t, `{"type":"response.audio.delta","delta":"AAA"}`, h.client.messages()[1])

	// Remote close tears the client down too
	up.Close()
	<-done
	assert.Equal(t, StateClosed, h.session.State())
	assert.Equal(t, monitoring.DisconnectReasonUpstreamClosed, h.session.CloseReason())
	assert.Equal(t, []int{CloseNormal}, h.client.closeCodes())
}

func TestInvalidPathClosesWithoutUpstream(t *testing.T) {
	up := newFakeUpstream()
	h := newHarness(t, "/other", up, 0)

	h.session.Run()

	assert.Equal(t, StateClosed, h.session.State())
	assert.Equal(t, 0, h.built)
	assert.Equal(t, []int{ClosePolicyViolation}, h.client.closeCodes())
	assert.Equal(t, monitoring.DisconnectReasonInvalidPath, h.session.CloseReason())
}

func TestPendingOverflowTerminates(t *testing.T) {
	up := newFakeUpstream()
	up.gate = make(chan struct{})
	h := newHarness(t, "/", up, 40)
	done := h.runAsync()
	h.waitState(t, StateUpstreamConnecting)

	h.session.HandleClientMessage(typed("first.event.type"))
	h.session.HandleClientMessage(typed("second.event.type"))

	<-done
	assert.Equal(t, monitoring.DisconnectReasonPendingOverflow, h.session.CloseReason())
	assert.Equal(t, []int{CloseMessageTooBig}, h.client.closeCodes())
	assert.Equal(t, 0, h.session.PendingLen())
}

func TestTerminateIsExactlyOnce(t *testing.T) {
	up := newFakeUpstream()
	h := newHarness(t, "/", up, 0)
	done := h.runAsync()
	h.waitState(t, StateRelaying)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.session.Terminate(monitoring.DisconnectReasonClientClosed, CloseNormal)
		}()
	}
	wg.Wait()
	<-done

	assert.Len(t, h.client.closeCodes(), 1)
	assert.Equal(t, int64(1), h.session.stats.DisconnectsByReason[monitoring.DisconnectReasonClientClosed])
	stages := h.emitter.snapshot()
	assert.Equal(t, []lifecycle.Stage{lifecycle.StageAdmitted, lifecycle.StageRelaying, lifecycle.StageClosed}, stages)
}

func TestSetTicketAfterCloseReleases(t *testing.T) {
	ctrl := admission.NewController(1, time.Minute, zerolog.Nop())
	h := newHarness(t, "/", newFakeUpstream(), 0)

	h.session.Terminate(monitoring.DisconnectReasonClientClosed, CloseNormal)

	ticket, res := ctrl.Admit(h.session.ID())
	require.Equal(t, admission.Active, res)
	h.session.SetTicket(ticket)

	assert.Equal(t, 0, ctrl.Stats().Active)
}

func TestClientCloseWhileConnectingReleasesOnce(t *testing.T) {
	ctrl := admission.NewController(1, time.Minute, zerolog.Nop())
	up := newFakeUpstream()
	up.gate = make(chan struct{})
	h := newHarness(t, "/", up, 0)

	ticket, res := ctrl.Admit(h.session.ID())
	require.Equal(t, admission.Active, res)
	h.session.SetTicket(ticket)

	done := h.runAsync()
	h.waitState(t, StateUpstreamConnecting)

	h.session.HandleClientMessage(typed("buffered"))
	h.session.Terminate(monitoring.DisconnectReasonClientClosed, CloseNormal)
	<-done

	assert.Equal(t, admission.Stats{Active: 0, Queued: 0, Capacity: 1}, ctrl.Stats())
	assert.Empty(t, up.sentTypes())
	assert.Equal(t, 0, h.session.PendingLen())

	// Further teardown attempts cannot push the count below zero
	ticket.Release()
	h.session.Terminate(monitoring.DisconnectReasonUpstreamClosed, CloseNormal)
	assert.Equal(t, 0, ctrl.Stats().Active)
}

func TestConnectFailurePromotesQueued(t *testing.T) {
	ctrl := admission.NewController(1, time.Minute, zerolog.Nop())

	up := newFakeUpstream()
	up.connectErr = &upstream.ConnectError{URL: "wss://example.test", Err: errors.New("refused")}
	h := newHarness(t, "/", up, 0)
	ticket, _ := ctrl.Admit(h.session.ID())
	h.session.SetTicket(ticket)

	waiting, res := ctrl.Admit("next")
	require.Equal(t, admission.Queued, res)

	h.session.Run()

	assert.Equal(t, StateClosed, h.session.State())
	assert.Equal(t, []int{CloseInternalError}, h.client.closeCodes())
	assert.Equal(t, monitoring.DisconnectReasonConnectFailed, h.session.CloseReason())
	assert.Equal(t, int64(1), h.session.stats.ConnectFailures)

	require.NoError(t, waiting.Wait(context.Background()))
	assert.Equal(t, admission.Stats{Active: 1, Queued: 0, Capacity: 1}, ctrl.Stats())
}

func TestCapacityOneHandoff(t *testing.T) {
	ctrl := admission.NewController(1, time.Minute, zerolog.Nop())

	upX := newFakeUpstream()
	x := newHarness(t, "/", upX, 0)
	tx, rx := ctrl.Admit(x.session.ID())
	require.Equal(t, admission.Active, rx)
	x.session.SetTicket(tx)
	doneX := x.runAsync()
	x.waitState(t, StateRelaying)

	upY := newFakeUpstream()
	upY.gate = make(chan struct{})
	y := newHarness(t, "/", upY, 0)
	ty, ry := ctrl.Admit(y.session.ID())
	require.Equal(t, admission.Queued, ry)
	y.session.SetTicket(ty)
	y.session.EmitQueued()

	// X disconnects
	x.session.Terminate(monitoring.DisconnectReasonClientClosed, CloseNormal)
	<-doneX

	require.NoError(t, ty.Wait(y.session.Context()))
	doneY := y.runAsync()
	y.waitState(t, StateUpstreamConnecting)
	assert.Equal(t, admission.Stats{Active: 1, Queued: 0, Capacity: 1}, ctrl.Stats())

	close(upY.gate)
	y.waitState(t, StateRelaying)
	y.session.Terminate(monitoring.DisconnectReasonClientClosed, CloseNormal)
	<-doneY

	assert.Equal(t, 0, ctrl.Stats().Active)
	assert.Equal(t, lifecycle.StageQueued, y.emitter.snapshot()[0])
	assert.Equal(t, lifecycle.StagePromoted, y.emitter.snapshot()[1])
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "UPSTREAM_CONNECTING", StateUpstreamConnecting.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
