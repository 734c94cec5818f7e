// Package admission caps the number of concurrently relayed sessions and parks
// the overflow in a FIFO queue with a bounded residency time.
package admission

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adred-codev/realtime-relay/internal/shared/monitoring"
	"github.com/rs/zerolog"
)

// ErrQueueTimeout is returned by Ticket.Wait when the ticket was evicted from the queue
var ErrQueueTimeout = errors.New("admission queue timeout")

// Result is the outcome of Admit
type Result int

const (
	Active Result = iota
	Queued
)

func (r Result) String() string {
	if r == Active {
		return "active"
	}
	return "queued"
}

type ticketState int

const (
	stateQueued ticketState = iota
	stateActive
	stateEvicted
	stateReleased
)

// Stats is a point-in-time view of the controller
type Stats struct {
	Active   int `json:"active"`
	Queued   int `json:"queued"`
	Capacity int `json:"capacity"`
}

// Controller owns the active-session count and the wait queue.
// Every read-modify-write happens under mu.
type Controller struct {
	mu       sync.Mutex
	capacity int
	timeout  time.Duration
	active   int
	queue    *list.List // of *Ticket, oldest at Front

	logger zerolog.Logger
}

// NewController creates a controller admitting at most capacity sessions at once
func NewController(capacity int, queueTimeout time.Duration, logger zerolog.Logger) *Controller {
	if capacity < 1 {
		capacity = 1
	}
	c := &Controller{
		capacity: capacity,
		timeout:  queueTimeout,
		queue:    list.New(),
		logger:   logger.With().Str("component", "admission").Logger(),
	}
	monitoring.UpdateAdmissionMetrics(0, 0, capacity)
	return c
}

// Ticket is one connection's claim on a slot
type Ticket struct {
	id string
	c  *Controller

	// guarded by c.mu
	state    ticketState
	elem     *list.Element
	timer    *time.Timer
	queuedAt time.Time

	promoted chan struct{}
	evicted  chan struct{}
}

// ID returns the identity the ticket was admitted with
func (t *Ticket) ID() string { return t.id }

// Admit claims a slot for id. When none is free the ticket is queued and an
// eviction timer starts; callers then block in Ticket.Wait.
func (c *Controller) Admit(id string) (*Ticket, Result) {
	t := &Ticket{
		id:       id,
		c:        c,
		promoted: make(chan struct{}),
		evicted:  make(chan struct{}),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active < c.capacity {
		c.active++
		t.state = stateActive
		close(t.promoted)
		c.publishLocked()
		monitoring.RecordAdmission(monitoring.AdmissionActive)
		return t, Active
	}

	t.state = stateQueued
	t.queuedAt = time.Now()
	t.elem = c.queue.PushBack(t)
	t.timer = time.AfterFunc(c.timeout, func() { c.evict(t) })
	c.publishLocked()
	monitoring.RecordAdmission(monitoring.AdmissionQueued)

	c.logger.Debug().
		Str("session_id", id).
		Int("position", c.queue.Len()).
		Msg("Connection queued")

	return t, Queued
}

func (c *Controller) evict(t *Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Promoted or released between the timer firing and taking the lock
	if t.state != stateQueued {
		return
	}
	c.queue.Remove(t.elem)
	t.elem = nil
	t.state = stateEvicted
	close(t.evicted)
	c.publishLocked()
	monitoring.RecordAdmission(monitoring.AdmissionEvicted)

	c.logger.Info().
		Str("session_id", t.id).
		Dur("waited", time.Since(t.queuedAt)).
		Msg("Connection evicted from admission queue")
}

// Wait blocks until the ticket holds a slot. It returns ErrQueueTimeout when the
// ticket was evicted, or ctx.Err() after giving the ticket up.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.promoted:
		return nil
	case <-t.evicted:
		return ErrQueueTimeout
	case <-ctx.Done():
		t.Release()
		return ctx.Err()
	}
}

// Promoted is closed once the ticket holds a slot
func (t *Ticket) Promoted() <-chan struct{} { return t.promoted }

// Evicted is closed if the ticket timed out in the queue
func (t *Ticket) Evicted() <-chan struct{} { return t.evicted }

// Release gives the ticket up. An active ticket frees its slot and promotes at
// most one queued ticket; a queued ticket just leaves the queue. Idempotent.
func (t *Ticket) Release() {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()

	switch t.state {
	case stateQueued:
		// Never counted, so nothing to decrement
		t.timer.Stop()
		c.queue.Remove(t.elem)
		t.elem = nil
		t.state = stateReleased
		monitoring.RecordAdmission(monitoring.AdmissionAbandoned)
	case stateActive:
		t.state = stateReleased
		c.active--
		c.promoteLocked()
	default:
		return
	}
	c.publishLocked()
}

func (c *Controller) promoteLocked() {
	if c.active >= c.capacity {
		return
	}
	front := c.queue.Front()
	if front == nil {
		return
	}
	next := c.queue.Remove(front).(*Ticket)
	next.elem = nil
	next.timer.Stop()
	next.state = stateActive
	c.active++
	close(next.promoted)

	waited := time.Since(next.queuedAt)
	monitoring.RecordAdmission(monitoring.AdmissionPromoted)
	monitoring.RecordQueueWait(waited)

	c.logger.Debug().
		Str("session_id", next.id).
		Dur("waited", waited).
		Msg("Connection promoted from admission queue")
}

func (c *Controller) publishLocked() {
	monitoring.UpdateAdmissionMetrics(c.active, c.queue.Len(), c.capacity)
}

// Stats returns the current counts
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Active: c.active, Queued: c.queue.Len(), Capacity: c.capacity}
}

// QueueTimeout returns the configured queue residency limit
func (c *Controller) QueueTimeout() time.Duration { return c.timeout }
