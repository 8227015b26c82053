// Package connection accepts playback devices and caption clients, joins them
// to broadcast channels and keeps each connection's writer, reader and
// heartbeat running until it goes away.
package connection

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/livecaption/internal/broadcast"
	"github.com/lexiqai/livecaption/internal/observability"
	"github.com/lexiqai/livecaption/internal/transcript"
)

// ErrSubscriberIO marks a failed read or write on one subscriber connection
var ErrSubscriberIO = errors.New("subscriber i/o error")

// State of a subscriber connection
type State int

const (
	StateConnecting State = iota
	StateActive
	StateStale
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// transport is the wire-specific half of a connection
type transport interface {
	writeMessage(msg transcript.Message, deadline time.Time) error
	writePing(deadline time.Time) error
	// readLoop blocks reading inbound traffic until the peer goes away
	readLoop(c *Conn) error
	close() error
	remoteAddr() string
}

// Conn is one subscriber connection. It implements broadcast.Subscriber.
type Conn struct {
	id      string
	kind    broadcast.Kind
	outbox  *broadcast.Outbox
	wire    transport
	manager *Manager
	logger  zerolog.Logger

	// membership serializes channel joins and leaves with Close
	membership sync.Mutex

	mu           sync.Mutex
	state        State
	channels     []string
	lastActivity time.Time
	staleSince   time.Time

	drain     chan struct{}
	drainOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(m *Manager, id string, kind broadcast.Kind, wire transport) *Conn {
	return &Conn{
		id:           id,
		kind:         kind,
		outbox:       broadcast.NewOutbox(m.opts.OutboxSize),
		wire:         wire,
		manager:      m,
		logger:       observability.WithCorrelationID(m.logger, id).With().Str("kind", kind.String()).Str("remote", wire.remoteAddr()).Logger(),
		state:        StateConnecting,
		lastActivity: time.Now(),
		drain:        make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// ID implements broadcast.Subscriber
func (c *Conn) ID() string { return c.id }

// Kind implements broadcast.Subscriber
func (c *Conn) Kind() broadcast.Kind { return c.kind }

// Enqueue implements broadcast.Subscriber; an overflow marks the connection
// stale until the peer is heard from again
func (c *Conn) Enqueue(msg transcript.Message) bool {
	if c.outbox.Push(msg) {
		return true
	}
	c.markStale("overflow")
	return false
}

// State returns the connection state
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Channels returns the channel codes the connection is joined to
func (c *Conn) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.channels))
	copy(out, c.channels)
	return out
}

// Done is closed once the connection is closed
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// touch records inbound traffic from the peer
func (c *Conn) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
	if c.state == StateStale {
		c.state = StateActive
		c.staleSince = time.Time{}
	}
}

func (c *Conn) activate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting {
		c.state = StateActive
	}
}

func (c *Conn) markStale(reason string) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.state = StateStale
	c.staleSince = time.Now()
	c.mu.Unlock()

	observability.RecordStale(c.kind.String(), reason)
	c.logger.Warn().Str("reason", reason).Msg("Subscriber marked stale")
}

// sweep applies the liveness rules; it reports true when the connection should be closed
func (c *Conn) sweep(now time.Time, liveness, grace time.Duration) bool {
	c.mu.Lock()
	state := c.state
	idle := now.Sub(c.lastActivity)
	staleFor := now.Sub(c.staleSince)
	c.mu.Unlock()

	switch state {
	case StateActive:
		if idle >= liveness {
			c.markStale("silent")
		}
	case StateStale:
		return staleFor >= grace
	}
	return false
}

// writeLoop owns all writes to the peer
func (c *Conn) writeLoop(heartbeat, writeTimeout time.Duration) {
	ping := time.NewTicker(heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.outbox.Ready():
			if err := c.flush(writeTimeout); err != nil {
				c.Close(err)
				return
			}
		case <-ping.C:
			if err := c.wire.writePing(time.Now().Add(writeTimeout)); err != nil {
				c.Close(fmt.Errorf("%w: ping: %v", ErrSubscriberIO, err))
				return
			}
		case <-c.drain:
			err := c.flush(writeTimeout)
			c.Close(err)
			return
		}
	}
}

func (c *Conn) flush(writeTimeout time.Duration) error {
	for {
		msg, ok := c.outbox.Pop()
		if !ok {
			return nil
		}
		if err := c.wire.writeMessage(msg, time.Now().Add(writeTimeout)); err != nil {
			return fmt.Errorf("%w: %v", ErrSubscriberIO, err)
		}
	}
}

func (c *Conn) readLoop() {
	err := c.wire.readLoop(c)
	select {
	case <-c.done:
		return
	default:
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrSubscriberIO, err)
	}
	c.Close(err)
}

// Drain asks the writer to flush queued messages and then close
func (c *Conn) Drain() {
	c.drainOnce.Do(func() { close(c.drain) })
}

// Close leaves every channel and closes the socket. Safe to call repeatedly.
func (c *Conn) Close(reason error) {
	c.closeOnce.Do(func() {
		c.membership.Lock()
		c.mu.Lock()
		c.state = StateClosed
		channels := c.channels
		c.channels = nil
		c.mu.Unlock()
		c.manager.detach(c, channels)
		c.membership.Unlock()

		c.outbox.Close()
		close(c.done)
		if err := c.wire.close(); err != nil {
			c.logger.Debug().Err(err).Msg("Error closing socket")
		}

		event := c.logger.Info()
		if reason != nil {
			event = c.logger.Warn().Err(reason)
		}
		event.Uint64("dropped", c.outbox.Dropped()).Msg("Subscriber disconnected")
	})
}
