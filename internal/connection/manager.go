package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/livecaption/internal/broadcast"
	"github.com/lexiqai/livecaption/internal/observability"
	"github.com/lexiqai/livecaption/internal/protocol"
)

// Options configures the connection manager
type Options struct {
	BindHost          string
	OutboxSize        int
	HeartbeatInterval time.Duration
	LivenessWindow    time.Duration
	StaleGrace        time.Duration
	WriteTimeout      time.Duration
	// SourceLanguage reports the current source language for caption welcomes
	SourceLanguage func() string
}

func (o *Options) setDefaults() {
	if o.OutboxSize <= 0 {
		o.OutboxSize = 64
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.LivenessWindow <= 0 {
		o.LivenessWindow = 3 * o.HeartbeatInterval
	}
	if o.StaleGrace <= 0 {
		o.StaleGrace = 2 * o.HeartbeatInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SourceLanguage == nil {
		o.SourceLanguage = func() string { return "" }
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// caption pages are served from anywhere on the venue network
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Manager owns every subscriber connection and the device listeners
type Manager struct {
	registry *broadcast.Registry
	opts     Options
	logger   zerolog.Logger

	mu        sync.Mutex
	conns     map[string]*Conn
	listeners []net.Listener
	closing   bool
	wg        sync.WaitGroup
}

// NewManager creates a connection manager over registry
func NewManager(registry *broadcast.Registry, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		registry: registry,
		opts:     opts,
		logger:   observability.Component("connections"),
		conns:    make(map[string]*Conn),
	}
}

// ListenDevices binds one TCP listener per language channel and starts
// accepting. Any bind failure closes the listeners opened so far.
func (m *Manager) ListenDevices(ctx context.Context) error {
	var opened []net.Listener
	type binding struct {
		code string
		ln   net.Listener
	}
	var bindings []binding

	ports := m.registry.Ports()
	for _, code := range m.registry.Languages() {
		addr := net.JoinHostPort(m.opts.BindHost, strconv.Itoa(ports[code]))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range opened {
				l.Close()
			}
			return fmt.Errorf("failed to listen for %s devices on %s: %w", code, addr, err)
		}
		opened = append(opened, ln)
		bindings = append(bindings, binding{code: code, ln: ln})
	}

	for _, b := range bindings {
		m.ServeDevices(ctx, b.code, b.ln)
	}
	return nil
}

// ServeDevices accepts device connections for channel code on ln
func (m *Manager) ServeDevices(ctx context.Context, code string, ln net.Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, ln)
	m.mu.Unlock()

	m.logger.Info().Str("language", code).Str("addr", ln.Addr().String()).Msg("Listening for devices")
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.acceptLoop(ctx, code, ln)
	}()
}

func (m *Manager) acceptLoop(ctx context.Context, code string, ln net.Listener) {
	port := 0
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || m.isClosing() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			m.logger.Error().Err(err).Str("language", code).Msg("Accept failed, listener stopped")
			return
		}
		m.handleDevice(code, port, nc)
	}
}

func (m *Manager) handleDevice(code string, port int, nc net.Conn) {
	if tcp, ok := nc.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(m.opts.HeartbeatInterval)
	}
	wire := &deviceTransport{conn: nc, language: code}
	c := newConn(m, uuid.New().String(), broadcast.DeviceAudio, wire)

	hello, err := protocol.EncodeHello(code, port, time.Now())
	if err == nil {
		err = wire.writeFrame(hello, time.Now().Add(m.opts.WriteTimeout))
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("Device handshake failed")
		nc.Close()
		return
	}

	if err := m.attach(c, []string{code}); err != nil {
		c.logger.Warn().Err(err).Msg("Rejecting device")
		nc.Close()
		return
	}
	c.logger.Info().Str("language", code).Msg("Device connected")
}

// CaptionHandler upgrades caption clients. Languages come from ?languages=
// and may be changed later with a hello message; none means all.
func (m *Manager) CaptionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.isClosing() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Caption upgrade failed")
			return
		}

		wire := &captionTransport{ws: ws}
		c := newConn(m, uuid.New().String(), broadcast.CaptionStream, wire)
		languages := m.resolveLanguages(protocol.ParseLanguageList(r.URL.Query().Get("languages")))

		welcome := protocol.CaptionWelcomeEvent{
			Type:      protocol.CaptionWelcome,
			ID:        c.id,
			Source:    m.opts.SourceLanguage(),
			Languages: languages,
		}
		if err := wire.writeJSON(welcome, time.Now().Add(m.opts.WriteTimeout)); err != nil {
			c.logger.Warn().Err(err).Msg("Caption handshake failed")
			ws.Close()
			return
		}

		if err := m.attach(c, append([]string{broadcast.CaptionChannel}, languages...)); err != nil {
			c.logger.Warn().Err(err).Msg("Rejecting caption client")
			ws.Close()
			return
		}
		c.logger.Info().Strs("languages", languages).Msg("Caption client connected")
	}
}

// LanguagesHandler serves the channel list with live demand
func (m *Manager) LanguagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Source   string                  `json:"source"`
			Channels []broadcast.ChannelInfo `json:"channels"`
		}{
			Source:   m.opts.SourceLanguage(),
			Channels: m.registry.List(),
		})
	}
}

// resolveLanguages keeps known language channels; an empty result means all of them
func (m *Manager) resolveLanguages(requested []string) []string {
	var out []string
	for _, code := range requested {
		if code == broadcast.CaptionChannel {
			continue
		}
		if _, ok := m.registry.Channel(code); ok {
			out = append(out, code)
		}
	}
	if len(out) == 0 {
		return m.registry.Languages()
	}
	return out
}

// attach registers c, joins its channels and starts its loops
func (m *Manager) attach(c *Conn, channels []string) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return fmt.Errorf("connection manager is shutting down")
	}
	m.conns[c.id] = c
	// reader and writer
	m.wg.Add(2)
	m.mu.Unlock()

	observability.ConnectionOpened(c.kind.String())
	c.membership.Lock()
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		c.membership.Unlock()
		m.wg.Add(-2)
		return fmt.Errorf("connection closed before joining")
	}
	c.channels = channels
	c.mu.Unlock()
	var joinErr error
	for _, code := range channels {
		if joinErr = m.registry.AddSubscriber(code, c); joinErr != nil {
			break
		}
	}
	c.membership.Unlock()
	if joinErr != nil {
		c.Close(joinErr)
		m.wg.Add(-2)
		return joinErr
	}
	c.activate()

	go func() {
		defer m.wg.Done()
		c.writeLoop(m.opts.HeartbeatInterval, m.opts.WriteTimeout)
	}()
	go func() {
		defer m.wg.Done()
		c.readLoop()
	}()
	return nil
}

// detach is called exactly once per connection, from Conn.Close
func (m *Manager) detach(c *Conn, channels []string) {
	for _, code := range channels {
		m.registry.RemoveSubscriber(code, c.id)
	}
	m.mu.Lock()
	_, known := m.conns[c.id]
	delete(m.conns, c.id)
	m.mu.Unlock()
	if known {
		observability.ConnectionClosed(c.kind.String())
	}
}

// setCaptionLanguages swaps a caption client's language channels
func (m *Manager) setCaptionLanguages(c *Conn, requested []string) {
	next := m.resolveLanguages(protocol.ParseLanguageList(strings.Join(requested, ",")))
	want := map[string]bool{broadcast.CaptionChannel: true}
	for _, code := range next {
		want[code] = true
	}

	c.membership.Lock()
	defer c.membership.Unlock()
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	current := c.channels
	c.channels = append([]string{broadcast.CaptionChannel}, next...)
	c.mu.Unlock()

	have := make(map[string]bool, len(current))
	for _, code := range current {
		have[code] = true
		if !want[code] {
			m.registry.RemoveSubscriber(code, c.id)
		}
	}
	for code := range want {
		if !have[code] {
			if err := m.registry.AddSubscriber(code, c); err != nil {
				c.logger.Warn().Err(err).Str("language", code).Msg("Failed to join channel")
			}
		}
	}
	c.logger.Info().Strs("languages", next).Msg("Caption languages changed")
}

// Run sweeps connection liveness until ctx is done, then closes everything
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.CloseAll()
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

func (m *Manager) sweepInterval() time.Duration {
	interval := m.opts.HeartbeatInterval / 2
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}

// Sweep marks silent connections stale and closes those stale past the grace window
func (m *Manager) Sweep(now time.Time) {
	for _, c := range m.snapshot() {
		if c.sweep(now, m.opts.LivenessWindow, m.opts.StaleGrace) {
			c.Close(fmt.Errorf("%w: stale for longer than %s", ErrSubscriberIO, m.opts.StaleGrace))
		}
	}
}

func (m *Manager) snapshot() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of open connections
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) isClosing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}

func (m *Manager) stopAccepting() {
	m.mu.Lock()
	m.closing = true
	listeners := m.listeners
	m.listeners = nil
	m.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
}

// Shutdown stops accepting, lets every connection flush its outbox and then
// closes it. Connections still flushing when ctx ends are closed anyway.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopAccepting()
	conns := m.snapshot()
	for _, c := range conns {
		c.Drain()
	}
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			c.Close(ctx.Err())
		}
	}
	m.wg.Wait()
	m.logger.Info().Int("connections", len(conns)).Msg("Connections closed")
}

// CloseAll closes every connection immediately
func (m *Manager) CloseAll() {
	m.stopAccepting()
	for _, c := range m.snapshot() {
		c.Close(nil)
	}
	m.wg.Wait()
}
