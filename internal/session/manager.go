package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/livecaption/internal/audio"
	"github.com/lexiqai/livecaption/internal/observability"
	"github.com/lexiqai/livecaption/internal/resilience"
	"github.com/lexiqai/livecaption/internal/stt"
	"github.com/lexiqai/livecaption/internal/transcript"
)

// DemandSource reports whether anyone is listening; the broadcast registry implements it
type DemandSource interface {
	HasDemand() bool
	Changed() <-chan struct{}
}

// Config configures a Manager
type Config struct {
	Policy
	SourceLanguage string
	SampleRate     int
	Channels       int

	OpenAttempts  int
	OpenBackoff   time.Duration
	RolloverDrain time.Duration
	InputTimeout  time.Duration
	TickInterval  time.Duration
	BacklogBytes  int
	VAD           *audio.VADConfig
	SegmentBuffer int
	AudioBuffer   int
}

func (c *Config) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 250 * time.Millisecond
	}
	if c.OpenAttempts <= 0 {
		c.OpenAttempts = 1
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.BacklogBytes <= 0 {
		// 10 seconds of 16-bit mono
		c.BacklogBytes = c.SampleRate * 2 * 10
	}
	if c.SegmentBuffer <= 0 {
		c.SegmentBuffer = 256
	}
	if c.AudioBuffer <= 0 {
		c.AudioBuffer = 64
	}
	if c.VAD == nil {
		c.VAD = &audio.VADConfig{
			EnergyThreshold: audio.DefaultVADConfig().EnergyThreshold,
			SilenceFrames:   audio.DefaultVADConfig().SilenceFrames,
			FrameSize:       audio.FrameSizeFor(c.SampleRate),
		}
	}
}

type chunk struct {
	data    []byte
	samples []int16
}

type requestKind int

const (
	reqPause requestKind = iota
	reqResume
	reqToggle
	reqLanguage
	reqStop
)

type request struct {
	kind     requestKind
	language string
	reply    chan State
}

type openResult struct {
	stream   stt.Stream
	language string
	err      error
}

// Manager runs the recognition session. All stream state is owned by the
// goroutine executing Run; other goroutines talk to it through channels.
type Manager struct {
	cfg        Config
	recognizer stt.Recognizer
	demand     DemandSource
	logger     zerolog.Logger

	audioIn     chan chunk
	requests    chan request
	openResults chan openResult
	segments    chan transcript.Segment
	updates     chan struct{}
	done        chan struct{}

	statusMu sync.RWMutex
	status   Status
	err      error

	// owned by the run loop
	lc          *Lifecycle
	adapter     Adapter
	vad         *audio.VADDetector
	backlog     *audio.RingBuffer
	stream      stt.Stream
	events      <-chan stt.Event
	draining    stt.Stream
	drainEvents <-chan stt.Event
	drainTimer  *time.Timer
	drainC      <-chan time.Time
	opening     bool
	lastAudioAt time.Time
	inputWarned bool
}

// NewManager creates a session manager; call Run to start it
func NewManager(cfg Config, recognizer stt.Recognizer, demand DemandSource) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:         cfg,
		recognizer:  recognizer,
		demand:      demand,
		logger:      observability.Component("session"),
		audioIn:     make(chan chunk, cfg.AudioBuffer),
		requests:    make(chan request),
		openResults: make(chan openResult, 1),
		segments:    make(chan transcript.Segment, cfg.SegmentBuffer),
		updates:     make(chan struct{}, 1),
		done:        make(chan struct{}),
		lc:          NewLifecycle(cfg.Policy, cfg.SourceLanguage),
		vad:         audio.NewVADDetector(cfg.VAD),
		backlog:     audio.NewRingBuffer(cfg.BacklogBytes),
	}
	m.status = m.lc.Status()
	return m
}

// Segments delivers recognized segments in order; closed when Run returns
func (m *Manager) Segments() <-chan transcript.Segment {
	return m.segments
}

// Updates signals (coalesced) that Status changed
func (m *Manager) Updates() <-chan struct{} {
	return m.updates
}

// Done is closed when Run returns
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Status returns the latest snapshot
func (m *Manager) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

// Err returns the fatal error that stopped the session, if any
func (m *Manager) Err() error {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.err
}

// Feed hands one chunk of recognizer-format PCM to the session.
// It never blocks; chunks are dropped when the loop falls behind.
func (m *Manager) Feed(data []byte, samples []int16) {
	select {
	case m.audioIn <- chunk{data: data, samples: samples}:
	case <-m.done:
	default:
		observability.RecordAudioBytes("dropped", len(data))
	}
}

// Pause stops recognition until Resume
func (m *Manager) Pause(ctx context.Context) error {
	_, err := m.do(ctx, request{kind: reqPause})
	return err
}

// Resume restarts recognition after Pause
func (m *Manager) Resume(ctx context.Context) error {
	_, err := m.do(ctx, request{kind: reqResume})
	return err
}

// TogglePause pauses a running session or resumes a paused one
func (m *Manager) TogglePause(ctx context.Context) (State, error) {
	return m.do(ctx, request{kind: reqToggle})
}

// SetSourceLanguage switches the recognized language
func (m *Manager) SetSourceLanguage(ctx context.Context, code string) error {
	if code == "" {
		return errors.New("source language is required")
	}
	_, err := m.do(ctx, request{kind: reqLanguage, language: code})
	return err
}

// Stop ends the session; Run returns nil afterwards
func (m *Manager) Stop(ctx context.Context) error {
	_, err := m.do(ctx, request{kind: reqStop})
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}

func (m *Manager) do(ctx context.Context, req request) (State, error) {
	req.reply = make(chan State, 1)
	select {
	case m.requests <- req:
	case <-m.done:
		return StateStopped, ErrStopped
	case <-ctx.Done():
		return StateStopped, ctx.Err()
	}
	select {
	case st := <-req.reply:
		return st, nil
	case <-ctx.Done():
		return StateStopped, ctx.Err()
	}
}

// Run drives the session until ctx is cancelled, Stop is called or a fatal
// error occurs. The fatal error is returned.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(m.done)
	defer close(m.segments)
	defer m.shutdown(cancel)

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.logger.Info().
		Str("source_language", m.lc.Source()).
		Dur("rollover_after", m.cfg.Policy.RolloverAfter()).
		Msg("Recognition session started")

	m.apply(ctx, m.lc.SetDemand(m.demand.HasDemand()))
	m.publish()

	for m.lc.State() != StateStopped {
		select {
		case <-ctx.Done():
			m.lc.Stop()
		case <-m.demand.Changed():
			m.apply(ctx, m.lc.SetDemand(m.demand.HasDemand()))
		case req := <-m.requests:
			m.handleRequest(ctx, req)
		case c := <-m.audioIn:
			m.handleAudio(ctx, c)
		case ev, ok := <-m.events:
			if !ok {
				m.handleStreamEnd(ctx)
			} else {
				m.handleEvent(ev)
			}
		case ev, ok := <-m.drainEvents:
			if !ok {
				m.finishDrain(ctx)
			} else {
				m.handleEvent(ev)
			}
		case <-m.drainC:
			m.finishDrain(ctx)
		case res := <-m.openResults:
			m.handleOpened(ctx, res)
		case now := <-ticker.C:
			m.apply(ctx, m.lc.Tick(now))
			m.checkInput(now)
		}
		m.publish()
	}

	m.logger.Info().Msg("Recognition session stopped")
	return m.Err()
}

func (m *Manager) handleRequest(ctx context.Context, req request) {
	switch req.kind {
	case reqPause:
		m.apply(ctx, m.lc.Pause())
	case reqResume:
		m.apply(ctx, m.lc.Resume())
	case reqToggle:
		if m.lc.State() == StatePaused {
			m.apply(ctx, m.lc.Resume())
		} else {
			m.apply(ctx, m.lc.Pause())
		}
	case reqLanguage:
		m.logger.Info().Str("from", m.lc.Source()).Str("to", req.language).Msg("Switching source language")
		m.apply(ctx, m.lc.SetSourceLanguage(req.language))
	case reqStop:
		m.apply(ctx, m.lc.Stop())
	}
	req.reply <- m.lc.State()
}

// apply executes a lifecycle action against the upstream stream
func (m *Manager) apply(ctx context.Context, a Action) {
	switch a.Kind {
	case ActionOpen:
		m.startOpen(ctx)
	case ActionClose:
		m.cancelDrain()
		m.closeStream()
		m.backlog.Reset()
	case ActionRestart:
		m.restart(ctx, a.Reason)
	case ActionStop:
		m.fail(a.Err)
	}
}

func (m *Manager) restart(ctx context.Context, reason Reason) {
	m.lc.BeginRestart(reason)
	observability.RecordSessionRestart(string(reason))
	logEvent := m.logger.Info()
	if reason == ReasonStall {
		logEvent = m.logger.Warn().Err(ErrStallDetected)
	}
	logEvent.
		Str("reason", string(reason)).
		Uint64("generation", m.lc.Generation()).
		Msg("Restarting recognition stream")

	if reason == ReasonRollover && m.cfg.RolloverDrain > 0 && m.stream != nil {
		// keep reading the old stream's trailing results; new audio goes to the backlog
		m.cancelDrain()
		m.draining, m.drainEvents = m.stream, m.events
		m.stream, m.events = nil, nil
		m.drainTimer = time.NewTimer(m.cfg.RolloverDrain)
		m.drainC = m.drainTimer.C
		return
	}

	m.closeStream()
	if reason != ReasonRollover {
		// audio captured before a stall or language change is not replayed
		m.backlog.Reset()
	}
	m.startOpen(ctx)
}

func (m *Manager) finishDrain(ctx context.Context) {
	m.cancelDrain()
	if m.lc.State() == StateRestarting {
		m.startOpen(ctx)
	}
}

func (m *Manager) cancelDrain() {
	if m.drainTimer != nil {
		m.drainTimer.Stop()
		m.drainTimer = nil
	}
	m.drainC = nil
	if m.draining != nil {
		m.draining.Close()
		m.draining = nil
	}
	m.drainEvents = nil
}

func (m *Manager) closeStream() {
	if m.stream == nil {
		return
	}
	if err := m.stream.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("Error closing recognition stream")
	}
	m.stream = nil
	m.events = nil
}

// startOpen opens a stream in the background; the result comes back on openResults
func (m *Manager) startOpen(ctx context.Context) {
	if m.opening || m.draining != nil {
		return
	}
	m.opening = true
	opts := stt.StreamOptions{
		Language:   m.lc.Source(),
		SampleRate: m.cfg.SampleRate,
		Channels:   m.cfg.Channels,
	}
	reconnectCfg := &resilience.ReconnectConfig{
		MaxAttempts: m.cfg.OpenAttempts,
		Backoff:     m.cfg.OpenBackoff,
		Multiplier:  2.0,
		MaxBackoff:  10 * time.Second,
	}

	go func() {
		var stream stt.Stream
		err := resilience.Reconnect(ctx, "recognizer", func(ctx context.Context) error {
			s, err := m.recognizer.Open(ctx, opts)
			if err != nil {
				return err
			}
			stream = s
			return nil
		}, reconnectCfg)

		select {
		case m.openResults <- openResult{stream: stream, language: opts.Language, err: err}:
		case <-m.done:
			if stream != nil {
				stream.Close()
			}
		}
	}()
}

func (m *Manager) handleOpened(ctx context.Context, res openResult) {
	m.opening = false
	if res.err != nil {
		if ctx.Err() != nil {
			return
		}
		observability.RecordError("stream_open", "session")
		if m.lc.State() != StateRestarting {
			// nobody wants the stream anymore
			return
		}
		m.lc.Stop()
		m.fail(fmt.Errorf("%w: %v", ErrStreamOpen, res.err))
		return
	}

	if res.language != m.lc.Source() {
		res.stream.Close()
		if m.lc.State() == StateRestarting {
			m.startOpen(ctx)
		}
		return
	}
	if !m.lc.Opened(time.Now()) {
		res.stream.Close()
		return
	}

	m.stream = res.stream
	m.events = res.stream.Events()
	m.adapter.Reset(m.lc.Generation(), res.language)
	m.vad.Reset()
	m.inputWarned = false
	observability.SetSessionGeneration(m.lc.Generation())
	m.logger.Info().
		Uint64("generation", m.lc.Generation()).
		Str("language", res.language).
		Msg("Recognition stream open")

	if backlog := m.backlog.Drain(); len(backlog) > 0 {
		if err := m.stream.Send(backlog); err != nil {
			m.logger.Warn().Err(err).Int("bytes", len(backlog)).Msg("Failed to replay audio backlog")
		} else {
			observability.RecordAudioBytes("replayed", len(backlog))
		}
	}
}

func (m *Manager) handleStreamEnd(ctx context.Context) {
	err := m.stream.Err()
	m.stream.Close()
	m.stream = nil
	m.events = nil
	m.logger.Warn().Err(err).Uint64("generation", m.lc.Generation()).Msg("Recognition stream ended unexpectedly")
	m.apply(ctx, m.lc.StreamLost(err))
}

func (m *Manager) handleEvent(ev stt.Event) {
	m.lc.Activity(time.Now())
	seg, ok := m.adapter.Segment(ev)
	if !ok {
		return
	}
	observability.RecordSegment(seg.IsFinal)
	select {
	case m.segments <- seg:
	default:
		observability.RecordError("segment_overflow", "session")
		m.logger.Warn().Uint64("generation", seg.Generation).Uint64("seq", seg.Seq).Msg("Segment consumer behind, dropping segment")
	}
}

func (m *Manager) handleAudio(ctx context.Context, c chunk) {
	now := time.Now()
	m.lastAudioAt = now
	if m.inputWarned {
		m.inputWarned = false
		m.logger.Info().Msg("Audio input resumed")
	}

	switch m.lc.State() {
	case StateStreaming:
		if m.stream == nil {
			return
		}
		if m.vad.ProcessChunk(c.samples) {
			m.lc.SpeechFed(now)
		}
		if err := m.stream.Send(c.data); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to send audio")
			m.stream.Close()
			m.stream, m.events = nil, nil
			m.apply(ctx, m.lc.StreamLost(err))
			return
		}
		observability.RecordAudioBytes("sent", len(c.data))
	case StateRestarting:
		if dropped := m.backlog.Write(c.data); dropped > 0 {
			observability.RecordAudioBytes("dropped", dropped)
		}
	default:
		observability.RecordAudioBytes("dropped", len(c.data))
	}
}

func (m *Manager) checkInput(now time.Time) {
	if m.cfg.InputTimeout <= 0 || m.inputWarned || m.lc.State() != StateStreaming {
		return
	}
	last := m.lastAudioAt
	if st := m.lc.Status().StreamStartedAt; last.Before(st) {
		last = st
	}
	if now.Sub(last) >= m.cfg.InputTimeout {
		m.inputWarned = true
		m.logger.Warn().Dur("silence", now.Sub(last)).Msg("No audio input")
	}
}

func (m *Manager) fail(err error) {
	if err == nil {
		return
	}
	observability.RecordError("fatal", "session")
	m.logger.Error().Err(err).Msg("Recognition session failed")
	m.statusMu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.statusMu.Unlock()
}

func (m *Manager) shutdown(cancel context.CancelFunc) {
	cancel()
	if m.opening {
		if res := <-m.openResults; res.stream != nil {
			res.stream.Close()
		}
		m.opening = false
	}
	m.cancelDrain()
	m.closeStream()
	m.lc.Stop()
	m.publish()
}

func (m *Manager) publish() {
	st := m.lc.Status()
	m.statusMu.Lock()
	changed := st != m.status
	m.status = st
	m.statusMu.Unlock()
	if !changed {
		return
	}

	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = s.String()
	}
	observability.SetSessionState(st.State.String(), names)

	select {
	case m.updates <- struct{}{}:
	default:
	}
}
