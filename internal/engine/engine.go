// Package engine wires the relay together: language plan, channel registry,
// recognition session, translation dispatcher, subscriber connections,
// operator control and the HTTP and gRPC surfaces. It owns process shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/livecaption/internal/audio"
	"github.com/lexiqai/livecaption/internal/broadcast"
	"github.com/lexiqai/livecaption/internal/config"
	"github.com/lexiqai/livecaption/internal/connection"
	"github.com/lexiqai/livecaption/internal/control"
	"github.com/lexiqai/livecaption/internal/observability"
	"github.com/lexiqai/livecaption/internal/resilience"
	"github.com/lexiqai/livecaption/internal/session"
	"github.com/lexiqai/livecaption/internal/stt"
	"github.com/lexiqai/livecaption/internal/translate"
	"github.com/lexiqai/livecaption/internal/tts"
)

const shutdownTimeout = 10 * time.Second

// Deps overrides the external collaborators; nil fields are built from the config
type Deps struct {
	Recognizer  stt.Recognizer
	Translator  translate.Translator
	Synthesizer tts.Synthesizer
	Audio       io.Reader
	Commands    control.Source
	Output      io.Writer
}

// Engine is one running relay
type Engine struct {
	cfg    *config.Config
	logger zerolog.Logger
	out    io.Writer

	registry   *broadcast.Registry
	hub        *broadcast.Hub
	session    *session.Manager
	dispatcher *translate.Dispatcher
	breaker    *resilience.CircuitBreaker
	conns      *connection.Manager
	capture    *audio.Capture
	converter  *audio.Converter
	commands   control.Source
	grpcHealth *observability.GRPCHealthServer
	httpServer *http.Server
}

// New builds every component. Configuration problems, including duplicate
// channels and port collisions, are returned before anything is started.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		logger: observability.Component("engine"),
		out:    deps.Output,
	}
	if e.out == nil {
		e.out = os.Stdout
	}

	e.registry = broadcast.NewRegistry()
	plan := cfg.LanguagePlan()
	targets := make([]translate.Target, 0, len(plan))
	for _, lang := range plan {
		if err := e.registry.Register(lang.Code, lang.Name, lang.Port); err != nil {
			return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
		}
		targets = append(targets, translate.Target{Code: lang.Code, TranslateCode: lang.TranslateCode, Voice: lang.Voice})
	}
	if err := e.registry.RegisterCaption(cfg.CaptionPort); err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	e.hub = broadcast.NewHub(e.registry)

	recognizer := deps.Recognizer
	if recognizer == nil {
		recognizer = stt.NewDeepgramRecognizer(cfg.DeepgramAPIKey, cfg.DeepgramModel)
	}
	e.session = session.NewManager(sessionConfig(cfg), recognizer, e.registry)

	translator := deps.Translator
	if translator == nil {
		var err error
		if translator, err = newTranslator(cfg); err != nil {
			return nil, err
		}
	}
	synth := deps.Synthesizer
	if synth == nil && cfg.TTSEnabled {
		synth = tts.NewCartesiaClient(cfg.CartesiaAPIKey, cfg.CartesiaModelID, cfg.CartesiaVoiceID)
	}
	e.breaker = resilience.NewCircuitBreaker("translation", cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	e.dispatcher = translate.NewDispatcher(translate.Config{
		Targets:   targets,
		QueueSize: cfg.TranslationQueueSize,
		Timeout:   cfg.TranslationTimeout,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.TranslationMaxAttempts,
			InitialBackoff:    cfg.TranslationBackoff,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		Breaker:     e.breaker,
		Synthesizer: synth,
	}, translator, e.hub, e.registry)

	e.conns = connection.NewManager(e.registry, connection.Options{
		BindHost:          cfg.BindHost,
		OutboxSize:        cfg.OutboxSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LivenessWindow:    cfg.LivenessWindow,
		StaleGrace:        cfg.StaleGrace,
		WriteTimeout:      cfg.WriteTimeout,
		SourceLanguage:    func() string { return e.session.Status().SourceLanguage },
	})

	format := audio.Format{SampleRate: cfg.AudioSampleRate, Channels: cfg.AudioChannels}
	converter, err := audio.NewConverter(format, cfg.RecognizerSampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	e.converter = converter
	if deps.Audio != nil {
		chunk, err := audio.ChunkBytesFor(format, cfg.AudioChunkMs)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		e.capture = audio.NewCapture(deps.Audio, chunk)
	} else if e.capture, err = audio.OpenCapture(cfg.AudioInput, format, cfg.AudioChunkMs); err != nil {
		return nil, err
	}

	e.commands = deps.Commands
	if e.commands == nil {
		parser := control.NewParser(cfg.Languages)
		switch cfg.ControlInput {
		case "console":
			e.commands = control.NewConsole(parser)
		case "stdin":
			e.commands = control.NewLineSource(parser, os.Stdin, e.out)
		}
	}

	if cfg.GRPCHealthPort != 0 {
		e.grpcHealth = observability.NewGRPCHealthServer()
	}
	e.httpServer = &http.Server{
		Handler:      e.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return e, nil
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Policy: session.Policy{
			MaxDuration:            cfg.StreamMaxDuration,
			SafetyMargin:           cfg.StreamSafetyMargin,
			StallTimeout:           cfg.StallTimeout,
			MaxConsecutiveRestarts: cfg.MaxConsecutiveRestarts,
		},
		SourceLanguage: cfg.SourceLanguage,
		SampleRate:     cfg.RecognizerSampleRate,
		Channels:       1,
		OpenAttempts:   cfg.StreamOpenMaxAttempts,
		OpenBackoff:    cfg.StreamOpenBackoff,
		RolloverDrain:  cfg.RolloverDrain,
		InputTimeout:   cfg.InputTimeout,
		VAD: &audio.VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceFrames:   cfg.VADSilenceFrames,
			FrameSize:       audio.FrameSizeFor(cfg.RecognizerSampleRate),
		},
	}
}

func newTranslator(cfg *config.Config) (translate.Translator, error) {
	switch cfg.TranslationProvider {
	case "google":
		return translate.NewGoogleTranslator(cfg.GoogleTranslateAPIKey, cfg.GoogleTranslateURL, nil), nil
	case "openai":
		return translate.NewOpenAITranslator(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL), nil
	case "stub":
		return translate.StubTranslator{}, nil
	}
	return nil, fmt.Errorf("%w: unknown TRANSLATION_PROVIDER %q", config.ErrInvalidConfig, cfg.TranslationProvider)
}

func (e *Engine) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(
		observability.NamedCheck{Name: "session", Check: e.sessionCheck},
		observability.NamedCheck{Name: "translation", Check: e.translationCheck},
	))
	mux.HandleFunc("/languages", e.conns.LanguagesHandler())
	if e.cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	// caption clients may connect on any path
	mux.HandleFunc("/", e.conns.CaptionHandler())
	return mux
}

func (e *Engine) sessionCheck(ctx context.Context) (bool, error) {
	if st := e.session.Status(); st.State == session.StateStopped {
		return false, fmt.Errorf("session stopped")
	}
	return true, nil
}

func (e *Engine) translationCheck(ctx context.Context) (bool, error) {
	if e.breaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

// PrintPlan writes the port assignments for operators and device installers
func (e *Engine) PrintPlan(w io.Writer) {
	fmt.Fprintln(w, "Language Port Assignments:")
	for _, ch := range e.registry.List() {
		if ch.Code == broadcast.CaptionChannel {
			fmt.Fprintf(w, "  Captions (websocket): %d\n", ch.Port)
			continue
		}
		fmt.Fprintf(w, "  %s (%s): %d\n", ch.Name, ch.Code, ch.Port)
	}
}

// Run starts every component and blocks until ctx ends, the operator quits or
// the session stops on its own. It returns the fatal session error, if any.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.conns.ListenDevices(ctx); err != nil {
		return err
	}
	captionAddr := net.JoinHostPort(e.cfg.BindHost, strconv.Itoa(e.cfg.CaptionPort))
	captionLn, err := net.Listen("tcp", captionAddr)
	if err != nil {
		e.conns.CloseAll()
		return fmt.Errorf("failed to listen for captions on %s: %w", captionAddr, err)
	}
	var grpcLn net.Listener
	if e.grpcHealth != nil {
		grpcAddr := net.JoinHostPort(e.cfg.BindHost, strconv.Itoa(e.cfg.GRPCHealthPort))
		if grpcLn, err = net.Listen("tcp", grpcAddr); err != nil {
			captionLn.Close()
			e.conns.CloseAll()
			return fmt.Errorf("failed to listen for gRPC health on %s: %w", grpcAddr, err)
		}
	}

	e.PrintPlan(e.out)
	e.logger.Info().
		Str("source_language", e.cfg.SourceLanguage).
		Strs("languages", e.cfg.Languages).
		Str("caption_addr", captionAddr).
		Bool("metrics_enabled", e.cfg.MetricsEnabled).
		Msg("Relay starting")

	var wg sync.WaitGroup
	sessionErr := make(chan error, 1)
	go func() {
		sessionErr <- e.session.Run(ctx)
	}()

	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	defer cancelDispatch()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		e.dispatcher.Run(dispatchCtx, e.session.Segments())
	}()

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.conns.Run(sweepCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.watchSession(ctx)
	}()

	go func() {
		if err := e.httpServer.Serve(captionLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error().Err(err).Msg("HTTP server failed")
			cancel()
		}
	}()
	if e.grpcHealth != nil {
		go func() {
			if err := e.grpcHealth.Serve(grpcLn); err != nil {
				e.logger.Error().Err(err).Msg("gRPC health server failed")
			}
		}()
	}

	// capture blocks on reads, so it is not waited for
	go e.runCapture(ctx)

	if e.commands != nil {
		cmds := make(chan control.Command, 16)
		interp := control.NewInterpreter(e.session, e.dispatcher, cancel)
		interp.SetOutput(e.out)
		wg.Add(1)
		go func() {
			defer wg.Done()
			interp.Run(ctx, cmds)
		}()
		go func() {
			if err := e.commands.Run(ctx, cmds); err != nil {
				e.logger.Warn().Err(err).Msg("Operator input ended")
			}
		}()
	}

	select {
	case <-ctx.Done():
	case <-e.session.Done():
	}
	e.logger.Info().Msg("Shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := e.session.Stop(shutdownCtx); err != nil {
		e.logger.Warn().Err(err).Msg("Session did not stop cleanly")
	}
	runErr := <-sessionErr

	cancelDispatch()
	<-dispatchDone

	e.conns.Shutdown(shutdownCtx)
	cancelSweep()
	cancel()

	if err := e.httpServer.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn().Err(err).Msg("HTTP server forced to shutdown")
	}
	if e.grpcHealth != nil {
		e.grpcHealth.Stop()
	}
	wg.Wait()

	if runErr != nil {
		e.logger.Error().Err(runErr).Msg("Relay stopped on session failure")
		return runErr
	}
	e.logger.Info().Msg("Relay exited gracefully")
	return nil
}

func (e *Engine) runCapture(ctx context.Context) {
	err := e.capture.Run(ctx, func(pcm []byte) {
		observability.RecordAudioBytes("captured", len(pcm))
		data, samples, err := e.converter.Convert(pcm)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Dropping malformed audio chunk")
			return
		}
		e.session.Feed(data, samples)
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("Audio capture failed")
		return
	}
	if ctx.Err() == nil {
		e.logger.Warn().Msg("Audio input ended")
	}
}

// watchSession mirrors the session state into the gRPC health service
func (e *Engine) watchSession(ctx context.Context) {
	last := session.State(-1)
	for {
		st := e.session.Status()
		if st.State != last {
			last = st.State
			if e.grpcHealth != nil {
				e.grpcHealth.SetServing(st.State != session.StateStopped)
			}
			e.logger.Debug().
				Str("state", st.State.String()).
				Uint64("generation", st.Generation).
				Bool("demand", st.Demand).
				Msg("Session state")
		}

		select {
		case <-ctx.Done():
			return
		case <-e.session.Done():
			if e.grpcHealth != nil {
				e.grpcHealth.SetServing(false)
			}
			return
		case <-e.session.Updates():
		}
	}
}
