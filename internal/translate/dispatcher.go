package translate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/livecaption/internal/broadcast"
	"github.com/lexiqai/livecaption/internal/observability"
	"github.com/lexiqai/livecaption/internal/resilience"
	"github.com/lexiqai/livecaption/internal/transcript"
	"github.com/lexiqai/livecaption/internal/tts"
)

// Publisher delivers messages to channel subscribers; *broadcast.Hub implements it
type Publisher interface {
	Deliver(code string, msg transcript.Message) int
	DeliverFiltered(code string, msg transcript.Message, filter broadcast.Filter) int
	Broadcast(msg transcript.Message) int
}

// Demand tells whether a language channel has subscribers; *broadcast.Registry implements it
type Demand interface {
	IsHot(code string) bool
}

// Target is one output language
type Target struct {
	Code          string // channel code
	TranslateCode string // provider code, defaults to Code
	Voice         string // optional synthesis voice
}

// Config configures a Dispatcher
type Config struct {
	Targets   []Target
	QueueSize int
	Timeout   time.Duration
	Retry     *resilience.RetryConfig
	Breaker   *resilience.CircuitBreaker
	// Synthesizer is optional; when set, device messages carry audio
	Synthesizer tts.Synthesizer
}

type job struct {
	seg      transcript.Segment
	enqueued time.Time
}

// Dispatcher fans final segments out to per-language workers. Each language
// has one worker, so translations for a language are delivered in order, and
// a slow or failing language never holds up the others.
type Dispatcher struct {
	cfg        Config
	translator Translator
	publisher  Publisher
	demand     Demand
	codes      map[string]string // channel code -> provider code
	logger     zerolog.Logger

	workers map[string]*worker
	wg      sync.WaitGroup
}

type worker struct {
	target Target
	queue  chan job
}

// NewDispatcher creates a dispatcher; call Run to start it
func NewDispatcher(cfg Config, translator Translator, publisher Publisher, demand Demand) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}

	d := &Dispatcher{
		cfg:        cfg,
		translator: translator,
		publisher:  publisher,
		demand:     demand,
		codes:      make(map[string]string),
		logger:     observability.Component("dispatcher").With().Str("provider", translator.Name()).Logger(),
		workers:    make(map[string]*worker),
	}
	for _, t := range cfg.Targets {
		if t.TranslateCode == "" {
			t.TranslateCode = t.Code
		}
		d.codes[t.Code] = t.TranslateCode
		d.workers[t.Code] = &worker{target: t, queue: make(chan job, cfg.QueueSize)}
	}
	return d
}

// Run consumes segments until the channel closes or ctx is done, then
// waits for in-flight work to finish.
func (d *Dispatcher) Run(ctx context.Context, segments <-chan transcript.Segment) {
	for _, w := range d.workers {
		d.wg.Add(1)
		go d.runWorker(ctx, w)
	}
	defer func() {
		for _, w := range d.workers {
			close(w.queue)
		}
		d.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case seg, ok := <-segments:
			if !ok {
				return
			}
			d.Dispatch(seg)
		}
	}
}

// Dispatch routes one segment. Every segment goes to the caption channel in
// the source language; finals are queued for each hot language.
func (d *Dispatcher) Dispatch(seg transcript.Segment) {
	d.publisher.Deliver(broadcast.CaptionChannel, transcript.FromSegment(seg, seg.SourceLanguage, seg.Text))
	if !seg.IsFinal {
		return
	}

	for code, w := range d.workers {
		if !d.demand.IsHot(code) {
			continue
		}
		d.enqueue(w, job{seg: seg, enqueued: time.Now()})
	}
}

// NewTalk sends a new-talk marker to every subscriber
func (d *Dispatcher) NewTalk() int {
	n := d.publisher.Broadcast(transcript.NewTalk(time.Now()))
	d.logger.Info().Int("subscribers", n).Msg("New talk marker sent")
	return n
}

// enqueue drops the oldest queued segment when the worker is behind
func (d *Dispatcher) enqueue(w *worker, j job) {
	select {
	case w.queue <- j:
		return
	default:
	}
	select {
	case old := <-w.queue:
		observability.RecordDropped(w.target.Code, "translation_backlog")
		d.logger.Warn().
			Str("language", w.target.Code).
			Uint64("generation", old.seg.Generation).
			Uint64("seq", old.seg.Seq).
			Msg("Translation queue full, dropping oldest segment")
	default:
	}
	select {
	case w.queue <- j:
	default:
		observability.RecordDropped(w.target.Code, "translation_backlog")
	}
}

func (d *Dispatcher) runWorker(ctx context.Context, w *worker) {
	defer d.wg.Done()
	logger := d.logger.With().Str("language", w.target.Code).Logger()

	for j := range w.queue {
		if ctx.Err() != nil {
			continue
		}
		// demand may have gone away while the segment was queued
		if !d.demand.IsHot(w.target.Code) {
			continue
		}
		d.process(ctx, w.target, j, logger)
	}
}

func (d *Dispatcher) process(ctx context.Context, target Target, j job, logger zerolog.Logger) {
	seg := j.seg
	passThrough := sameLanguage(target.Code, seg.SourceLanguage)

	text := seg.Text
	if !passThrough {
		translated, err := d.translate(ctx, seg, target)
		if err != nil {
			observability.RecordError("translation", "dispatcher")
			logger.Warn().
				Err(err).
				Uint64("generation", seg.Generation).
				Uint64("seq", seg.Seq).
				Msg("Translation failed, dropping segment")
			return
		}
		text = translated
	}

	msg := transcript.FromSegment(seg, target.Code, text)
	if d.cfg.Synthesizer != nil {
		d.attachAudio(ctx, &msg, target, logger)
	}

	var n int
	if passThrough {
		// caption clients already have the source text from the caption channel
		n = d.publisher.DeliverFiltered(target.Code, msg, broadcast.ExcludeKind(broadcast.CaptionStream))
	} else {
		n = d.publisher.Deliver(target.Code, msg)
	}
	logger.Debug().
		Uint64("generation", seg.Generation).
		Uint64("seq", seg.Seq).
		Int("subscribers", n).
		Dur("latency", time.Since(j.enqueued)).
		Msg("Segment delivered")
}

func (d *Dispatcher) translate(ctx context.Context, seg transcript.Segment, target Target) (string, error) {
	source := d.providerCode(seg.SourceLanguage)
	var out string

	start := time.Now()
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
		call := func() error {
			var err error
			out, err = d.translator.Translate(callCtx, seg.Text, source, target.TranslateCode)
			return err
		}
		if d.cfg.Breaker != nil {
			return d.cfg.Breaker.Call(call)
		}
		return call()
	}, d.cfg.Retry, isRetryableTranslation)
	observability.RecordTranslation(target.Code, err == nil, time.Since(start))
	return out, err
}

func (d *Dispatcher) attachAudio(ctx context.Context, msg *transcript.Message, target Target, logger zerolog.Logger) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	audio, err := d.cfg.Synthesizer.Synthesize(callCtx, msg.Text, target.TranslateCode, target.Voice)
	if err != nil {
		// text still goes out without audio
		logger.Warn().Err(err).Msg("Synthesis failed, sending text only")
		return
	}
	msg.Audio = audio.Data
	msg.AudioFormat = audio.Format
}

func (d *Dispatcher) providerCode(code string) string {
	if c, ok := d.codes[code]; ok {
		return c
	}
	return code
}

func isRetryableTranslation(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	return resilience.IsRetryableNetworkError(err)
}

func sameLanguage(a, b string) bool {
	return strings.EqualFold(a, b)
}
