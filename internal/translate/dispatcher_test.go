package translate

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/livecaption/internal/broadcast"
	"github.com/lexiqai/livecaption/internal/resilience"
	"github.com/lexiqai/livecaption/internal/transcript"
	"github.com/lexiqai/livecaption/internal/tts"
)

type sink struct {
	id   string
	kind broadcast.Kind
	msgs chan transcript.Message
}

func newSink(id string, kind broadcast.Kind) *sink {
	return &sink{id: id, kind: kind, msgs: make(chan transcript.Message, 256)}
}

func (s *sink) ID() string           { return s.id }
func (s *sink) Kind() broadcast.Kind { return s.kind }
func (s *sink) Enqueue(m transcript.Message) bool {
	s.msgs <- m
	return true
}

func (s *sink) next(t *testing.T) transcript.Message {
	t.Helper()
	select {
	case m := <-s.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: timed out waiting for a message", s.id)
	}
	return transcript.Message{}
}

func (s *sink) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case m := <-s.msgs:
		t.Errorf("%s: expected no message, got %+v", s.id, m)
	case <-time.After(wait):
	}
}

type fakeTranslator struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	delay bool
}

func newFakeTranslator() *fakeTranslator {
	return &fakeTranslator{calls: make(map[string]int), fail: make(map[string]error)}
}

func (f *fakeTranslator) Name() string { return "fake" }

func (f *fakeTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	f.mu.Lock()
	f.calls[target]++
	err := f.fail[target]
	delay := f.delay
	f.mu.Unlock()

	if delay {
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
	}
	if err != nil {
		return "", err
	}
	return target + ":" + text, nil
}

func (f *fakeTranslator) count(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[target]
}

func (f *fakeTranslator) setFailure(target string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[target] = err
}

type fixture struct {
	registry *broadcast.Registry
	dispatch *Dispatcher
	segments chan transcript.Segment
}

func newFixture(t *testing.T, tr Translator, synth tts.Synthesizer) *fixture {
	t.Helper()
	registry := broadcast.NewRegistry()
	for i, code := range []string{"en", "es", "fr"} {
		if err := registry.Register(code, code, 9000+i); err != nil {
			t.Fatal(err)
		}
	}
	if err := registry.RegisterCaption(8765); err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		Targets: []Target{{Code: "en"}, {Code: "es"}, {Code: "fr"}},
		Timeout: time.Second,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       2,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
		Synthesizer: synth,
	}
	f := &fixture{
		registry: registry,
		dispatch: NewDispatcher(cfg, tr, broadcast.NewHub(registry), registry),
		segments: make(chan transcript.Segment, 64),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.dispatch.Run(ctx, f.segments)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func (f *fixture) join(t *testing.T, code string, s *sink) {
	t.Helper()
	if err := f.registry.AddSubscriber(code, s); err != nil {
		t.Fatal(err)
	}
}

func segment(seq uint64, text string, final bool) transcript.Segment {
	return transcript.Segment{
		Generation:     1,
		Seq:            seq,
		SourceLanguage: "en",
		Text:           text,
		Timestamp:      time.Now(),
		IsFinal:        final,
	}
}

func TestDispatcher_ColdLanguagesAreNotTranslated(t *testing.T) {
	tr := newFakeTranslator()
	f := newFixture(t, tr, nil)
	es := newSink("dev-es", broadcast.DeviceAudio)
	f.join(t, "es", es)

	f.segments <- segment(1, "hello", true)

	msg := es.next(t)
	if msg.Text != "es:hello" || msg.Language != "es" {
		t.Errorf("Unexpected es message: %+v", msg)
	}
	if n := tr.count("fr"); n != 0 {
		t.Errorf("Expected 0 translations for cold fr, got %d", n)
	}
	if n := tr.count("es"); n != 1 {
		t.Errorf("Expected 1 translation for es, got %d", n)
	}
}

func TestDispatcher_PartialsGoToCaptionsOnly(t *testing.T) {
	tr := newFakeTranslator()
	f := newFixture(t, tr, nil)
	caption := newSink("web-1", broadcast.CaptionStream)
	es := newSink("dev-es", broadcast.DeviceAudio)
	f.join(t, broadcast.CaptionChannel, caption)
	f.join(t, "es", es)

	f.segments <- segment(1, "hel", false)

	msg := caption.next(t)
	if msg.Text != "hel" || msg.IsFinal || msg.Language != "en" {
		t.Errorf("Unexpected caption message: %+v", msg)
	}
	es.expectNone(t, 50*time.Millisecond)
	if n := tr.count("es"); n != 0 {
		t.Errorf("Expected partials not to be translated, got %d calls", n)
	}
}

func TestDispatcher_PreservesOrderPerLanguage(t *testing.T) {
	tr := newFakeTranslator()
	tr.delay = true
	f := newFixture(t, tr, nil)
	es := newSink("dev-es", broadcast.DeviceAudio)
	fr := newSink("dev-fr", broadcast.DeviceAudio)
	f.join(t, "es", es)
	f.join(t, "fr", fr)

	const total = 20
	for i := uint64(1); i <= total; i++ {
		f.segments <- segment(i, "line", true)
	}

	for _, s := range []*sink{es, fr} {
		for i := uint64(1); i <= total; i++ {
			msg := s.next(t)
			if msg.Seq != i {
				t.Fatalf("%s: expected seq %d, got %d", s.id, i, msg.Seq)
			}
		}
	}
}

func TestDispatcher_FailureIsolatedToLanguage(t *testing.T) {
	tr := newFakeTranslator()
	tr.setFailure("fr", resilience.NewPermanentError(errors.New("unsupported language")))
	f := newFixture(t, tr, nil)
	es := newSink("dev-es", broadcast.DeviceAudio)
	fr := newSink("dev-fr", broadcast.DeviceAudio)
	f.join(t, "es", es)
	f.join(t, "fr", fr)

	f.segments <- segment(1, "hello", true)

	if msg := es.next(t); msg.Text != "es:hello" {
		t.Errorf("Expected es delivery, got %+v", msg)
	}
	fr.expectNone(t, 50*time.Millisecond)
	if n := tr.count("fr"); n != 1 {
		t.Errorf("Expected permanent failure not to be retried, got %d calls", n)
	}
}

func TestDispatcher_RetriesTransientFailure(t *testing.T) {
	tr := &flakyTranslator{failures: 1}
	f := newFixture(t, tr, nil)
	es := newSink("dev-es", broadcast.DeviceAudio)
	f.join(t, "es", es)

	f.segments <- segment(1, "hello", true)

	if msg := es.next(t); msg.Text != "hello (es)" {
		t.Errorf("Expected delivery after retry, got %+v", msg)
	}
	if tr.attempts() != 2 {
		t.Errorf("Expected 2 attempts, got %d", tr.attempts())
	}
}

func TestDispatcher_SourceLanguagePassThrough(t *testing.T) {
	tr := newFakeTranslator()
	f := newFixture(t, tr, nil)
	device := newSink("dev-en", broadcast.DeviceAudio)
	caption := newSink("web-1", broadcast.CaptionStream)
	f.join(t, "en", device)
	f.join(t, "en", caption)
	f.join(t, broadcast.CaptionChannel, caption)

	f.segments <- segment(1, "hello", true)

	if msg := device.next(t); msg.Text != "hello" || msg.Language != "en" {
		t.Errorf("Expected untranslated source text, got %+v", msg)
	}
	if msg := caption.next(t); msg.Text != "hello" {
		t.Errorf("Expected caption copy, got %+v", msg)
	}
	caption.expectNone(t, 50*time.Millisecond)
	if n := tr.count("en"); n != 0 {
		t.Errorf("Expected no translation for the source language, got %d", n)
	}
}

func TestDispatcher_NewTalk(t *testing.T) {
	f := newFixture(t, newFakeTranslator(), nil)
	es := newSink("dev-es", broadcast.DeviceAudio)
	caption := newSink("web-1", broadcast.CaptionStream)
	f.join(t, "es", es)
	f.join(t, "es", caption)
	f.join(t, broadcast.CaptionChannel, caption)

	if n := f.dispatch.NewTalk(); n != 2 {
		t.Errorf("Expected 2 recipients, got %d", n)
	}
	if msg := es.next(t); msg.Kind != transcript.KindNewTalk {
		t.Errorf("Expected new talk marker, got %+v", msg)
	}
	if msg := caption.next(t); msg.Kind != transcript.KindNewTalk {
		t.Errorf("Expected new talk marker, got %+v", msg)
	}
	caption.expectNone(t, 20*time.Millisecond)
}

func TestDispatcher_AttachesSynthesizedAudio(t *testing.T) {
	synth := &fakeSynth{}
	f := newFixture(t, newFakeTranslator(), synth)
	es := newSink("dev-es", broadcast.DeviceAudio)
	f.join(t, "es", es)

	f.segments <- segment(1, "hello", true)
	msg := es.next(t)
	if len(msg.Audio) != 4 || msg.AudioFormat != tts.FormatPCM16 {
		t.Errorf("Expected synthesized audio, got %d bytes %q", len(msg.Audio), msg.AudioFormat)
	}

	synth.setFail(true)
	f.segments <- segment(2, "again", true)
	msg = es.next(t)
	if msg.Text != "es:again" || len(msg.Audio) != 0 {
		t.Errorf("Expected text-only delivery when synthesis fails, got %+v", msg)
	}
}

func TestDispatcher_QueueDropsOldest(t *testing.T) {
	registry := broadcast.NewRegistry()
	registry.Register("es", "Spanish", 9001)
	d := NewDispatcher(Config{Targets: []Target{{Code: "es"}}, QueueSize: 2}, StubTranslator{}, broadcast.NewHub(registry), registry)
	registry.AddSubscriber("es", newSink("dev-es", broadcast.DeviceAudio))

	// no workers are running, so the queue fills up
	for i := uint64(1); i <= 3; i++ {
		d.Dispatch(segment(i, "x", true))
	}
	w := d.workers["es"]
	if len(w.queue) != 2 {
		t.Fatalf("Expected 2 queued, got %d", len(w.queue))
	}
	if j := <-w.queue; j.seg.Seq != 2 {
		t.Errorf("Expected oldest to be dropped, head is seq %d", j.seg.Seq)
	}
}

type flakyTranslator struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyTranslator) Name() string { return "flaky" }

func (f *flakyTranslator) Translate(_ context.Context, text, _, target string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", resilience.NewRetryableError(errors.New("upstream timeout"))
	}
	return text + " (" + target + ")", nil
}

func (f *flakyTranslator) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSynth struct {
	mu   sync.Mutex
	fail bool
}

func (s *fakeSynth) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *fakeSynth) Synthesize(_ context.Context, text, language, voice string) (*tts.Audio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("synthesis unavailable")
	}
	return &tts.Audio{Data: []byte{1, 2, 3, 4}, Format: tts.FormatPCM16, SampleRate: tts.SampleRate, Channels: 1}, nil
}
