package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/livecaption/internal/observability"
	"github.com/lexiqai/livecaption/internal/resilience"
)

// ErrStreamClosed is returned by Send after the stream ended
var ErrStreamClosed = errors.New("recognition stream closed")

// messageCallbackHandler embeds the default handler and overrides the events we track
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	stream *deepgramStream
}

func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	m.stream.handleMessage(msg)
	return nil
}

func (m *messageCallbackHandler) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	m.stream.emit(Event{Type: EventActivity, ReceivedAt: time.Now()})
	return nil
}

func (m *messageCallbackHandler) Close(*msginterfaces.CloseResponse) error {
	m.stream.finish(nil)
	return nil
}

func (m *messageCallbackHandler) Error(er *msginterfaces.ErrorResponse) error {
	m.stream.handleError(er)
	return nil
}

// DeepgramRecognizer opens Deepgram live transcription streams
type DeepgramRecognizer struct {
	apiKey string
	model  string
	logger zerolog.Logger
}

// NewDeepgramRecognizer creates a recognizer for the given key and model
func NewDeepgramRecognizer(apiKey, model string) *DeepgramRecognizer {
	return &DeepgramRecognizer{
		apiKey: apiKey,
		model:  model,
		logger: observability.Component("deepgram"),
	}
}

// Open starts a new live transcription call
func (d *DeepgramRecognizer) Open(ctx context.Context, opts StreamOptions) (Stream, error) {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       opts.Language,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       opts.Channels,
		SampleRate:     opts.SampleRate,
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &deepgramStream{
		events: make(chan Event, 100),
		cancel: cancel,
		logger: d.logger.With().Str("language", opts.Language).Logger(),
	}
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		stream:                 s,
	}

	client, err := listenClient.NewWSUsingCallback(streamCtx, d.apiKey, nil, tOptions, callback)
	if err != nil {
		cancel()
		return nil, resilience.NewPermanentError(fmt.Errorf("failed to create Deepgram client: %w", err))
	}
	if !client.Connect() {
		cancel()
		return nil, resilience.NewRetryableError(errors.New("failed to connect to Deepgram"))
	}
	s.client = client

	d.logger.Info().Str("model", d.model).Str("language", opts.Language).Msg("Deepgram stream opened")
	return s, nil
}

type deepgramStream struct {
	client *listenClient.WSCallback
	cancel context.CancelFunc
	logger zerolog.Logger

	mu       sync.Mutex
	closed   bool
	finished bool
	err      error
	events   chan Event
}

func (s *deepgramStream) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}
	now := time.Now()
	if len(msg.Channel.Alternatives) == 0 {
		s.emit(Event{Type: EventActivity, ReceivedAt: now})
		return
	}

	alt := msg.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		s.emit(Event{Type: EventActivity, ReceivedAt: now})
		return
	}

	startTime := msg.Start
	duration := msg.Duration
	if len(alt.Words) > 0 && duration == 0 {
		startTime = alt.Words[0].Start
		duration = alt.Words[len(alt.Words)-1].End - startTime
	}

	s.emit(Event{
		Type:       EventTranscript,
		Text:       alt.Transcript,
		IsFinal:    msg.IsFinal,
		Confidence: alt.Confidence,
		StartTime:  startTime,
		Duration:   duration,
		ReceivedAt: now,
	})
}

func (s *deepgramStream) handleError(er *msginterfaces.ErrorResponse) {
	detail := fmt.Sprintf("%+v", er)
	s.logger.Error().Str("detail", detail).Msg("Deepgram error")
	observability.RecordError("upstream", "deepgram")

	err := resilience.NewRetryableError(fmt.Errorf("deepgram error: %s", detail))
	lower := strings.ToLower(detail)
	if strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "403") {
		err = resilience.NewPermanentError(fmt.Errorf("deepgram rejected credentials: %s", detail))
	}
	s.finish(err)
}

// emit never blocks the SDK's read loop
func (s *deepgramStream) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn().Msg("Event channel full, dropping recognizer event")
	}
}

func (s *deepgramStream) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
	s.mu.Unlock()
	s.cancel()
}

func (s *deepgramStream) Send(audio []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStreamClosed
	}
	if _, err := s.client.Write(audio); err != nil {
		return resilience.NewRetryableError(fmt.Errorf("failed to send audio to Deepgram: %w", err))
	}
	return nil
}

func (s *deepgramStream) Events() <-chan Event {
	return s.events
}

func (s *deepgramStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *deepgramStream) Close() error {
	s.mu.Lock()
	alreadyClosed := s.closed
	finished := s.finished
	s.finished = true
	s.mu.Unlock()

	if !finished {
		// Finish tells Deepgram to flush and closes the socket
		s.client.Finish()
	}
	if !alreadyClosed {
		s.finish(nil)
		s.logger.Info().Msg("Deepgram stream closed")
	}
	return nil
}
