package stt

import (
	"testing"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"

	"github.com/lexiqai/livecaption/internal/observability"
	"github.com/lexiqai/livecaption/internal/resilience"
)

func newTestStream() *deepgramStream {
	return &deepgramStream{
		events: make(chan Event, 4),
		cancel: func() {},
		logger: observability.Component("deepgram-test"),
	}
}

func TestDeepgramStream_HandleMessage(t *testing.T) {
	s := newTestStream()

	s.handleMessage(&msginterfaces.MessageResponse{
		IsFinal: true,
		Channel: msginterfaces.Channel{
			Alternatives: []msginterfaces.Alternative{{Transcript: "good morning", Confidence: 0.93}},
		},
	})
	s.handleMessage(&msginterfaces.MessageResponse{
		Channel: msginterfaces.Channel{
			Alternatives: []msginterfaces.Alternative{{Transcript: "  "}},
		},
	})
	s.handleMessage(nil)

	ev := <-s.Events()
	if ev.Type != EventTranscript || ev.Text != "good morning" || !ev.IsFinal {
		t.Errorf("Unexpected transcript event: %+v", ev)
	}
	ev = <-s.Events()
	if ev.Type != EventActivity {
		t.Errorf("Expected empty transcript to count as activity, got %+v", ev)
	}
	select {
	case ev := <-s.Events():
		t.Errorf("Expected nil message to be ignored, got %+v", ev)
	default:
	}
}

func TestDeepgramStream_ErrorEndsStream(t *testing.T) {
	s := newTestStream()
	s.handleError(&msginterfaces.ErrorResponse{})

	if _, ok := <-s.Events(); ok {
		t.Error("Expected events channel to be closed")
	}
	if !resilience.IsRetryable(s.Err()) {
		t.Errorf("Expected retryable error, got %v", s.Err())
	}
	if err := s.Send([]byte{0, 0}); err != ErrStreamClosed {
		t.Errorf("Expected ErrStreamClosed, got %v", err)
	}

	// emitting after close must not panic
	s.emit(Event{Type: EventActivity})
}

func TestDeepgramStream_EmitDropsWhenFull(t *testing.T) {
	s := newTestStream()
	for i := 0; i < 10; i++ {
		s.emit(Event{Type: EventActivity})
	}
	if len(s.events) != cap(s.events) {
		t.Errorf("Expected channel to be full, got %d/%d", len(s.events), cap(s.events))
	}
}
