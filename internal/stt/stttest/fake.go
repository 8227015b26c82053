// Package stttest provides an in-memory recognizer for tests.
package stttest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lexiqai/livecaption/internal/stt"
)

// Recognizer records every Open and hands out controllable streams
type Recognizer struct {
	mu       sync.Mutex
	streams  []*Stream
	opened   chan *Stream
	failures []error // returned by the next Open calls, in order
}

// NewRecognizer creates a fake recognizer
func NewRecognizer() *Recognizer {
	return &Recognizer{opened: make(chan *Stream, 64)}
}

// FailNext makes the next Open calls fail with errs, in order
func (r *Recognizer) FailNext(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, errs...)
}

// Open implements stt.Recognizer
func (r *Recognizer) Open(ctx context.Context, opts stt.StreamOptions) (stt.Stream, error) {
	r.mu.Lock()
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		r.mu.Unlock()
		return nil, err
	}
	s := &Stream{Options: opts, events: make(chan stt.Event, 64)}
	r.streams = append(r.streams, s)
	r.mu.Unlock()

	r.opened <- s
	return s, nil
}

// Opened delivers streams as they are opened
func (r *Recognizer) Opened() <-chan *Stream {
	return r.opened
}

// Count returns how many streams were opened
func (r *Recognizer) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// WaitOpen waits for the next opened stream
func (r *Recognizer) WaitOpen(timeout time.Duration) (*Stream, error) {
	select {
	case s := <-r.opened:
		return s, nil
	case <-time.After(timeout):
		return nil, errors.New("timed out waiting for a stream to open")
	}
}

// Stream is a controllable stt.Stream
type Stream struct {
	Options stt.StreamOptions

	mu     sync.Mutex
	sent   [][]byte
	closed bool
	err    error
	events chan stt.Event
}

// Send implements stt.Stream
func (s *Stream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrStreamClosed
	}
	s.sent = append(s.sent, audio)
	return nil
}

// Events implements stt.Stream
func (s *Stream) Events() <-chan stt.Event {
	return s.events
}

// Err implements stt.Stream
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements stt.Stream
func (s *Stream) Close() error {
	s.End(nil)
	return nil
}

// End terminates the stream as if the upstream ended it with err
func (s *Stream) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}

// Emit pushes a transcript event; it is a no-op on a closed stream
func (s *Stream) Emit(text string, final bool) {
	s.push(stt.Event{Type: stt.EventTranscript, Text: text, IsFinal: final, ReceivedAt: time.Now()})
}

// Activity pushes a non-transcript event
func (s *Stream) Activity() {
	s.push(stt.Event{Type: stt.EventActivity, ReceivedAt: time.Now()})
}

func (s *Stream) push(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Closed reports whether the stream was closed
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SentBytes returns the total audio bytes received
func (s *Stream) SentBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.sent {
		n += len(b)
	}
	return n
}
