package stt

import (
	"context"
	"time"
)

// EventType distinguishes recognizer events
type EventType int

const (
	// EventTranscript carries recognized text (interim or final)
	EventTranscript EventType = iota
	// EventActivity is any other sign of life from the recognizer
	EventActivity
)

// Event is one response from the recognition service
type Event struct {
	Type       EventType
	Text       string
	IsFinal    bool
	Confidence float64
	StartTime  float64 // seconds from stream start
	Duration   float64
	ReceivedAt time.Time
}

// StreamOptions configures one recognition stream
type StreamOptions struct {
	Language   string
	SampleRate int
	Channels   int
}

// Stream is one open, billed recognition call
type Stream interface {
	// Send forwards one chunk of linear16 audio
	Send(audio []byte) error

	// Events delivers recognizer responses; closed once the stream has ended
	Events() <-chan Event

	// Err reports why the stream ended, nil for a requested close
	Err() error

	// Close ends the call; safe to call more than once
	Close() error
}

// Recognizer opens recognition streams
type Recognizer interface {
	Open(ctx context.Context, opts StreamOptions) (Stream, error)
}
