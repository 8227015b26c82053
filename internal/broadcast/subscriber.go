// Package broadcast keeps the language channels, their subscribers, and the
// non-blocking fan-out of messages to them.
package broadcast

import (
	"errors"

	"github.com/lexiqai/livecaption/internal/transcript"
)

// CaptionChannel is the reserved code of the shared web caption channel
const CaptionChannel = "caption"

var (
	ErrDuplicateChannel = errors.New("duplicate channel")
	ErrPortCollision    = errors.New("port already assigned")
	ErrUnknownChannel   = errors.New("unknown channel")
)

// Kind is the closed set of subscriber variants
type Kind int

const (
	DeviceAudio Kind = iota
	CaptionStream
)

func (k Kind) String() string {
	switch k {
	case DeviceAudio:
		return "device"
	case CaptionStream:
		return "caption"
	}
	return "unknown"
}

// Subscriber receives messages from the hub. Enqueue must never block;
// it returns false when an older queued message had to be dropped.
type Subscriber interface {
	ID() string
	Kind() Kind
	Enqueue(msg transcript.Message) bool
}

// Filter selects which subscribers of a channel receive a message
type Filter func(Subscriber) bool

// ExcludeKind returns a filter that skips subscribers of kind k
func ExcludeKind(k Kind) Filter {
	return func(s Subscriber) bool { return s.Kind() != k }
}
