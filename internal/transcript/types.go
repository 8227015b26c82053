// Package transcript defines the recognized text units that flow from the
// recognition session through translation to subscribers.
package transcript

import "time"

// Segment is one recognized piece of text. Immutable once created.
type Segment struct {
	Generation     uint64 // recognition stream that produced it
	Seq            uint64 // strictly increasing within a generation, starts at 1
	SourceLanguage string
	Text           string
	Timestamp      time.Time
	IsFinal        bool
}

// Position returns the ordering key of the segment
func (s Segment) Position() Position {
	return Position{Generation: s.Generation, Seq: s.Seq}
}

// Position orders segments across stream restarts
type Position struct {
	Generation uint64
	Seq        uint64
}

// After reports whether p is strictly later than other
func (p Position) After(other Position) bool {
	if p.Generation != other.Generation {
		return p.Generation > other.Generation
	}
	return p.Seq > other.Seq
}

// IsZero reports whether nothing has been delivered yet
func (p Position) IsZero() bool {
	return p.Generation == 0 && p.Seq == 0
}

// Kind distinguishes hub payloads
type Kind int

const (
	KindSegment Kind = iota
	KindNewTalk
)

func (k Kind) String() string {
	switch k {
	case KindSegment:
		return "segment"
	case KindNewTalk:
		return "new_talk"
	}
	return "unknown"
}

// Message is what the hub hands to subscribers: a translated (or source)
// segment for one language, or a new-talk marker.
type Message struct {
	Kind       Kind
	Language   string
	Generation uint64
	Seq        uint64
	Text       string
	IsFinal    bool
	Timestamp  time.Time

	// Optional synthesized speech for device subscribers
	Audio       []byte
	AudioFormat string
}

// Position returns the ordering key of the message
func (m Message) Position() Position {
	return Position{Generation: m.Generation, Seq: m.Seq}
}

// FromSegment builds the message carrying seg rendered as text in language
func FromSegment(seg Segment, language, text string) Message {
	return Message{
		Kind:       KindSegment,
		Language:   language,
		Generation: seg.Generation,
		Seq:        seg.Seq,
		Text:       text,
		IsFinal:    seg.IsFinal,
		Timestamp:  seg.Timestamp,
	}
}

// NewTalk builds a new-talk marker
func NewTalk(at time.Time) Message {
	return Message{Kind: KindNewTalk, Timestamp: at}
}
