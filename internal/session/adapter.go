package session

import (
	"strings"
	"time"

	"github.com/lexiqai/livecaption/internal/stt"
	"github.com/lexiqai/livecaption/internal/transcript"
)

// Adapter turns recognizer events of one stream into ordered segments.
// It is reset with a new generation every time a stream opens.
type Adapter struct {
	generation uint64
	source     string
	seq        uint64
}

// Reset starts numbering for a new stream
func (a *Adapter) Reset(generation uint64, source string) {
	a.generation = generation
	a.source = source
	a.seq = 0
}

// Generation returns the generation segments are currently tagged with
func (a *Adapter) Generation() uint64 { return a.generation }

// Segment converts ev; ok is false for events that carry no text
func (a *Adapter) Segment(ev stt.Event) (transcript.Segment, bool) {
	if ev.Type != stt.EventTranscript {
		return transcript.Segment{}, false
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return transcript.Segment{}, false
	}
	ts := ev.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	a.seq++
	return transcript.Segment{
		Generation:     a.generation,
		Seq:            a.seq,
		SourceLanguage: a.source,
		Text:           text,
		Timestamp:      ts,
		IsFinal:        ev.IsFinal,
	}, true
}
