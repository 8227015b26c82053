// Package protocol holds the wire formats spoken to subscribers: binary-framed
// JSON for playback devices and plain JSON messages for caption websockets.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/lexiqai/livecaption/internal/transcript"
)

// Frame types
const (
	FrameHello   = 0x01
	FrameSegment = 0x02
	FrameNewTalk = 0x03
	FramePing    = 0x04
)

// Frame flags
const (
	FlagFinal = 0x01
	FlagAudio = 0x02
)

const (
	// HeaderSize is [Type:1][Flags:1][BodyLen:4]
	HeaderSize = 6
	// MaxBodySize bounds a single frame (speech audio included)
	MaxBodySize = 8 << 20
)

// Header is the fixed frame header, big-endian
type Header struct {
	Type    uint8
	Flags   uint8
	BodyLen uint32
}

// DeviceBody is the JSON body of every device frame
type DeviceBody struct {
	Language    string `json:"language_code"`
	Port        int    `json:"port,omitempty"`
	Generation  uint64 `json:"generation,omitempty"`
	Seq         uint64 `json:"seq,omitempty"`
	Text        string `json:"text,omitempty"`
	Final       bool   `json:"is_final,omitempty"`
	Timestamp   int64  `json:"timestamp"` // unix milliseconds
	AudioData   []byte `json:"audio_data,omitempty"`
	AudioFormat string `json:"audio_format,omitempty"`
}

// Frame is one decoded device frame
type Frame struct {
	Header Header
	Body   DeviceBody
}

// ParseHeader parses the fixed frame header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}
	h := &Header{
		Type:    data[0],
		Flags:   data[1],
		BodyLen: binary.BigEndian.Uint32(data[2:6]),
	}
	if err := ValidateHeader(h); err != nil {
		return nil, err
	}
	return h, nil
}

// ValidateHeader validates the header fields
func ValidateHeader(h *Header) error {
	if !IsValidFrameType(h.Type) {
		return fmt.Errorf("invalid frame type: 0x%02x", h.Type)
	}
	if h.BodyLen > MaxBodySize {
		return fmt.Errorf("frame body too large: %d bytes (max %d)", h.BodyLen, MaxBodySize)
	}
	return nil
}

// IsValidFrameType checks if the frame type is known
func IsValidFrameType(t uint8) bool {
	return t >= FrameHello && t <= FramePing
}

// Encode serializes a frame
func Encode(frameType, flags uint8, body DeviceBody) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame body: %w", err)
	}
	if len(payload) > MaxBodySize {
		return nil, fmt.Errorf("frame body too large: %d bytes", len(payload))
	}

	out := make([]byte, HeaderSize+len(payload))
	out[0] = frameType
	out[1] = flags
	binary.BigEndian.PutUint32(out[2:6], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// ReadFrame reads exactly one frame from r
func ReadFrame(r io.Reader) (*Frame, error) {
	head := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	h, err := ParseHeader(head)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}

	f := &Frame{Header: *h}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &f.Body); err != nil {
			return nil, fmt.Errorf("invalid frame body: %w", err)
		}
	}
	return f, nil
}

// EncodeMessage renders a hub message as a device frame
func EncodeMessage(msg transcript.Message) ([]byte, error) {
	body := DeviceBody{
		Language:   msg.Language,
		Generation: msg.Generation,
		Seq:        msg.Seq,
		Text:       msg.Text,
		Final:      msg.IsFinal,
		Timestamp:  unixMilli(msg.Timestamp),
	}

	switch msg.Kind {
	case transcript.KindNewTalk:
		return Encode(FrameNewTalk, 0, body)
	default:
		var flags uint8
		if msg.IsFinal {
			flags |= FlagFinal
		}
		if len(msg.Audio) > 0 {
			flags |= FlagAudio
			body.AudioData = msg.Audio
			body.AudioFormat = msg.AudioFormat
		}
		return Encode(FrameSegment, flags, body)
	}
}

// EncodeHello renders the greeting sent right after a device connects
func EncodeHello(language string, port int, at time.Time) ([]byte, error) {
	return Encode(FrameHello, 0, DeviceBody{Language: language, Port: port, Timestamp: unixMilli(at)})
}

// EncodePing renders a heartbeat frame. Devices answer each one with a ping of
// their own; a device that stays silent is eventually dropped.
func EncodePing(language string, at time.Time) ([]byte, error) {
	return Encode(FramePing, 0, DeviceBody{Language: language, Timestamp: unixMilli(at)})
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
