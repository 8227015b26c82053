package protocol

import (
	"encoding/json"
	"strings"

	"github.com/lexiqai/livecaption/internal/transcript"
)

// Caption message types
const (
	CaptionSegment = "segment"
	CaptionNewTalk = "new_talk"
	CaptionWelcome = "welcome"
	CaptionHello   = "hello"
)

// CaptionEvent is one websocket text message sent to caption clients
type CaptionEvent struct {
	Type       string `json:"type"`
	Language   string `json:"language,omitempty"`
	Text       string `json:"text,omitempty"`
	Generation uint64 `json:"generation,omitempty"`
	Seq        uint64 `json:"seq,omitempty"`
	Final      bool   `json:"final"`
	Timestamp  int64  `json:"timestamp"`
}

// CaptionWelcomeEvent tells a new caption client what it joined
type CaptionWelcomeEvent struct {
	Type      string   `json:"type"`
	ID        string   `json:"id"`
	Source    string   `json:"source"`
	Languages []string `json:"languages"`
}

// CaptionHelloMessage may be sent by a caption client to change its languages
type CaptionHelloMessage struct {
	Type      string   `json:"type"`
	Languages []string `json:"languages"`
}

// CaptionFromMessage renders a hub message for caption clients
func CaptionFromMessage(msg transcript.Message) CaptionEvent {
	ev := CaptionEvent{
		Type:       CaptionSegment,
		Language:   msg.Language,
		Text:       msg.Text,
		Generation: msg.Generation,
		Seq:        msg.Seq,
		Final:      msg.IsFinal,
		Timestamp:  unixMilli(msg.Timestamp),
	}
	if msg.Kind == transcript.KindNewTalk {
		ev.Type = CaptionNewTalk
		ev.Text = ""
	}
	return ev
}

// ParseCaptionHello decodes a client hello; other message types return ok=false
func ParseCaptionHello(data []byte) (CaptionHelloMessage, bool) {
	var hello CaptionHelloMessage
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != CaptionHello {
		return CaptionHelloMessage{}, false
	}
	return hello, true
}

// ParseLanguageList splits a comma separated list such as "es,fr", lowercasing and de-duplicating
func ParseLanguageList(raw string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		code := strings.ToLower(strings.TrimSpace(part))
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	return out
}
