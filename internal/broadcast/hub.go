package broadcast

import (
	"github.com/rs/zerolog"

	"github.com/lexiqai/livecaption/internal/observability"
	"github.com/lexiqai/livecaption/internal/transcript"
)

// Hub fans messages out to channel subscribers without blocking on any of them
type Hub struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewHub creates a hub over registry
func NewHub(registry *Registry) *Hub {
	return &Hub{
		registry: registry,
		logger:   observability.Component("hub"),
	}
}

// Deliver hands msg to every subscriber of channel code and returns how many
// received it. Segment messages older than the channel's last delivery are dropped.
func (h *Hub) Deliver(code string, msg transcript.Message) int {
	return h.DeliverFiltered(code, msg, nil)
}

// DeliverFiltered is Deliver restricted to subscribers accepted by filter
func (h *Hub) DeliverFiltered(code string, msg transcript.Message, filter Filter) int {
	c, ok := h.registry.Channel(code)
	if !ok {
		h.logger.Warn().Str("channel", code).Msg("Delivery to unknown channel")
		return 0
	}

	if msg.Kind == transcript.KindSegment && !c.advance(msg.Position()) {
		observability.RecordDropped(code, "stale_seq")
		h.logger.Debug().
			Str("channel", code).
			Uint64("generation", msg.Generation).
			Uint64("seq", msg.Seq).
			Msg("Dropping out-of-order message")
		return 0
	}

	delivered := 0
	for _, sub := range c.snapshot() {
		if filter != nil && !filter(sub) {
			continue
		}
		h.enqueue(code, sub, msg)
		delivered++
	}
	return delivered
}

// Broadcast sends a marker to every hot language channel and the caption channel.
// A subscriber present on several channels receives it once. Devices get the
// marker stamped with their channel language; caption clients get it unstamped.
func (h *Hub) Broadcast(msg transcript.Message) int {
	seen := make(map[string]bool)
	codes := append(h.registry.Languages(), CaptionChannel)

	delivered := 0
	for _, code := range codes {
		c, ok := h.registry.Channel(code)
		if !ok {
			continue
		}
		for _, sub := range c.snapshot() {
			if seen[sub.ID()] {
				continue
			}
			seen[sub.ID()] = true
			m := msg
			if m.Language == "" && sub.Kind() != CaptionStream {
				m.Language = code
			}
			h.enqueue(code, sub, m)
			delivered++
		}
	}
	return delivered
}

func (h *Hub) enqueue(code string, sub Subscriber, msg transcript.Message) {
	if !sub.Enqueue(msg) {
		observability.RecordDropped(code, "overflow")
	}
	observability.RecordDelivered(code)
}
