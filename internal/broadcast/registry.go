package broadcast

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lexiqai/livecaption/internal/observability"
	"github.com/lexiqai/livecaption/internal/transcript"
)

// Channel is one broadcast destination: a language, or the shared caption channel.
// Hotness is derived from the subscriber set and changes only through the registry.
type Channel struct {
	code    string
	name    string
	port    int
	caption bool

	mu   sync.RWMutex
	subs map[string]Subscriber
	last transcript.Position
}

// Code returns the channel code
func (c *Channel) Code() string { return c.code }

// Port returns the listening port assigned to the channel
func (c *Channel) Port() int { return c.port }

// Len returns the current subscriber count
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// snapshot copies the subscriber set so fan-out runs without the lock
func (c *Channel) snapshot() []Subscriber {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	return out
}

// advance moves the delivery cursor forward. It reports false when pos is
// not strictly after the last delivered position.
func (c *Channel) advance(pos transcript.Position) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !pos.After(c.last) {
		return false
	}
	c.last = pos
	return true
}

// ChannelInfo is a read-only view used for discovery and the operator display
type ChannelInfo struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Port        int    `json:"port"`
	Hot         bool   `json:"hot"`
	Subscribers int    `json:"subscribers"`
}

// Registry maps channel codes to channels and is the single source of truth for hotness
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	order    []string
	ports    map[int]string

	hotLanguages atomic.Int32
	captionSubs  atomic.Int32
	changed      chan struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]*Channel),
		ports:    make(map[int]string),
		changed:  make(chan struct{}, 1),
	}
}

// Register adds a language channel. Codes and ports must be unique.
func (r *Registry) Register(code, name string, port int) error {
	if code == CaptionChannel {
		return fmt.Errorf("%w: %q is reserved", ErrDuplicateChannel, code)
	}
	return r.register(code, name, port, false)
}

// RegisterCaption adds the shared caption channel
func (r *Registry) RegisterCaption(port int) error {
	return r.register(CaptionChannel, "Live captions", port, true)
}

func (r *Registry) register(code, name string, port int, caption bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[code]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateChannel, code)
	}
	if owner, ok := r.ports[port]; ok {
		return fmt.Errorf("%w: %d is used by %q", ErrPortCollision, port, owner)
	}

	r.channels[code] = &Channel{
		code:    code,
		name:    name,
		port:    port,
		caption: caption,
		subs:    make(map[string]Subscriber),
	}
	r.ports[port] = code
	if !caption {
		r.order = append(r.order, code)
	}
	observability.SetChannelSubscribers(code, 0)
	return nil
}

// Channel looks up a channel by code
func (r *Registry) Channel(code string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[code]
	return c, ok
}

// Languages returns the language channel codes in registration order
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Ports maps each language channel to its device port
func (r *Registry) Ports() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.order))
	for _, code := range r.order {
		out[code] = r.channels[code].port
	}
	return out
}

// AddSubscriber joins sub to a channel. Adding the same id twice is a no-op.
func (r *Registry) AddSubscriber(code string, sub Subscriber) error {
	c, ok := r.Channel(code)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, code)
	}

	c.mu.Lock()
	if _, exists := c.subs[sub.ID()]; exists {
		c.mu.Unlock()
		return nil
	}
	c.subs[sub.ID()] = sub
	n := len(c.subs)
	c.mu.Unlock()

	observability.SetChannelSubscribers(code, n)
	if n == 1 {
		r.becameHot(c)
	}
	return nil
}

// RemoveSubscriber removes a subscriber and reports whether it was present
func (r *Registry) RemoveSubscriber(code, id string) bool {
	c, ok := r.Channel(code)
	if !ok {
		return false
	}

	c.mu.Lock()
	if _, exists := c.subs[id]; !exists {
		c.mu.Unlock()
		return false
	}
	delete(c.subs, id)
	n := len(c.subs)
	c.mu.Unlock()

	observability.SetChannelSubscribers(code, n)
	if n == 0 {
		r.becameCold(c)
	}
	return true
}

func (r *Registry) becameHot(c *Channel) {
	if c.caption {
		r.captionSubs.Add(1)
	} else {
		observability.SetHotChannels(int(r.hotLanguages.Add(1)))
	}
	r.notify()
}

func (r *Registry) becameCold(c *Channel) {
	if c.caption {
		r.captionSubs.Add(-1)
	} else {
		observability.SetHotChannels(int(r.hotLanguages.Add(-1)))
	}
	r.notify()
}

func (r *Registry) notify() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// Changed signals (coalesced) whenever a channel turns hot or cold
func (r *Registry) Changed() <-chan struct{} {
	return r.changed
}

// IsHot reports whether a channel has at least one subscriber
func (r *Registry) IsHot(code string) bool {
	c, ok := r.Channel(code)
	if !ok {
		return false
	}
	return c.Len() > 0
}

// HotLanguages returns the number of hot language channels
func (r *Registry) HotLanguages() int {
	return int(r.hotLanguages.Load())
}

// HasDemand reports whether any language channel or the caption channel is hot
func (r *Registry) HasDemand() bool {
	return r.hotLanguages.Load() > 0 || r.captionSubs.Load() > 0
}

// List returns every channel, language channels in port order then the caption channel
func (r *Registry) List() []ChannelInfo {
	r.mu.RLock()
	channels := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		channels = append(channels, c)
	}
	r.mu.RUnlock()

	sort.Slice(channels, func(i, j int) bool {
		if channels[i].caption != channels[j].caption {
			return !channels[i].caption
		}
		return channels[i].port < channels[j].port
	})

	out := make([]ChannelInfo, 0, len(channels))
	for _, c := range channels {
		n := c.Len()
		out = append(out, ChannelInfo{Code: c.code, Name: c.name, Port: c.port, Hot: n > 0, Subscribers: n})
	}
	return out
}
