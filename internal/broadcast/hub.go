package broadcast

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// LocalHub is an in-process Transport. Delivery is synchronous and runs the
// receiving handlers on the sender's goroutine.
type LocalHub struct {
	mu     sync.Mutex
	topics map[string]*hubTopic
}

type hubTopic struct {
	members  map[string]*hubChannel
	presence map[string][]Presence
}

func NewLocalHub() *LocalHub {
	return &LocalHub{topics: make(map[string]*hubTopic)}
}

func (h *LocalHub) Channel(topic string) Channel {
	return &hubChannel{
		hub:      h,
		topic:    topic,
		key:      uuid.NewString(),
		handlers: make(map[string][]func(json.RawMessage)),
	}
}

// Members returns how many channels are subscribed to topic.
func (h *LocalHub) Members(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[topic]; ok {
		return len(t.members)
	}
	return 0
}

type hubChannel struct {
	hub   *LocalHub
	topic string
	key   string

	// guarded by hub.mu
	handlers   map[string][]func(json.RawMessage)
	syncs      []func()
	subscribed bool
	closed     bool
}

func (c *hubChannel) Subscribe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	t, ok := c.hub.topics[c.topic]
	if !ok {
		t = &hubTopic{
			members:  make(map[string]*hubChannel),
			presence: make(map[string][]Presence),
		}
		c.hub.topics[c.topic] = t
	}
	t.members[c.key] = c
	c.subscribed = true
	return nil
}

func (c *hubChannel) Send(ctx context.Context, event string, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.hub.mu.Lock()
	if err := c.ready(); err != nil {
		c.hub.mu.Unlock()
		return err
	}
	var targets []func(json.RawMessage)
	for key, m := range c.hub.topics[c.topic].members {
		if key == c.key {
			continue
		}
		targets = append(targets, m.handlers[event]...)
	}
	c.hub.mu.Unlock()

	for _, fn := range targets {
		fn(slices.Clone(payload))
	}
	return nil
}

func (c *hubChannel) On(event string, fn func(json.RawMessage)) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

func (c *hubChannel) OnPresenceSync(fn func()) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.syncs = append(c.syncs, fn)
}

func (c *hubChannel) Track(ctx context.Context, p Presence) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.hub.mu.Lock()
	if err := c.ready(); err != nil {
		c.hub.mu.Unlock()
		return err
	}
	t := c.hub.topics[c.topic]
	t.presence[c.key] = []Presence{p}
	syncs := t.syncHandlers()
	c.hub.mu.Unlock()

	for _, fn := range syncs {
		fn()
	}
	return nil
}

func (c *hubChannel) PresenceState() map[string][]Presence {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	t, ok := c.hub.topics[c.topic]
	if !ok {
		return map[string][]Presence{}
	}
	state := make(map[string][]Presence, len(t.presence))
	for k, v := range t.presence {
		state[k] = slices.Clone(v)
	}
	return state
}

func (c *hubChannel) Unsubscribe(ctx context.Context) error {
	c.hub.mu.Lock()
	if c.closed {
		c.hub.mu.Unlock()
		return nil
	}
	c.closed = true

	var syncs []func()
	if t, ok := c.hub.topics[c.topic]; ok && c.subscribed {
		delete(t.members, c.key)
		_, tracked := t.presence[c.key]
		delete(t.presence, c.key)
		if len(t.members) == 0 {
			delete(c.hub.topics, c.topic)
		} else if tracked {
			syncs = t.syncHandlers()
		}
	}
	c.subscribed = false
	c.hub.mu.Unlock()

	for _, fn := range syncs {
		fn()
	}
	return nil
}

// ready must be called with hub.mu held.
func (c *hubChannel) ready() error {
	if c.closed {
		return ErrChannelClosed
	}
	if !c.subscribed {
		return ErrNotSubscribed
	}
	return nil
}

func (t *hubTopic) syncHandlers() []func() {
	var out []func()
	for _, key := range slices.Sorted(maps.Keys(t.members)) {
		out = append(out, t.members[key].syncs...)
	}
	return out
}
