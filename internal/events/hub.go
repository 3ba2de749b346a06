package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is a payload delivered to a Subscription.
type Message struct {
	Channel string
	Payload string
}

// Subscription receives messages for the channels it was created with.
// Slow readers lose messages rather than block publishers.
type Subscription struct {
	channels map[string]bool
	msgs     chan *Message
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newSubscription(channels []string, buffer int) *Subscription {
	set := make(map[string]bool, len(channels))
	for _, ch := range channels {
		set[ch] = true
	}
	return &Subscription{
		channels: set,
		msgs:     make(chan *Message, buffer),
		done:     make(chan struct{}),
	}
}

// Channel returns the delivery channel. It is closed by Close.
func (s *Subscription) Channel() <-chan *Message {
	return s.msgs
}

func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
		close(s.msgs)
	}
	return nil
}

func (s *Subscription) deliver(msg *Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || !s.channels[msg.Channel] {
		return
	}
	select {
	case s.msgs <- msg:
	default:
	}
}

// Hub is an in-process pub/sub. It stands in for Redis in memory mode and
// in tests.
type Hub struct {
	channel string
	buffer  int

	mu          sync.RWMutex
	subscribers map[string][]*Subscription
}

var _ Publisher = (*Hub)(nil)

func NewHub(channel string) *Hub {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Hub{
		channel:     channel,
		buffer:      100,
		subscribers: make(map[string][]*Subscription),
	}
}

// Subscribe registers a subscription that lives until ctx ends or it is
// closed. No channels means the hub's event channel.
func (h *Hub) Subscribe(ctx context.Context, channels ...string) *Subscription {
	if len(channels) == 0 {
		channels = []string{h.channel}
	}
	sub := newSubscription(channels, h.buffer)

	h.mu.Lock()
	for _, ch := range channels {
		h.subscribers[ch] = append(h.subscribers[ch], sub)
	}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
		h.remove(sub, channels)
	}()
	return sub
}

func (h *Hub) remove(sub *Subscription, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range channels {
		subs := h.subscribers[ch]
		for i, s := range subs {
			if s == sub {
				h.subscribers[ch] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(h.subscribers[ch]) == 0 {
			delete(h.subscribers, ch)
		}
	}
}

// Send fans payload out to every subscriber of channel.
func (h *Hub) Send(channel, payload string) {
	h.mu.RLock()
	subs := make([]*Subscription, len(h.subscribers[channel]))
	copy(subs, h.subscribers[channel])
	h.mu.RUnlock()

	msg := &Message{Channel: channel, Payload: payload}
	for _, s := range subs {
		s.deliver(msg)
	}
}

// Publish encodes e as JSON onto the hub's channel.
func (h *Hub) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	h.Send(h.channel, string(data))
	return nil
}
