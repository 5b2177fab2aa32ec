// Package syncbus carries opaque payloads between processes on named
// topics. The Redis coordination store publishes node change events on it
// so that every session can fire its watches.
//
// Unlike a cache invalidation bus, delivery here never drops a message to
// a live subscriber: a slow subscriber applies backpressure to the
// dispatcher until it drains its channel or unsubscribes.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// subscriberBuffer is the channel capacity given to every subscriber.
const subscriberBuffer = 64

// Bus provides topic based pub/sub.
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe returns a channel receiving every payload published on
	// topic after the call returns. The channel is closed by Unsubscribe or
	// when ctx ends.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	Unsubscribe(ctx context.Context, topic string, ch <-chan []byte) error
	Metrics() Metrics
}

// Metrics counts messages published by and delivered through a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

type subscriber struct {
	ch   chan []byte
	quit chan struct{}
	once sync.Once

	mu     sync.RWMutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan []byte, subscriberBuffer), quit: make(chan struct{})}
}

// send blocks until the payload is queued, the subscriber goes away or ctx
// ends.
func (s *subscriber) send(ctx context.Context, data []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- data:
		return true
	case <-s.quit:
	case <-ctx.Done():
	}
	return false
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.quit)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// hub keeps the local subscribers of every topic. Backends embed it and
// feed it from their transport.
type hub struct {
	mu        sync.Mutex
	topics    map[string][]*subscriber
	published atomic.Uint64
	delivered atomic.Uint64
}

func newHub() hub {
	return hub{topics: make(map[string][]*subscriber)}
}

// add registers a subscriber and reports whether it is the first one on
// topic.
func (h *hub) add(topic string) (*subscriber, bool) {
	s := newSubscriber()
	h.mu.Lock()
	defer h.mu.Unlock()
	first := len(h.topics[topic]) == 0
	h.topics[topic] = append(h.topics[topic], s)
	return s, first
}

// remove closes the subscriber owning ch and reports whether topic has no
// subscribers left.
func (h *hub) remove(topic string, ch <-chan []byte) (found, last bool) {
	h.mu.Lock()
	subs := h.topics[topic]
	var gone *subscriber
	for i, s := range subs {
		if s.ch == ch {
			gone = s
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if gone == nil {
		h.mu.Unlock()
		return false, false
	}
	if len(subs) == 0 {
		delete(h.topics, topic)
	} else {
		h.topics[topic] = subs
	}
	h.mu.Unlock()
	gone.close()
	return true, len(subs) == 0
}

func (h *hub) deliver(ctx context.Context, topic string, data []byte) {
	h.mu.Lock()
	subs := append([]*subscriber(nil), h.topics[topic]...)
	h.mu.Unlock()
	for _, s := range subs {
		if s.send(ctx, data) {
			h.delivered.Add(1)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string][]*subscriber)
	h.mu.Unlock()
	for _, subs := range topics {
		for _, s := range subs {
			s.close()
		}
	}
}

// unsubscribeOnDone removes the subscription once ctx ends.
func unsubscribeOnDone(ctx context.Context, b Bus, topic string, ch <-chan []byte) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
}

// Metrics returns the published and delivered counts.
func (h *hub) Metrics() Metrics {
	return Metrics{
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
	}
}

// InMemoryBus delivers within the process. It is used by tests and by
// stores whose sessions all live in one process.
type InMemoryBus struct {
	hub
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{hub: newHub()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.deliver(ctx, topic, data)
	return ctx.Err()
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	s, _ := b.add(topic)
	unsubscribeOnDone(ctx, b, topic, s.ch)
	return s.ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch <-chan []byte) error {
	b.remove(topic, ch)
	return nil
}
