package syncbus

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	hub
	conn *nats.Conn

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		hub:  newHub(),
		conn: conn,
		subs: make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish. It flushes so the message reached the
// server before returning.
func (b *NATSBus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := b.conn.Publish(topic, data); err != nil {
		return err
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic]; !ok {
		ns, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
			b.deliver(context.Background(), topic, msg.Data)
		})
		if err != nil {
			return nil, err
		}
		// The server must know the interest before a publish can match it.
		if err := b.conn.FlushWithContext(ctx); err != nil {
			_ = ns.Unsubscribe()
			return nil, err
		}
		b.subs[topic] = ns
	}
	s, _ := b.add(topic)
	unsubscribeOnDone(ctx, b, topic, s.ch)
	return s.ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch <-chan []byte) error {
	b.mu.Lock()
	found, last := b.remove(topic, ch)
	if !found || !last {
		b.mu.Unlock()
		return nil
	}
	ns := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()
	if ns == nil {
		return nil
	}
	return ns.Unsubscribe()
}
