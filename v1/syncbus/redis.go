package syncbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	zlerrors "github.com/mirkobrombin/go-zlock/v1/errors"
)

const redisBusTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-zlock/v1/syncbus")

// RedisBus implements Bus on Redis pub/sub. One PubSub connection is kept
// per topic with local subscribers.
type RedisBus struct {
	hub
	client *redis.Client
	log    *slog.Logger

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// RedisOption configures a RedisBus.
type RedisOption func(*RedisBus)

// WithRedisLogger sets the logger used for dispatch failures.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(b *RedisBus) {
		b.log = l
	}
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client *redis.Client, opts ...RedisOption) *RedisBus {
	b := &RedisBus{
		hub:    newHub(),
		client: client,
		log:    slog.Default(),
		subs:   make(map[string]*redis.PubSub),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return zlerrors.ErrTimeout
	case errors.Is(err, redis.ErrClosed):
		return zlerrors.ErrConnectionClosed
	}
	return err
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string, data []byte) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("zlock.bus.topic", topic)))
	defer span.End()
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, topic, data).Err(); err != nil {
		span.RecordError(err)
		return mapRedisErr(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis confirmed the
// subscription, so nothing published afterwards is missed.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapRedisErr(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic]; !ok {
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		ps := b.client.Subscribe(cctx, topic)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			return nil, mapRedisErr(err)
		}
		b.subs[topic] = ps
		go b.dispatch(topic, ps)
	}
	s, _ := b.add(topic)
	unsubscribeOnDone(ctx, b, topic, s.ch)
	return s.ch, nil
}

func (b *RedisBus) dispatch(topic string, ps *redis.PubSub) {
	ctx := context.Background()
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if errors.Is(err, redis.ErrClosed) {
			return
		}
		if err != nil {
			// PubSub reconnects and resubscribes on the next receive.
			b.log.Warn("syncbus: redis receive failed", "topic", topic, "err", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		b.deliver(ctx, topic, []byte(msg.Payload))
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch <-chan []byte) error {
	b.mu.Lock()
	found, last := b.remove(topic, ch)
	if !found || !last {
		b.mu.Unlock()
		return nil
	}
	ps := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	return mapRedisErr(ps.Close())
}

// Close stops every subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*redis.PubSub)
	b.mu.Unlock()
	for _, ps := range subs {
		_ = ps.Close()
	}
	b.closeAll()
	return nil
}
