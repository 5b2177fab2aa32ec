package syncbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the position of a CircuitBreakerBus.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerBus decorates a Bus so that publishes fail fast with
// ErrCircuitOpen after threshold consecutive failures. After timeout a
// single probe is let through; its outcome closes or reopens the breaker.
type CircuitBreakerBus struct {
	bus       Bus
	threshold int
	timeout   time.Duration
	log       *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// BreakerOption configures a CircuitBreakerBus.
type BreakerOption func(*CircuitBreakerBus)

// WithBreakerLogger sets the logger used for state transitions.
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(cb *CircuitBreakerBus) {
		cb.log = l
	}
}

// WithBreakerClock overrides the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreakerBus) {
		cb.now = now
	}
}

// NewCircuitBreaker returns a new CircuitBreakerBus.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration, opts ...BreakerOption) *CircuitBreakerBus {
	cb := &CircuitBreakerBus{
		bus:       bus,
		threshold: threshold,
		timeout:   timeout,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// State returns the current breaker position.
func (cb *CircuitBreakerBus) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// IsHealthy reports whether a publish would currently be attempted.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state != BreakerOpen || cb.now().Sub(cb.openedAt) > cb.timeout
}

func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) > cb.timeout {
			cb.setState(BreakerHalfOpen)
			return true
		}
	}
	// Half-open: the probe is already in flight.
	return false
}

func (cb *CircuitBreakerBus) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.failures = 0
		if cb.state != BreakerClosed {
			cb.setState(BreakerClosed)
		}
		return
	}
	cb.failures++
	if cb.state == BreakerHalfOpen || cb.failures >= cb.threshold {
		cb.openedAt = cb.now()
		if cb.state != BreakerOpen {
			cb.setState(BreakerOpen)
		}
	}
}

func (cb *CircuitBreakerBus) setState(s BreakerState) {
	cb.log.Info("syncbus: circuit breaker state changed", "from", cb.state, "to", s, "failures", cb.failures)
	cb.state = s
}

// Publish implements Bus.Publish with circuit breaker logic.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, topic string, data []byte) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, topic, data)
	cb.record(err)
	return err
}

// Subscribe implements Bus.Subscribe. Subscriptions bypass the breaker.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	return cb.bus.Subscribe(ctx, topic)
}

// Unsubscribe implements Bus.Unsubscribe.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, topic string, ch <-chan []byte) error {
	return cb.bus.Unsubscribe(ctx, topic, ch)
}

// Metrics returns the metrics of the decorated bus.
func (cb *CircuitBreakerBus) Metrics() Metrics {
	return cb.bus.Metrics()
}
