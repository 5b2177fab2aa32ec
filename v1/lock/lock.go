package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	zlerrors "github.com/mirkobrombin/go-zlock/v1/errors"
	"github.com/mirkobrombin/go-zlock/v1/metrics"
	"github.com/mirkobrombin/go-zlock/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-zlock/v1/lock")

const defaultOpTimeout = 10 * time.Second

var errAborted = errors.New("attempt aborted by unlock")

// Locker is the public surface shared by Fair and Unfair.
type Locker interface {
	// Lock blocks until the lock is held or the attempt fails.
	Lock(ctx context.Context) error
	// TryLock waits at most timeout. A timeout is reported as false with a
	// nil error.
	TryLock(ctx context.Context, timeout time.Duration) (bool, error)
	// Unlock releases a held lock or aborts a pending attempt.
	Unlock(ctx context.Context) error
}

// engine is the per-variant part of the protocol. Every method is called
// with handle.mu held.
type engine interface {
	mode() string
	// register runs REGISTERING and the first acquisition step. An error
	// means nothing was left in the store.
	register(ctx context.Context, att *attempt) error
	// advance reacts to a watch firing on att.watched.
	advance(att *attempt)
	// cleanupNode removes what att left in the store.
	cleanupNode(ctx context.Context, att *attempt) error
}

// Option configures a lock handle.
type Option func(*handle)

// WithACL sets the ACL applied to every node the handle creates.
func WithACL(acl []store.ACL) Option {
	return func(h *handle) {
		h.acl = acl
	}
}

// WithLogger sets the logger used for protocol messages.
func WithLogger(l *slog.Logger) Option {
	return func(h *handle) {
		h.log = l
	}
}

// WithOpTimeout bounds each store call issued from event callbacks and
// cleanup.
func WithOpTimeout(d time.Duration) Option {
	return func(h *handle) {
		h.opTimeout = d
	}
}

// WithTracing enables OpenTelemetry spans for Lock, TryLock and Unlock.
func WithTracing() Option {
	return func(h *handle) {
		h.traceEnabled = true
	}
}

// handle is the LockHandle shared by both variants: one lock path bound to
// one session.
type handle struct {
	store        store.Store
	path         string
	acl          []store.ACL
	eng          engine
	log          *slog.Logger
	opTimeout    time.Duration
	traceEnabled bool

	busy atomic.Bool

	mu   sync.Mutex
	att  *attempt
	// lost is the cause reported by the next Unlock after the session
	// ended while the lock was held.
	lost error

	removeListener func()
}

func newHandle(s store.Store, path string, opts []Option) *handle {
	h := &handle{
		store:     s,
		path:      path,
		acl:       store.OpenACL,
		log:       slog.Default(),
		opTimeout: defaultOpTimeout,
		att:       newAttempt(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *handle) listen() {
	h.removeListener = h.store.AddListener(sessionListener{h: h})
}

// Path returns the lock path.
func (h *handle) Path() string { return h.path }

// Held reports whether the handle currently holds the lock.
func (h *handle) Held() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.att.holdsLock
}

// Node returns the store path registered by the current attempt, or ""
// when no attempt is registered.
func (h *handle) Node() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.att.nodeID == "" {
		return ""
	}
	return h.att.nodePath
}

// Lock implements Locker.
func (h *handle) Lock(ctx context.Context) error {
	ctx, span := h.startSpan(ctx, "Lock.Lock")
	defer span.End()
	_, err := h.acquire(ctx, "lock", 0, false)
	h.endSpan(span, err == nil, err)
	return err
}

// TryLock implements Locker.
func (h *handle) TryLock(ctx context.Context, timeout time.Duration) (bool, error) {
	ctx, span := h.startSpan(ctx, "Lock.TryLock")
	defer span.End()
	ok, err := h.acquire(ctx, "trylock", timeout, true)
	h.endSpan(span, ok, err)
	return ok, err
}

// Unlock implements Locker. Without a registered attempt it returns a
// usage fault. A pending attempt is aborted: its waiter returns an
// interrupted fault. A held lock is released and the handle reset even if
// the release itself fails.
func (h *handle) Unlock(ctx context.Context) error {
	ctx, span := h.startSpan(ctx, "Lock.Unlock")
	defer span.End()
	err := h.unlock(ctx)
	h.endSpan(span, err == nil, err)
	return err
}

// Close aborts a pending attempt, releases a held lock and stops listening
// to session events.
func (h *handle) Close() error {
	h.mu.Lock()
	var err error
	switch {
	case h.att.holdsLock:
		err = h.releaseLocked(context.Background())
	case h.att.pending():
		h.att.aborted = true
		h.cancel(h.att, zlerrors.Interrupted(h.att.op, h.path, errAborted))
	}
	h.mu.Unlock()
	if h.removeListener != nil {
		h.removeListener()
	}
	return err
}

func (h *handle) acquire(ctx context.Context, op string, timeout time.Duration, bounded bool) (bool, error) {
	if !h.busy.CompareAndSwap(false, true) {
		return false, zlerrors.Usage(op, h.path, "another attempt is in progress on this handle")
	}
	defer h.busy.Store(false)

	if h.Held() {
		return false, zlerrors.Usage(op, h.path, "lock already held, unlock it first")
	}
	// May block while the session reconnects, so h.mu is not held.
	if err := h.store.EnsureConnected(ctx); err != nil {
		return false, zlerrors.Store(op, h.path, err)
	}

	h.mu.Lock()
	if h.att.holdsLock {
		h.mu.Unlock()
		return false, zlerrors.Usage(op, h.path, "lock already held, unlock it first")
	}
	h.lost = nil
	att := newAttempt()
	att.op = op
	att.start = time.Now()
	h.att = att
	if err := h.eng.register(ctx, att); err != nil {
		if h.att == att {
			h.att = newAttempt()
		}
		h.mu.Unlock()
		return false, err
	}
	gate := att.sync.done()
	h.mu.Unlock()

	var expired <-chan time.Time
	if bounded {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var waitErr error
	select {
	case <-gate:
	case <-expired:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case att.holdsLock:
		// A success that raced the timer or the context still wins.
		return true, nil
	case att.sync.fired():
		if att.err == nil {
			return false, zlerrors.Protocol(op, h.path, "attempt ended without holding the lock")
		}
		return false, att.err
	case waitErr != nil:
		fault := zlerrors.Interrupted(op, h.path, waitErr)
		h.cancel(att, fault)
		return false, fault
	default:
		h.log.Debug("zlock: lock wait timed out", "path", h.path, "node", att.nodeID, "timeout", timeout)
		metrics.TimeoutCounter.WithLabelValues(h.eng.mode()).Inc()
		h.cancel(att, nil)
		return false, nil
	}
}

func (h *handle) unlock(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cause := h.lost; cause != nil {
		h.lost = nil
		return zlerrors.Store("unlock", h.path, cause)
	}
	att := h.att
	if !att.started {
		return zlerrors.Usage("unlock", h.path, "not holding a lock")
	}
	if !att.holdsLock {
		att.aborted = true
		h.log.Info("zlock: unlock called before the lock was acquired, aborting attempt", "path", h.path, "node", att.nodeID)
		h.cancel(att, zlerrors.Interrupted(att.op, h.path, errAborted))
		return nil
	}
	return h.releaseLocked(ctx)
}

// releaseLocked deletes the held node and resets the handle.
func (h *handle) releaseLocked(ctx context.Context) error {
	att := h.att
	ctx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()
	err := h.eng.cleanupNode(ctx, att)
	att.holdsLock = false
	h.att = newAttempt()
	metrics.HeldGauge.WithLabelValues(h.eng.mode()).Dec()
	if err != nil {
		h.log.Warn("zlock: failed to release lock node", "path", h.path, "node", att.nodePath, "err", err)
		return zlerrors.Store("unlock", h.path, err)
	}
	metrics.ReleaseCounter.WithLabelValues(h.eng.mode()).Inc()
	h.log.Debug("zlock: lock released", "path", h.path, "node", att.nodePath)
	return nil
}

// acquired marks att as the holder and wakes its caller.
func (h *handle) acquired(att *attempt) {
	att.holdsLock = true
	att.watched = ""
	mode := h.eng.mode()
	metrics.AcquiredCounter.WithLabelValues(mode).Inc()
	metrics.HeldGauge.WithLabelValues(mode).Inc()
	metrics.WaitHistogram.WithLabelValues(mode).Observe(time.Since(att.start).Seconds())
	h.log.Debug("zlock: lock acquired", "path", h.path, "node", att.nodeID)
	att.sync.fire()
}

// cancel ends a pending attempt: the waiter is released with cause and
// the attempt's node is cleaned up.
func (h *handle) cancel(att *attempt, cause error) {
	if att.sync.fired() {
		return
	}
	h.log.Info("zlock: cancelling lock attempt", "path", h.path, "node", att.nodeID, "cause", cause)
	att.holdsLock = false
	att.err = cause
	att.watched = ""
	att.sync.fire()
	metrics.CancelCounter.WithLabelValues(h.eng.mode()).Inc()
	h.cleanup(att)
}

// cleanup removes the attempt's node on a best-effort basis and arms a
// fresh attempt so the handle can be reused.
func (h *handle) cleanup(att *attempt) {
	ctx, cancel := h.opContext()
	defer cancel()
	if err := h.eng.cleanupNode(ctx, att); err != nil {
		h.log.Warn("zlock: cleanup failed, node will vanish with the session", "path", h.path, "node", att.nodePath, "err", err)
	}
	if h.att == att {
		h.att = newAttempt()
	}
}

// current reports whether att is still the handle's live attempt.
func (h *handle) current(att *attempt) bool {
	return h.att == att && !att.sync.fired()
}

func (h *handle) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.opTimeout)
}

func (h *handle) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if !h.traceEnabled {
		return ctx, trace.SpanFromContext(context.Background())
	}
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("zlock.path", h.path),
		attribute.String("zlock.mode", h.eng.mode()),
	)
	return ctx, span
}

func (h *handle) endSpan(span trace.Span, ok bool, err error) {
	if !h.traceEnabled {
		return
	}
	if node := h.Node(); node != "" {
		span.SetAttributes(attribute.String("zlock.node", node))
	}
	span.SetAttributes(attribute.Bool("zlock.result", ok))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
