package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"

	"github.com/prometheus/client_golang/prometheus/testutil"

	zlerrors "github.com/mirkobrombin/go-zlock/v1/errors"
	"github.com/mirkobrombin/go-zlock/v1/metrics"
	"github.com/mirkobrombin/go-zlock/v1/store"
	"github.com/mirkobrombin/go-zlock/v1/store/memory"
)

func session(t *testing.T, srv *memory.Server) *memory.Session {
	t.Helper()
	s, err := srv.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// lockAsync runs Lock in a goroutine and reports its result.
func lockAsync(l Locker) chan error {
	ch := make(chan error, 1)
	go func() { ch <- l.Lock(context.Background()) }()
	return ch
}

func expectResult(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for lock result")
	}
	return nil
}

func expectBlocked(t *testing.T, ch chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("expected lock to block, got %v", err)
	case <-time.After(30 * time.Millisecond):
	}
}

func watching(h *handle) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.att.watched
}

type lockFactory func(s store.Store, path string, opts ...Option) Locker

var variants = map[string]lockFactory{
	"fair": func(s store.Store, path string, opts ...Option) Locker {
		return NewFair(s, path, opts...)
	},
	"unfair": func(s store.Store, path string, opts ...Option) Locker {
		return NewUnfair(s, path, opts...)
	},
}

func TestTicketSellers(t *testing.T) {
	for name, newLock := range variants {
		t.Run(name, func(t *testing.T) {
			srv := memory.NewServer()
			tickets := 100
			var inside atomic.Int32
			var mu sync.Mutex
			claimed := make(map[int]int)

			g, ctx := errgroup.WithContext(context.Background())
			for seller := 0; seller < 3; seller++ {
				seller := seller
				l := newLock(session(t, srv), "/mallen/test/dl")
				g.Go(func() error {
					for {
						if err := l.Lock(ctx); err != nil {
							return err
						}
						if inside.Add(1) != 1 {
							return errors.New("two sellers inside the critical section")
						}
						left := tickets
						if left > 0 {
							mu.Lock()
							if _, ok := claimed[left]; ok {
								mu.Unlock()
								return errors.New("ticket sold twice")
							}
							claimed[left] = seller
							mu.Unlock()
							tickets = left - 1
						}
						inside.Add(-1)
						if err := l.Unlock(ctx); err != nil {
							return err
						}
						if left == 0 {
							return nil
						}
					}
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("sellers: %v", err)
			}
			if tickets != 0 {
				t.Fatalf("expected 0 tickets left, got %d", tickets)
			}
			if len(claimed) != 100 {
				t.Fatalf("expected 100 tickets sold, got %d", len(claimed))
			}
			if c := srv.Children("/mallen/test/dl"); len(c) != 0 {
				t.Fatalf("expected no lock nodes left, got %v", c)
			}
		})
	}
}

func TestUnlockTwiceIsUsageFault(t *testing.T) {
	for name, newLock := range variants {
		t.Run(name, func(t *testing.T) {
			srv := memory.NewServer()
			ctx := context.Background()
			a := newLock(session(t, srv), "/twice")
			b := newLock(session(t, srv), "/twice")
			if err := a.Lock(ctx); err != nil {
				t.Fatalf("lock: %v", err)
			}
			if err := a.Unlock(ctx); err != nil {
				t.Fatalf("unlock: %v", err)
			}
			if err := b.Lock(ctx); err != nil {
				t.Fatalf("lock b: %v", err)
			}
			before := srv.Children("/twice")
			err := a.Unlock(ctx)
			if !errors.Is(err, zlerrors.ErrUsage) {
				t.Fatalf("expected usage fault, got %v", err)
			}
			after := srv.Children("/twice")
			if len(before) != 1 || len(after) != 1 || before[0] != after[0] {
				t.Fatalf("second unlock touched the store: %v -> %v", before, after)
			}
		})
	}
}

func TestUnlockWithoutLock(t *testing.T) {
	srv := memory.NewServer()
	l := NewFair(session(t, srv), "/never")
	if err := l.Unlock(context.Background()); !errors.Is(err, zlerrors.ErrUsage) {
		t.Fatalf("expected usage fault, got %v", err)
	}
}

func TestHandleReuse(t *testing.T) {
	for name, newLock := range variants {
		t.Run(name, func(t *testing.T) {
			srv := memory.NewServer()
			ctx := context.Background()
			l := newLock(session(t, srv), "/reuse")
			h := l.(interface{ Node() string })
			var nodes []string
			for i := 0; i < 2; i++ {
				if err := l.Lock(ctx); err != nil {
					t.Fatalf("cycle %d lock: %v", i, err)
				}
				nodes = append(nodes, h.Node())
				if err := l.Unlock(ctx); err != nil {
					t.Fatalf("cycle %d unlock: %v", i, err)
				}
				if h.Node() != "" {
					t.Fatalf("cycle %d: state not reset", i)
				}
			}
			if name == "fair" && nodes[0] == nodes[1] {
				t.Fatalf("expected a fresh node per cycle, got %v", nodes)
			}
			if c := srv.Children("/reuse"); len(c) != 0 {
				t.Fatalf("expected no nodes left, got %v", c)
			}
		})
	}
}

func TestDoubleLockIsUsageFault(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	l := NewFair(session(t, srv), "/double")
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := l.Lock(ctx); !errors.Is(err, zlerrors.ErrUsage) {
		t.Fatalf("expected usage fault, got %v", err)
	}
	if !l.Held() {
		t.Fatal("lock lost after rejected second lock")
	}
}

func TestConcurrentAttemptsOnOneHandle(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	holder := NewFair(session(t, srv), "/busy")
	if err := holder.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	l := NewFair(session(t, srv), "/busy")
	first := lockAsync(l)
	waitFor(t, "first attempt to register", func() bool { return l.Node() != "" })
	if err := l.Lock(ctx); !errors.Is(err, zlerrors.ErrUsage) {
		t.Fatalf("expected usage fault, got %v", err)
	}
	if err := holder.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := expectResult(t, first); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
}

func TestTryLockTimesOutWithoutLeftovers(t *testing.T) {
	for name, newLock := range variants {
		t.Run(name, func(t *testing.T) {
			srv := memory.NewServer()
			ctx := context.Background()
			a := newLock(session(t, srv), "/try")
			b := newLock(session(t, srv), "/try")
			if err := a.Lock(ctx); err != nil {
				t.Fatalf("lock: %v", err)
			}
			released := make(chan error, 1)
			go func() {
				time.Sleep(200 * time.Millisecond)
				released <- a.Unlock(ctx)
			}()

			start := time.Now()
			ok, err := b.TryLock(ctx, 50*time.Millisecond)
			if err != nil || ok {
				t.Fatalf("expected timeout, got ok=%v err=%v", ok, err)
			}
			if time.Since(start) >= 200*time.Millisecond {
				t.Fatal("trylock waited for the holder")
			}
			if c := srv.Children("/try"); len(c) != 1 {
				t.Fatalf("expected only the holder's node, got %v", c)
			}
			if b.(interface{ Held() bool }).Held() {
				t.Fatal("timed out attempt reports held")
			}

			if err := expectResult(t, released); err != nil {
				t.Fatalf("unlock: %v", err)
			}
			ok, err = b.TryLock(ctx, time.Second)
			if err != nil || !ok {
				t.Fatalf("expected acquisition after release, got ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestContextCancelIsInterrupted(t *testing.T) {
	for name, newLock := range variants {
		t.Run(name, func(t *testing.T) {
			srv := memory.NewServer()
			a := newLock(session(t, srv), "/cancel")
			b := newLock(session(t, srv), "/cancel")
			if err := a.Lock(context.Background()); err != nil {
				t.Fatalf("lock: %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			err := b.Lock(ctx)
			if !errors.Is(err, zlerrors.ErrInterrupted) || !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("expected interrupted fault, got %v", err)
			}
			if c := srv.Children("/cancel"); len(c) != 1 {
				t.Fatalf("expected cancelled attempt cleaned up, got %v", c)
			}
		})
	}
}

func TestUnlockAbortsPendingAttempt(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	a := NewFair(session(t, srv), "/abort")
	b := NewFair(session(t, srv), "/abort")
	if err := a.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	res := lockAsync(b)
	waitFor(t, "b to register", func() bool { return len(srv.Children("/abort")) == 2 })
	if err := b.Unlock(ctx); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if err := expectResult(t, res); !errors.Is(err, zlerrors.ErrInterrupted) {
		t.Fatalf("expected interrupted fault, got %v", err)
	}
	if c := srv.Children("/abort"); len(c) != 1 {
		t.Fatalf("expected aborted node removed, got %v", c)
	}
}

func TestSessionExpiryWhileWaiting(t *testing.T) {
	for name, newLock := range variants {
		t.Run(name, func(t *testing.T) {
			srv := memory.NewServer()
			a := newLock(session(t, srv), "/expiry")
			sb := session(t, srv)
			b := newLock(sb, "/expiry")
			if err := a.Lock(context.Background()); err != nil {
				t.Fatalf("lock: %v", err)
			}
			res := lockAsync(b)
			expectBlocked(t, res)
			srv.Expire(sb.ID())
			err := expectResult(t, res)
			if !errors.Is(err, zlerrors.ErrStore) || !errors.Is(err, store.ErrSessionExpired) {
				t.Fatalf("expected store fault wrapping expiry, got %v", err)
			}
		})
	}
}

func TestSessionExpiryWhileHeld(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	sa := session(t, srv)
	a := NewFair(sa, "/held")
	b := NewFair(session(t, srv), "/held")
	if err := a.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	res := lockAsync(b)
	expectBlocked(t, res)
	srv.Expire(sa.ID())
	if err := expectResult(t, res); err != nil {
		t.Fatalf("b after expiry: %v", err)
	}
	waitFor(t, "a to notice expiry", func() bool { return !a.Held() })
	err := a.Unlock(ctx)
	if !errors.Is(err, zlerrors.ErrStore) || !errors.Is(err, store.ErrSessionExpired) {
		t.Fatalf("expected store fault on lost lock, got %v", err)
	}
	if err := a.Unlock(ctx); !errors.Is(err, zlerrors.ErrUsage) {
		t.Fatalf("expected usage fault after reporting loss, got %v", err)
	}
}

func TestSessionCloseWakesPendingLock(t *testing.T) {
	for name, newLock := range variants {
		t.Run(name, func(t *testing.T) {
			srv := memory.NewServer()
			a := newLock(session(t, srv), "/closing")
			sb := session(t, srv)
			b := newLock(sb, "/closing")
			if err := a.Lock(context.Background()); err != nil {
				t.Fatalf("lock: %v", err)
			}
			res := lockAsync(b)
			expectBlocked(t, res)
			if err := sb.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			err := expectResult(t, res)
			if !errors.Is(err, zlerrors.ErrStore) || !errors.Is(err, store.ErrClosed) {
				t.Fatalf("expected store fault wrapping close, got %v", err)
			}
		})
	}
}

func TestSessionCloseWhileHeld(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	sa := session(t, srv)
	a := NewUnfair(sa, "/closed-held")
	if err := a.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := sa.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, "a to notice close", func() bool { return !a.Held() })
	if err := a.Unlock(ctx); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected closed session on unlock, got %v", err)
	}
}

// slowConnect parks EnsureConnected until release is closed, as a session
// that is still reconnecting would.
type slowConnect struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (s *slowConnect) EnsureConnected(ctx context.Context) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Store.EnsureConnected(ctx)
}

func TestReconnectDoesNotBlockHandle(t *testing.T) {
	srv := memory.NewServer()
	sc := &slowConnect{
		Store:   session(t, srv),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	l := NewFair(sc, "/reconnect")
	res := lockAsync(l)
	select {
	case <-sc.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("lock never asked for a connection")
	}

	done := make(chan error, 1)
	go func() {
		_ = l.Held()
		_ = l.Node()
		done <- l.Unlock(context.Background())
	}()
	select {
	case err := <-done:
		if !errors.Is(err, zlerrors.ErrUsage) {
			t.Fatalf("expected usage fault before registration, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handle blocked while the session reconnects")
	}

	close(sc.release)
	if err := expectResult(t, res); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := l.Unlock(context.Background()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
}

func TestIgnoresUnrelatedEvents(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	a := NewFair(session(t, srv), "/stale")
	b := NewFair(session(t, srv), "/stale")
	if err := a.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	res := lockAsync(b)
	waitFor(t, "b to watch a", func() bool { return watching(b.handle) == a.Node() })

	b.process(store.Event{Type: store.EventNodeDeleted, State: store.StateConnected, Path: "/stale/member_0000000099"})
	b.process(store.Event{Type: store.EventNodeCreated, State: store.StateConnected, Path: "/elsewhere"})
	expectBlocked(t, res)
	if watching(b.handle) != a.Node() {
		t.Fatal("unrelated event changed the watched path")
	}

	if err := a.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := expectResult(t, res); err != nil {
		t.Fatalf("b: %v", err)
	}
}

func TestLockSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	srv := memory.NewServer()
	ctx := context.Background()
	l := NewFair(session(t, srv), "/traced", WithTracing())
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "Lock.Lock" || spans[1].Name() != "Lock.Unlock" {
		t.Fatalf("unexpected span names %s, %s", spans[0].Name(), spans[1].Name())
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs["zlock.path"].AsString() != "/traced" || attrs["zlock.mode"].AsString() != "fair" {
		t.Fatalf("unexpected attributes %v", spans[0].Attributes())
	}
	if !attrs["zlock.result"].AsBool() {
		t.Fatal("expected successful lock span")
	}
	if attrs["zlock.node"].AsString() == "" {
		t.Fatal("expected node attribute")
	}
}

func TestLockMetrics(t *testing.T) {
	acquired := testutil.ToFloat64(metrics.AcquiredCounter.WithLabelValues("unfair"))
	timeouts := testutil.ToFloat64(metrics.TimeoutCounter.WithLabelValues("unfair"))
	released := testutil.ToFloat64(metrics.ReleaseCounter.WithLabelValues("unfair"))

	srv := memory.NewServer()
	ctx := context.Background()
	a := NewUnfair(session(t, srv), "/metered")
	b := NewUnfair(session(t, srv), "/metered")
	if err := a.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if v := testutil.ToFloat64(metrics.HeldGauge.WithLabelValues("unfair")); v < 1 {
		t.Fatalf("expected held gauge >= 1, got %v", v)
	}
	if ok, _ := b.TryLock(ctx, 10*time.Millisecond); ok {
		t.Fatal("expected timeout")
	}
	if err := a.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	if v := testutil.ToFloat64(metrics.AcquiredCounter.WithLabelValues("unfair")); v != acquired+1 {
		t.Fatalf("expected acquired %v, got %v", acquired+1, v)
	}
	if v := testutil.ToFloat64(metrics.TimeoutCounter.WithLabelValues("unfair")); v != timeouts+1 {
		t.Fatalf("expected timeouts %v, got %v", timeouts+1, v)
	}
	if v := testutil.ToFloat64(metrics.ReleaseCounter.WithLabelValues("unfair")); v != released+1 {
		t.Fatalf("expected released %v, got %v", released+1, v)
	}
}
