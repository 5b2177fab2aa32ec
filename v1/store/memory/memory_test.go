package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mirkobrombin/go-zlock/v1/store"
)

func connect(t *testing.T, srv *Server) *Session {
	t.Helper()
	s, err := srv.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func listen(s *Session) chan store.Event {
	ch := make(chan store.Event, 16)
	s.AddListener(store.ListenerFunc(func(ev store.Event) {
		if ev.Type == store.EventNone && ev.State == store.StateConnected {
			return
		}
		ch <- ev
	}))
	return ch
}

func expectEvent(t *testing.T, ch chan store.Event, typ store.EventType, path string) {
	t.Helper()
	select {
	case ev := <-ch:
		if ev.Type != typ || ev.Path != path {
			t.Fatalf("expected %s on %s, got %s on %s", typ, path, ev.Type, ev.Path)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s on %s", typ, path)
	}
}

func expectNoEvent(t *testing.T, ch chan store.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s on %s", ev.Type, ev.Path)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCreateSequentialOrdering(t *testing.T) {
	srv := NewServer()
	s := connect(t, srv)
	ctx := context.Background()
	if _, err := s.Create(ctx, "/q", nil, store.ModePersistent, nil); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	var created []string
	for i := 0; i < 3; i++ {
		p, err := s.Create(ctx, "/q/member_", nil, store.ModeEphemeralSequential, nil)
		if err != nil {
			t.Fatalf("create seq: %v", err)
		}
		created = append(created, p)
	}
	if created[0] != "/q/member_0000000000" || created[2] != "/q/member_0000000002" {
		t.Fatalf("unexpected names %v", created)
	}
	kids := srv.Children("/q")
	if len(kids) != 3 || kids[0] != "member_0000000000" {
		t.Fatalf("unexpected children %v", kids)
	}
}

func TestCreateErrors(t *testing.T) {
	srv := NewServer()
	s := connect(t, srv)
	ctx := context.Background()
	if _, err := s.Create(ctx, "/a/b", nil, store.ModePersistent, nil); !errors.Is(err, store.ErrNoNode) {
		t.Fatalf("expected ErrNoNode, got %v", err)
	}
	if _, err := s.Create(ctx, "/a", nil, store.ModeEphemeral, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(ctx, "/a", nil, store.ModePersistent, nil); !errors.Is(err, store.ErrNodeExists) {
		t.Fatalf("expected ErrNodeExists, got %v", err)
	}
	if _, err := s.Create(ctx, "/a/child", nil, store.ModePersistent, nil); !errors.Is(err, store.ErrInvalidPath) {
		t.Fatalf("expected ephemeral parent rejection, got %v", err)
	}
	if _, err := s.Create(ctx, "relative", nil, store.ModePersistent, nil); !errors.Is(err, store.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestDeleteVersionAndChildren(t *testing.T) {
	srv := NewServer()
	s := connect(t, srv)
	ctx := context.Background()
	_, _ = s.Create(ctx, "/p", []byte("x"), store.ModePersistent, nil)
	_, _ = s.Create(ctx, "/p/c", nil, store.ModePersistent, nil)
	if err := s.Delete(ctx, "/p", store.AnyVersion); !errors.Is(err, store.ErrNotEmpty) {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}
	if err := s.Delete(ctx, "/p/c", 7); !errors.Is(err, store.ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
	if err := s.Delete(ctx, "/p/c", 0); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "/p/c", store.AnyVersion); !errors.Is(err, store.ErrNoNode) {
		t.Fatalf("expected ErrNoNode, got %v", err)
	}
	data, st, err := s.Get(ctx, "/p")
	if err != nil || string(data) != "x" || st.NumChildren != 0 {
		t.Fatalf("get: %q %+v %v", data, st, err)
	}
}

func TestExistsWatchFiresOnce(t *testing.T) {
	srv := NewServer()
	owner := connect(t, srv)
	watcher := connect(t, srv)
	events := listen(watcher)
	ctx := context.Background()

	if _, err := owner.Create(ctx, "/n", nil, store.ModeEphemeral, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	st, err := watcher.Exists(ctx, "/n", true)
	if err != nil || st == nil {
		t.Fatalf("exists: %v %v", st, err)
	}
	if err := owner.Delete(ctx, "/n", store.AnyVersion); err != nil {
		t.Fatalf("delete: %v", err)
	}
	expectEvent(t, events, store.EventNodeDeleted, "/n")

	if _, err := owner.Create(ctx, "/n", nil, store.ModeEphemeral, nil); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	expectNoEvent(t, events)
}

func TestExistsWatchOnAbsentNodeFiresOnCreate(t *testing.T) {
	srv := NewServer()
	s := connect(t, srv)
	events := listen(s)
	ctx := context.Background()
	st, err := s.Exists(ctx, "/later", true)
	if err != nil || st != nil {
		t.Fatalf("exists: %v %v", st, err)
	}
	if _, err := s.Create(ctx, "/later", nil, store.ModePersistent, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	expectEvent(t, events, store.EventNodeCreated, "/later")
}

func TestChildrenWatch(t *testing.T) {
	srv := NewServer()
	s := connect(t, srv)
	events := listen(s)
	ctx := context.Background()
	_, _ = s.Create(ctx, "/q", nil, store.ModePersistent, nil)
	if _, err := s.Children(ctx, "/q", true); err != nil {
		t.Fatalf("children: %v", err)
	}
	if _, err := s.Create(ctx, "/q/a", nil, store.ModePersistent, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	expectEvent(t, events, store.EventNodeChildrenChanged, "/q")
	if _, err := s.Children(ctx, "/missing", true); !errors.Is(err, store.ErrNoNode) {
		t.Fatalf("expected ErrNoNode, got %v", err)
	}
}

func TestCloseRemovesEphemerals(t *testing.T) {
	srv := NewServer()
	a, err := srv.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	b := connect(t, srv)
	events := listen(b)
	ctx := context.Background()
	_, _ = a.Create(ctx, "/lock", nil, store.ModeEphemeral, nil)
	_, _ = b.Exists(ctx, "/lock", true)

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	expectEvent(t, events, store.EventNodeDeleted, "/lock")
	if srv.Exists("/lock") {
		t.Fatal("ephemeral node survived its session")
	}
	if _, err := a.Exists(ctx, "/lock", false); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseDeliversClosedState(t *testing.T) {
	srv := NewServer()
	s := connect(t, srv)
	events := listen(s)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Type != store.EventNone || ev.State != store.StateClosed {
			t.Fatalf("expected closed state, got %s/%s", ev.Type, ev.State)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for closed state")
	}
	select {
	case <-s.events.Done():
	case <-time.After(time.Second):
		t.Fatal("dispatcher not closed")
	}
}

func TestExpireDeliversStateAndFails(t *testing.T) {
	srv := NewServer()
	s := connect(t, srv)
	got := make(chan store.Event, 4)
	s.AddListener(store.ListenerFunc(func(ev store.Event) { got <- ev }))
	ctx := context.Background()
	_, _ = s.Create(ctx, "/e", nil, store.ModeEphemeral, nil)

	if !srv.Expire(s.ID()) {
		t.Fatal("expire returned false")
	}
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-got:
			if ev.Type == store.EventNone && ev.State == store.StateExpired {
				if err := s.EnsureConnected(ctx); !errors.Is(err, store.ErrSessionExpired) {
					t.Fatalf("expected ErrSessionExpired, got %v", err)
				}
				if srv.Exists("/e") {
					t.Fatal("ephemeral node survived expiry")
				}
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for expiry event")
		}
	}
}

func TestRemovedListenerStopsReceiving(t *testing.T) {
	srv := NewServer()
	s := connect(t, srv)
	ch := make(chan store.Event, 4)
	remove := s.AddListener(store.ListenerFunc(func(ev store.Event) {
		if ev.Type != store.EventNone {
			ch <- ev
		}
	}))
	remove()
	ctx := context.Background()
	_, _ = s.Exists(ctx, "/x", true)
	_, _ = s.Create(ctx, "/x", nil, store.ModePersistent, nil)
	expectNoEvent(t, ch)
}
