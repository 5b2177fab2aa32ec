package memory

import (
	"context"
	"sort"

	"github.com/mirkobrombin/go-zlock/v1/store"
)

// Session is one client session on a Server. It implements store.Store.
type Session struct {
	srv *Server
	id  string

	// guarded by srv.mu
	expired      bool
	closed       bool
	existWatches map[string]struct{}
	childWatches map[string]struct{}
	ephemerals   map[string]struct{}

	events *store.Dispatcher
}

var _ store.Store = (*Session)(nil)

// ID returns the session identifier used as ephemeral owner.
func (s *Session) ID() string { return s.id }

// Close ends the session, removing its ephemeral nodes.
func (s *Session) Close() error {
	s.srv.mu.Lock()
	if s.closed || s.expired {
		s.srv.mu.Unlock()
		return nil
	}
	s.closed = true
	s.srv.endSessionLocked(s)
	s.events.Push(store.Event{Type: store.EventNone, State: store.StateClosed})
	s.srv.mu.Unlock()
	s.events.Close()
	s.srv.log.Debug("memory: session closed", "session", s.id)
	return nil
}

// checkLocked validates the session state; srv.mu must be held.
func (s *Session) checkLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.expired {
		return store.ErrSessionExpired
	}
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// EnsureConnected implements store.Store.
func (s *Session) EnsureConnected(ctx context.Context) error {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	return s.checkLocked(ctx)
}

// Exists implements store.Store.
func (s *Session) Exists(ctx context.Context, path string, watch bool) (*store.Stat, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return nil, err
	}
	if watch {
		s.existWatches[path] = struct{}{}
	}
	n, ok := s.srv.nodes[path]
	if !ok {
		return nil, nil
	}
	return n.stat(), nil
}

// Create implements store.Store.
func (s *Session) Create(ctx context.Context, path string, data []byte, mode store.CreateMode, acl []store.ACL) (string, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return "", err
	}
	return s.srv.createLocked(s, path, data, mode, acl)
}

// Delete implements store.Store.
func (s *Session) Delete(ctx context.Context, path string, version int32) error {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return err
	}
	return s.srv.deleteLocked(path, version)
}

// Children implements store.Store.
func (s *Session) Children(ctx context.Context, path string, watch bool) ([]string, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return nil, err
	}
	n, ok := s.srv.nodes[path]
	if !ok {
		return nil, store.ErrNoNode
	}
	if watch {
		s.childWatches[path] = struct{}{}
	}
	out := make([]string, 0, len(n.children))
	for c := range n.children {
		out = append(out, c)
	}
	// Reverse order: callers must sort.
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

// Get implements store.Store.
func (s *Session) Get(ctx context.Context, path string) ([]byte, *store.Stat, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if err := s.checkLocked(ctx); err != nil {
		return nil, nil, err
	}
	n, ok := s.srv.nodes[path]
	if !ok {
		return nil, nil, store.ErrNoNode
	}
	return append([]byte(nil), n.data...), n.stat(), nil
}

// AddListener implements store.Store.
func (s *Session) AddListener(l store.Listener) func() {
	return s.events.AddListener(l)
}
