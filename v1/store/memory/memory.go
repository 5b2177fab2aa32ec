// Package memory implements an in-process coordination server. Every
// Session obtained from Connect behaves like a separate client session on
// a shared tree: ephemeral nodes die with it, sequential names come from a
// per-parent counter and watches fire once, in order, on the session's own
// dispatch goroutine.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/mirkobrombin/go-zlock/v1/store"
)

type node struct {
	data     []byte
	version  int32
	cversion int32
	seq      int64
	owner    string
	children map[string]struct{}
	acl      []store.ACL
	ctime    time.Time
	mtime    time.Time
}

func (n *node) stat() *store.Stat {
	return &store.Stat{
		Version:        n.version,
		CVersion:       n.cversion,
		EphemeralOwner: n.owner,
		NumChildren:    int32(len(n.children)),
		Ctime:          n.ctime,
		Mtime:          n.mtime,
	}
}

// Server is the shared tree all sessions operate on.
type Server struct {
	mu       sync.Mutex
	nodes    map[string]*node
	sessions map[string]*Session
	log      *slog.Logger
	now      func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for session lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithClock overrides the time source used for node timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// NewServer returns an empty tree containing only the root node.
func NewServer(opts ...Option) *Server {
	s := &Server{
		nodes:    make(map[string]*node),
		sessions: make(map[string]*Session),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	now := s.now()
	s.nodes["/"] = &node{children: make(map[string]struct{}), ctime: now, mtime: now}
	return s
}

// Connect opens a new session.
func (s *Server) Connect(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	sess := &Session{
		srv:          s,
		id:           id,
		existWatches: make(map[string]struct{}),
		childWatches: make(map[string]struct{}),
		ephemerals:   make(map[string]struct{}),
		events:       store.NewDispatcher(),
	}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	sess.events.Push(store.Event{Type: store.EventNone, State: store.StateConnected})
	s.log.Debug("memory: session opened", "session", id)
	return sess, nil
}

// Expire simulates a session timeout: its ephemeral nodes are removed,
// StateExpired is delivered to its listeners and every later call fails
// with store.ErrSessionExpired.
func (s *Server) Expire(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.endSessionLocked(sess)
	sess.expired = true
	sess.events.Push(store.Event{Type: store.EventNone, State: store.StateExpired})
	s.mu.Unlock()
	sess.events.Close()
	s.log.Debug("memory: session expired", "session", id)
	return true
}

// Delete removes path regardless of version or owner, as an operator or a
// crashed client's session reaper would.
func (s *Server) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(path, store.AnyVersion)
}

// Exists reports whether path is present.
func (s *Server) Exists(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[path]
	return ok
}

// Children returns the sorted child names of path.
func (s *Server) Children(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.children))
	for c := range n.children {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// endSessionLocked drops the session's ephemerals and watches.
func (s *Server) endSessionLocked(sess *Session) {
	paths := make([]string, 0, len(sess.ephemerals))
	for p := range sess.ephemerals {
		paths = append(paths, p)
	}
	// Stable order keeps event delivery deterministic.
	sort.Strings(paths)
	for _, p := range paths {
		if err := s.deleteLocked(p, store.AnyVersion); err != nil {
			s.log.Warn("memory: failed to remove ephemeral node", "path", p, "err", err)
		}
	}
	sess.existWatches = make(map[string]struct{})
	sess.childWatches = make(map[string]struct{})
	delete(s.sessions, sess.id)
}

func (s *Server) createLocked(sess *Session, path string, data []byte, mode store.CreateMode, acl []store.ACL) (string, error) {
	if err := store.Validate(path); err != nil || path == "/" {
		return "", fmt.Errorf("%w: %s", store.ErrInvalidPath, path)
	}
	parentPath := store.Parent(path)
	parent, ok := s.nodes[parentPath]
	if !ok {
		return "", store.ErrNoNode
	}
	if parent.owner != "" {
		return "", fmt.Errorf("%w: ephemeral nodes can't have children", store.ErrInvalidPath)
	}
	if mode.Sequential() {
		path = fmt.Sprintf("%s%010d", path, parent.seq)
		parent.seq++
	}
	if _, ok := s.nodes[path]; ok {
		return "", store.ErrNodeExists
	}
	now := s.now()
	n := &node{
		data:     append([]byte(nil), data...),
		children: make(map[string]struct{}),
		acl:      acl,
		ctime:    now,
		mtime:    now,
	}
	if mode.Ephemeral() {
		n.owner = sess.id
		sess.ephemerals[path] = struct{}{}
	}
	s.nodes[path] = n
	parent.children[store.Base(path)] = struct{}{}
	parent.cversion++
	s.fireLocked(path, store.EventNodeCreated, true, false)
	s.fireLocked(parentPath, store.EventNodeChildrenChanged, false, true)
	return path, nil
}

func (s *Server) deleteLocked(path string, version int32) error {
	n, ok := s.nodes[path]
	if !ok || path == "/" {
		return store.ErrNoNode
	}
	if version != store.AnyVersion && version != n.version {
		return store.ErrBadVersion
	}
	if len(n.children) > 0 {
		return store.ErrNotEmpty
	}
	delete(s.nodes, path)
	parentPath := store.Parent(path)
	if parent, ok := s.nodes[parentPath]; ok {
		delete(parent.children, store.Base(path))
		parent.cversion++
	}
	if n.owner != "" {
		if owner, ok := s.sessions[n.owner]; ok {
			delete(owner.ephemerals, path)
		}
	}
	s.fireLocked(path, store.EventNodeDeleted, true, true)
	s.fireLocked(parentPath, store.EventNodeChildrenChanged, false, true)
	return nil
}

// fireLocked triggers and clears the one-shot watches set on path.
func (s *Server) fireLocked(path string, typ store.EventType, exists, children bool) {
	ev := store.Event{Type: typ, State: store.StateConnected, Path: path}
	for _, sess := range s.sessions {
		fired := false
		if exists {
			if _, ok := sess.existWatches[path]; ok {
				delete(sess.existWatches, path)
				fired = true
			}
		}
		if children {
			if _, ok := sess.childWatches[path]; ok {
				delete(sess.childWatches, path)
				fired = true
			}
		}
		if fired {
			sess.events.Push(ev)
		}
	}
}
