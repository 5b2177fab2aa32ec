// Package zookeeper adapts a go-zookeeper connection to store.Store.
//
// Session state changes arrive through the connection's event callback;
// each armed watch hands back its own channel, forwarded to the same
// dispatcher. An expired ZooKeeper session is final: the connection is
// closed rather than left to reconnect under a new session ID, because the
// locks bound to it have already lost their nodes.
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	zlerrors "github.com/mirkobrombin/go-zlock/v1/errors"
	"github.com/mirkobrombin/go-zlock/v1/store"
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateLive
	stateExpired
	stateClosed
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used by the adapter and the zk client.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// Session is one ZooKeeper session. It implements store.Store.
type Session struct {
	conn   *zk.Conn
	log    *slog.Logger
	events *store.Dispatcher

	mu      sync.Mutex
	state   sessionState
	changed chan struct{}
	wg      sync.WaitGroup
	stop    chan struct{}
}

var _ store.Store = (*Session)(nil)

func newSession(opts []Option) *Session {
	s := &Session{
		log:     slog.Default(),
		events:  store.NewDispatcher(),
		changed: make(chan struct{}),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials the ensemble. It returns before the session is
// established; EnsureConnected waits for it.
func Connect(servers []string, sessionTimeout time.Duration, opts ...Option) (*Session, error) {
	s := newSession(opts)
	conn, _, err := zk.Connect(servers, sessionTimeout,
		zk.WithLogger(zkLogger{s.log}),
		zk.WithEventCallback(s.onEvent),
	)
	if err != nil {
		s.events.Close()
		return nil, mapErr(err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return s, nil
}

// zkLogger routes the client's printf logging into slog.
type zkLogger struct {
	l *slog.Logger
}

func (z zkLogger) Printf(format string, args ...any) {
	z.l.Debug("zookeeper: client", "msg", fmt.Sprintf(format, args...))
}

func (s *Session) setStateLocked(st sessionState) {
	s.state = st
	close(s.changed)
	s.changed = make(chan struct{})
}

// onEvent handles session-level events from the connection.
func (s *Session) onEvent(ev zk.Event) {
	if ev.Type != zk.EventSession {
		return
	}
	switch ev.State {
	case zk.StateHasSession:
		s.mu.Lock()
		if s.state != stateConnecting {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(stateLive)
		s.mu.Unlock()
		s.log.Debug("zookeeper: session established")
		s.events.Push(store.Event{Type: store.EventNone, State: store.StateConnected})
	case zk.StateDisconnected:
		s.mu.Lock()
		live := s.state == stateLive
		if live {
			s.setStateLocked(stateConnecting)
		}
		s.mu.Unlock()
		if live {
			s.log.Warn("zookeeper: disconnected")
			s.events.Push(store.Event{Type: store.EventNone, State: store.StateDisconnected})
		}
	case zk.StateExpired:
		s.expire()
	}
}

func (s *Session) expire() {
	s.mu.Lock()
	if s.state == stateExpired || s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(stateExpired)
	conn := s.conn
	s.mu.Unlock()
	s.log.Warn("zookeeper: session expired")
	s.events.Push(store.Event{Type: store.EventNone, State: store.StateExpired})
	// The callback runs on the client's own goroutine, which Close waits
	// for.
	go func() {
		s.shutdown(conn)
		s.events.Close()
	}()
}

func (s *Session) shutdown(conn *zk.Conn) {
	if conn != nil {
		conn.Close()
	}
	close(s.stop)
	s.wg.Wait()
}

// Close ends the session; the ensemble removes its ephemeral nodes.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == stateExpired || s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(stateClosed)
	conn := s.conn
	s.mu.Unlock()
	s.events.Push(store.Event{Type: store.EventNone, State: store.StateClosed})
	s.shutdown(conn)
	s.events.Close()
	return nil
}

// EnsureConnected implements store.Store. It waits for the session to be
// established.
func (s *Session) EnsureConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		st, changed := s.state, s.changed
		s.mu.Unlock()
		switch st {
		case stateLive:
			return nil
		case stateExpired:
			return store.ErrSessionExpired
		case stateClosed:
			return store.ErrClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateExpired:
		return store.ErrSessionExpired
	case stateClosed:
		return store.ErrClosed
	}
	return nil
}

// forward delivers the single event of a watch channel.
func (s *Session) forward(ch <-chan zk.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateExpired || s.state == stateClosed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if out, ok := translate(ev); ok {
				s.events.Push(out)
			}
		case <-s.stop:
		}
	}()
}

// Exists implements store.Store.
func (s *Session) Exists(ctx context.Context, path string, watch bool) (*store.Stat, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var (
		ok  bool
		st  *zk.Stat
		ch  <-chan zk.Event
		err error
	)
	if watch {
		ok, st, ch, err = s.conn.ExistsW(path)
	} else {
		ok, st, err = s.conn.Exists(path)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	if ch != nil {
		s.forward(ch)
	}
	if !ok {
		return nil, nil
	}
	return convertStat(st), nil
}

// Create implements store.Store.
func (s *Session) Create(ctx context.Context, path string, data []byte, mode store.CreateMode, acl []store.ACL) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	created, err := s.conn.Create(path, data, flags(mode), convertACL(acl))
	if err != nil {
		return "", mapErr(err)
	}
	return created, nil
}

// Delete implements store.Store.
func (s *Session) Delete(ctx context.Context, path string, version int32) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return mapErr(s.conn.Delete(path, version))
}

// Children implements store.Store.
func (s *Session) Children(ctx context.Context, path string, watch bool) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if !watch {
		children, _, err := s.conn.Children(path)
		return children, mapErr(err)
	}
	children, _, ch, err := s.conn.ChildrenW(path)
	if err != nil {
		return nil, mapErr(err)
	}
	s.forward(ch)
	return children, nil
}

// Get implements store.Store.
func (s *Session) Get(ctx context.Context, path string) ([]byte, *store.Stat, error) {
	if err := s.check(ctx); err != nil {
		return nil, nil, err
	}
	data, st, err := s.conn.Get(path)
	if err != nil {
		return nil, nil, mapErr(err)
	}
	return data, convertStat(st), nil
}

// AddListener implements store.Store.
func (s *Session) AddListener(l store.Listener) func() {
	return s.events.AddListener(l)
}

// translate converts a watch event. EventNotWatching, sent when the
// connection drops its watches on close, has no store counterpart.
func translate(ev zk.Event) (store.Event, bool) {
	var typ store.EventType
	switch ev.Type {
	case zk.EventNodeCreated:
		typ = store.EventNodeCreated
	case zk.EventNodeDeleted:
		typ = store.EventNodeDeleted
	case zk.EventNodeDataChanged:
		typ = store.EventNodeDataChanged
	case zk.EventNodeChildrenChanged:
		typ = store.EventNodeChildrenChanged
	default:
		return store.Event{}, false
	}
	return store.Event{Type: typ, State: store.StateConnected, Path: ev.Path}, true
}

func flags(m store.CreateMode) int32 {
	var f int32
	if m.Ephemeral() {
		f |= zk.FlagEphemeral
	}
	if m.Sequential() {
		f |= zk.FlagSequence
	}
	return f
}

func convertACL(acl []store.ACL) []zk.ACL {
	if len(acl) == 0 {
		return zk.WorldACL(zk.PermAll)
	}
	out := make([]zk.ACL, len(acl))
	for i, a := range acl {
		out[i] = zk.ACL{Perms: a.Perms, Scheme: a.Scheme, ID: a.ID}
	}
	return out
}

func convertStat(st *zk.Stat) *store.Stat {
	if st == nil {
		return nil
	}
	out := &store.Stat{
		Version:     st.Version,
		CVersion:    st.Cversion,
		NumChildren: st.NumChildren,
		Ctime:       time.UnixMilli(st.Ctime),
		Mtime:       time.UnixMilli(st.Mtime),
	}
	if st.EphemeralOwner != 0 {
		out.EphemeralOwner = strconv.FormatInt(st.EphemeralOwner, 16)
	}
	return out
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNodeExists):
		return store.ErrNodeExists
	case errors.Is(err, zk.ErrNoNode):
		return store.ErrNoNode
	case errors.Is(err, zk.ErrNotEmpty):
		return store.ErrNotEmpty
	case errors.Is(err, zk.ErrBadVersion):
		return store.ErrBadVersion
	case errors.Is(err, zk.ErrSessionExpired):
		return store.ErrSessionExpired
	case errors.Is(err, zk.ErrNoChildrenForEphemerals):
		return fmt.Errorf("%w: ephemeral nodes can't have children", store.ErrInvalidPath)
	case errors.Is(err, zk.ErrInvalidPath):
		return store.ErrInvalidPath
	case errors.Is(err, zk.ErrClosing), errors.Is(err, zk.ErrConnectionClosed):
		return zlerrors.ErrConnectionClosed
	case errors.Is(err, context.DeadlineExceeded):
		return zlerrors.ErrTimeout
	}
	return err
}
