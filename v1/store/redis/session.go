package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-zlock/v1/store"
)

const (
	stateLive int32 = iota
	stateExpired
	stateClosed
)

// Session is one client session on a Server. It implements store.Store.
type Session struct {
	srv *Server
	id  string

	state        atomic.Int32
	disconnected atomic.Bool

	existWatches *xsync.MapOf[string, struct{}]
	childWatches *xsync.MapOf[string, struct{}]

	events *store.Dispatcher
	sub    <-chan []byte
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

var _ store.Store = (*Session)(nil)

func newSession(srv *Server) *Session {
	return &Session{
		srv:          srv,
		id:           uuid.NewString(),
		existWatches: xsync.NewMapOf[string, struct{}](),
		childWatches: xsync.NewMapOf[string, struct{}](),
		events:       store.NewDispatcher(),
		stop:         make(chan struct{}),
	}
}

func (s *Session) start(ctx context.Context) error {
	sub, err := s.srv.bus.Subscribe(context.Background(), s.srv.topic)
	if err != nil {
		return mapErr(err)
	}
	s.sub = sub
	s.wg.Add(2)
	go s.watchLoop()
	go s.heartbeatLoop()
	s.events.Push(store.Event{Type: store.EventNone, State: store.StateConnected})
	return nil
}

// ID returns the session identifier used as ephemeral owner.
func (s *Session) ID() string { return s.id }

// Close ends the session and removes its ephemeral nodes.
func (s *Session) Close() error {
	if !s.state.CompareAndSwap(stateLive, stateClosed) {
		return nil
	}
	s.events.Push(store.Event{Type: store.EventNone, State: store.StateClosed})
	s.shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), s.srv.opTimeout)
	defer cancel()
	if err := s.srv.client.Del(ctx, s.srv.sessionKey(s.id)).Err(); err != nil {
		s.srv.log.Warn("redis store: failed to drop session key", "session", s.id, "err", err)
	}
	err := s.srv.reapSession(ctx, s.id)
	s.events.Close()
	s.srv.log.Debug("redis store: session closed", "session", s.id)
	return err
}

// expire marks the session dead after its key vanished.
func (s *Session) expire() {
	if !s.state.CompareAndSwap(stateLive, stateExpired) {
		return
	}
	s.srv.log.Warn("redis store: session expired", "session", s.id)
	s.events.Push(store.Event{Type: store.EventNone, State: store.StateExpired})
	go func() {
		s.shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), s.srv.opTimeout)
		defer cancel()
		if err := s.srv.reapSession(ctx, s.id); err != nil {
			s.srv.log.Warn("redis store: failed to reap expired session", "session", s.id, "err", err)
		}
		s.events.Close()
	}()
}

// shutdown stops the background loops.
func (s *Session) shutdown() {
	s.once.Do(func() {
		close(s.stop)
		_ = s.srv.bus.Unsubscribe(context.Background(), s.srv.topic, s.sub)
	})
	s.wg.Wait()
	s.existWatches.Clear()
	s.childWatches.Clear()
}

func (s *Session) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch s.state.Load() {
	case stateExpired:
		return store.ErrSessionExpired
	case stateClosed:
		return store.ErrClosed
	}
	return nil
}

func (s *Session) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.srv.opTimeout)
}

func (s *Session) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.srv.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := s.opContext(context.Background())
		ok, err := s.srv.client.PExpire(ctx, s.srv.sessionKey(s.id), s.srv.ttl).Result()
		if err != nil {
			cancel()
			if s.disconnected.CompareAndSwap(false, true) {
				s.srv.log.Warn("redis store: heartbeat failed", "session", s.id, "err", err)
				s.events.Push(store.Event{Type: store.EventNone, State: store.StateDisconnected})
			}
			continue
		}
		if !ok {
			cancel()
			s.expire()
			return
		}
		if s.disconnected.CompareAndSwap(true, false) {
			s.events.Push(store.Event{Type: store.EventNone, State: store.StateConnected})
		}
		if err := s.srv.Reap(ctx); err != nil {
			s.srv.log.Warn("redis store: reaper failed", "session", s.id, "err", err)
		}
		cancel()
	}
}

func (s *Session) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case data, ok := <-s.sub:
			if !ok {
				return
			}
			var ev wireEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				s.srv.log.Warn("redis store: dropping malformed event", "session", s.id, "err", err)
				continue
			}
			s.fire(ev)
		}
	}
}

// fire triggers the one-shot watches matching ev. LoadAndDelete makes sure
// a watch fires at most once even if events race.
func (s *Session) fire(ev wireEvent) {
	var typ store.EventType
	fired := false
	switch ev.Type {
	case wireCreated:
		typ = store.EventNodeCreated
		_, fired = s.existWatches.LoadAndDelete(ev.Path)
	case wireDeleted:
		typ = store.EventNodeDeleted
		_, e := s.existWatches.LoadAndDelete(ev.Path)
		_, c := s.childWatches.LoadAndDelete(ev.Path)
		fired = e || c
	case wireChildren:
		typ = store.EventNodeChildrenChanged
		_, fired = s.childWatches.LoadAndDelete(ev.Path)
	}
	if fired {
		s.events.Push(store.Event{Type: typ, State: store.StateConnected, Path: ev.Path})
	}
}

// EnsureConnected implements store.Store.
func (s *Session) EnsureConnected(ctx context.Context) error {
	return s.check(ctx)
}

// Exists implements store.Store. The watch is armed before the read so a
// change right after the read is never missed.
func (s *Session) Exists(ctx context.Context, path string, watch bool) (*store.Stat, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if watch {
		s.existWatches.Store(path, struct{}{})
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.stat(ctx, path)
}

func (s *Session) stat(ctx context.Context, path string) (*store.Stat, error) {
	var fields *redis.SliceCmd
	var children *redis.IntCmd
	_, err := s.srv.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		fields = p.HMGet(ctx, s.srv.nodeKey(path), "version", "cversion", "owner", "ctime", "mtime")
		children = p.SCard(ctx, s.srv.childKey(path))
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	vals := fields.Val()
	if vals[0] == nil {
		return nil, nil
	}
	return &store.Stat{
		Version:        int32(atoi(vals[0])),
		CVersion:       int32(atoi(vals[1])),
		EphemeralOwner: str(vals[2]),
		NumChildren:    int32(children.Val()),
		Ctime:          time.UnixMilli(atoi(vals[3])),
		Mtime:          time.UnixMilli(atoi(vals[4])),
	}, nil
}

// Create implements store.Store.
func (s *Session) Create(ctx context.Context, path string, data []byte, mode store.CreateMode, acl []store.ACL) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	created, err := s.srv.createNode(ctx, s.id, path, data, mode, acl)
	if errors.Is(err, store.ErrSessionExpired) {
		s.expire()
	}
	return created, err
}

// Delete implements store.Store.
func (s *Session) Delete(ctx context.Context, path string, version int32) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	err := s.srv.deleteNode(ctx, path, version, s.id)
	if errors.Is(err, store.ErrSessionExpired) {
		s.expire()
	}
	return err
}

// Children implements store.Store.
func (s *Session) Children(ctx context.Context, path string, watch bool) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if watch {
		s.childWatches.Store(path, struct{}{})
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	var exists *redis.IntCmd
	var members *redis.StringSliceCmd
	_, err := s.srv.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		exists = p.Exists(ctx, s.srv.nodeKey(path))
		members = p.SMembers(ctx, s.srv.childKey(path))
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	if exists.Val() == 0 {
		s.childWatches.Delete(path)
		return nil, store.ErrNoNode
	}
	return members.Val(), nil
}

// Get implements store.Store.
func (s *Session) Get(ctx context.Context, path string) ([]byte, *store.Stat, error) {
	if err := s.check(ctx); err != nil {
		return nil, nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	data, err := s.srv.client.HGet(ctx, s.srv.nodeKey(path), "data").Bytes()
	if err == redis.Nil {
		return nil, nil, store.ErrNoNode
	}
	if err != nil {
		return nil, nil, mapErr(err)
	}
	st, err := s.stat(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	if st == nil {
		return nil, nil, store.ErrNoNode
	}
	return data, st, nil
}

// AddListener implements store.Store.
func (s *Session) AddListener(l store.Listener) func() {
	return s.events.AddListener(l)
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func atoi(v any) int64 {
	n, _ := strconv.ParseInt(str(v), 10, 64)
	return n
}
