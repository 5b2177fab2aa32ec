// Package redis implements the coordination store contract on Redis.
//
// Nodes are hashes, child lists are sets and every mutation runs as a Lua
// script, so sequence assignment and parent bookkeeping are atomic. Node
// changes are published on a syncbus topic; each session fires its own
// one-shot watches from that stream. Sessions are keys with a TTL renewed
// by a heartbeat, and the heartbeat of any live session reaps the
// ephemeral nodes of sessions whose key expired.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	zlerrors "github.com/mirkobrombin/go-zlock/v1/errors"
	"github.com/mirkobrombin/go-zlock/v1/store"
	"github.com/mirkobrombin/go-zlock/v1/syncbus"
)

const (
	defaultPrefix     = "zl:"
	defaultTopic      = "zl:events"
	defaultSessionTTL = 10 * time.Second
	defaultOpTimeout  = 5 * time.Second
)

// Server is a handle on one Redis deployment used as coordination store.
type Server struct {
	client    *redis.Client
	bus       syncbus.Bus
	prefix    string
	topic     string
	ttl       time.Duration
	heartbeat time.Duration
	opTimeout time.Duration
	log       *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithPrefix sets the key prefix.
func WithPrefix(p string) Option {
	return func(s *Server) {
		s.prefix = p
	}
}

// WithTopic sets the syncbus topic carrying node events.
func WithTopic(t string) Option {
	return func(s *Server) {
		s.topic = t
	}
}

// WithSessionTTL sets how long a session survives without heartbeat.
func WithSessionTTL(d time.Duration) Option {
	return func(s *Server) {
		s.ttl = d
	}
}

// WithHeartbeat overrides the heartbeat interval, TTL/3 by default.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		s.heartbeat = d
	}
}

// WithOpTimeout bounds every Redis round trip.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.opTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// NewServer returns a Server on client. Node events travel on bus; when bus
// is nil a Redis pub/sub bus on the same client is used.
func NewServer(client *redis.Client, bus syncbus.Bus, opts ...Option) *Server {
	s := &Server{
		client:    client,
		bus:       bus,
		prefix:    defaultPrefix,
		topic:     defaultTopic,
		ttl:       defaultSessionTTL,
		opTimeout: defaultOpTimeout,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.heartbeat <= 0 {
		s.heartbeat = s.ttl / 3
	}
	if s.bus == nil {
		s.bus = syncbus.NewRedisBus(client, syncbus.WithRedisLogger(s.log))
	}
	return s
}

func (s *Server) nodeKey(p string) string     { return s.prefix + "n:" + p }
func (s *Server) childKey(p string) string    { return s.prefix + "c:" + p }
func (s *Server) sessionKey(id string) string { return s.prefix + "s:" + id }
func (s *Server) ephKey(id string) string     { return s.prefix + "e:" + id }
func (s *Server) registryKey() string         { return s.prefix + "sessions" }

// wireEvent is the JSON payload published for every node change.
type wireEvent struct {
	Type string `json:"t"`
	Path string `json:"p"`
}

const (
	wireCreated  = "created"
	wireDeleted  = "deleted"
	wireChildren = "children"
)

// publish announces node changes. The mutation already happened, so a
// failure is logged rather than returned.
func (s *Server) publish(events ...wireEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			s.log.Error("redis store: encode event", "path", ev.Path, "err", err)
			continue
		}
		if err := s.bus.Publish(ctx, s.topic, data); err != nil {
			s.log.Error("redis store: publish event, watchers may miss it", "type", ev.Type, "path", ev.Path, "err", err)
		}
	}
}

func (s *Server) ensureRoot(ctx context.Context) error {
	now := time.Now().UnixMilli()
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		root := s.nodeKey("/")
		p.HSetNX(ctx, root, "data", "")
		p.HSetNX(ctx, root, "version", 0)
		p.HSetNX(ctx, root, "cversion", 0)
		p.HSetNX(ctx, root, "seq", 0)
		p.HSetNX(ctx, root, "owner", "")
		p.HSetNX(ctx, root, "ctime", now)
		p.HSetNX(ctx, root, "mtime", now)
		return nil
	})
	return err
}

// Connect opens a session. It returns once the session is registered and
// subscribed to node events.
func (s *Server) Connect(ctx context.Context) (*Session, error) {
	cctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.ensureRoot(cctx); err != nil {
		return nil, mapErr(err)
	}
	sess := newSession(s)
	_, err := s.client.TxPipelined(cctx, func(p redis.Pipeliner) error {
		p.Set(cctx, s.sessionKey(sess.id), time.Now().UnixMilli(), s.ttl)
		p.SAdd(cctx, s.registryKey(), sess.id)
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	if err := sess.start(ctx); err != nil {
		_ = s.client.Del(context.Background(), s.sessionKey(sess.id)).Err()
		return nil, err
	}
	s.log.Debug("redis store: session opened", "session", sess.id)
	return sess, nil
}

// Reap removes the ephemeral nodes of every registered session whose key
// expired. It is run by every session heartbeat.
func (s *Server) Reap(ctx context.Context) error {
	ids, err := s.client.SMembers(ctx, s.registryKey()).Result()
	if err != nil {
		return mapErr(err)
	}
	for _, id := range ids {
		n, err := s.client.Exists(ctx, s.sessionKey(id)).Result()
		if err != nil {
			return mapErr(err)
		}
		if n == 0 {
			if err := s.reapSession(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Server) reapSession(ctx context.Context, id string) error {
	paths, err := s.client.SMembers(ctx, s.ephKey(id)).Result()
	if err != nil {
		return mapErr(err)
	}
	for _, p := range paths {
		err := s.deleteNode(ctx, p, store.AnyVersion, "")
		if err != nil && !errors.Is(err, store.ErrNoNode) {
			s.log.Warn("redis store: failed to reap ephemeral node", "session", id, "path", p, "err", err)
			continue
		}
		if err == nil {
			s.log.Debug("redis store: reaped ephemeral node", "session", id, "path", p)
		}
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.ephKey(id))
		p.SRem(ctx, s.registryKey(), id)
		return nil
	})
	return mapErr(err)
}

func (s *Server) createNode(ctx context.Context, sessionID, path string, data []byte, mode store.CreateMode, acl []store.ACL) (string, error) {
	if err := store.Validate(path); err != nil || path == "/" {
		return "", fmt.Errorf("%w: %s", store.ErrInvalidPath, path)
	}
	aclJSON, err := json.Marshal(acl)
	if err != nil {
		return "", err
	}
	parent := store.Parent(path)
	created, err := createScript.Run(ctx, s.client, nil,
		s.prefix, path, parent, data, flag(mode.Ephemeral()), flag(mode.Sequential()),
		sessionID, time.Now().UnixMilli(), aclJSON,
	).Text()
	if err != nil {
		return "", mapErr(err)
	}
	s.publish(wireEvent{Type: wireCreated, Path: created}, wireEvent{Type: wireChildren, Path: parent})
	return created, nil
}

func (s *Server) deleteNode(ctx context.Context, path string, version int32, sessionID string) error {
	if err := store.Validate(path); err != nil || path == "/" {
		return fmt.Errorf("%w: %s", store.ErrInvalidPath, path)
	}
	parent := store.Parent(path)
	err := deleteScript.Run(ctx, s.client, nil, s.prefix, path, parent, version, sessionID).Err()
	if err != nil {
		return mapErr(err)
	}
	s.publish(wireEvent{Type: wireDeleted, Path: path}, wireEvent{Type: wireChildren, Path: parent})
	return nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// mapErr translates script error replies and client failures.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NODE_EXISTS"):
		return store.ErrNodeExists
	case strings.Contains(msg, "NO_NODE"):
		return store.ErrNoNode
	case strings.Contains(msg, "NOT_EMPTY"):
		return store.ErrNotEmpty
	case strings.Contains(msg, "BAD_VERSION"):
		return store.ErrBadVersion
	case strings.Contains(msg, "SESSION_EXPIRED"):
		return store.ErrSessionExpired
	case strings.Contains(msg, "EPHEMERAL_PARENT"):
		return fmt.Errorf("%w: ephemeral nodes can't have children", store.ErrInvalidPath)
	case errors.Is(err, context.DeadlineExceeded):
		return zlerrors.ErrTimeout
	case errors.Is(err, redis.ErrClosed):
		return zlerrors.ErrConnectionClosed
	}
	return err
}
