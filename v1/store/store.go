// Package store defines the coordination-store contract the lock engines
// consume: a tree of named nodes with ephemeral and sequential creation
// modes, versioned deletes and one-shot watches delivered to session
// listeners.
//
// Implementations live in the memory, redis and zookeeper subpackages.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNodeExists     = errors.New("store: node already exists")
	ErrNoNode         = errors.New("store: node does not exist")
	ErrNotEmpty       = errors.New("store: node has children")
	ErrBadVersion     = errors.New("store: version mismatch")
	ErrSessionExpired = errors.New("store: session expired")
	ErrClosed         = errors.New("store: session closed")
	ErrInvalidPath    = errors.New("store: invalid path")
)

// AnyVersion disables the version check of Delete.
const AnyVersion int32 = -1

// CreateMode selects node lifetime and naming.
type CreateMode int

const (
	ModePersistent CreateMode = iota
	ModeEphemeral
	ModePersistentSequential
	ModeEphemeralSequential
)

// Ephemeral reports whether nodes created with m die with their session.
func (m CreateMode) Ephemeral() bool {
	return m == ModeEphemeral || m == ModeEphemeralSequential
}

// Sequential reports whether the store appends a sequence suffix.
func (m CreateMode) Sequential() bool {
	return m == ModePersistentSequential || m == ModeEphemeralSequential
}

func (m CreateMode) String() string {
	switch m {
	case ModePersistent:
		return "persistent"
	case ModeEphemeral:
		return "ephemeral"
	case ModePersistentSequential:
		return "persistent-sequential"
	case ModeEphemeralSequential:
		return "ephemeral-sequential"
	}
	return "unknown"
}

// Permission bits of an ACL entry.
const (
	PermRead int32 = 1 << iota
	PermWrite
	PermCreate
	PermDelete
	PermAdmin
	PermAll = 0x1f
)

// ACL is an access policy entry applied to created nodes.
type ACL struct {
	Perms  int32
	Scheme string
	ID     string
}

// WorldACL returns an ACL granting perms to everyone.
func WorldACL(perms int32) []ACL {
	return []ACL{{Perms: perms, Scheme: "world", ID: "anyone"}}
}

// OpenACL is the unrestricted policy used when none is configured.
var OpenACL = WorldACL(PermAll)

// Stat describes a node.
type Stat struct {
	Version        int32
	CVersion       int32
	EphemeralOwner string
	NumChildren    int32
	Ctime          time.Time
	Mtime          time.Time
}

// EventType is the kind of change a watch reports.
type EventType int

const (
	// EventNone carries a session state change instead of a node change.
	EventNone EventType = iota
	EventNodeCreated
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
)

func (t EventType) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventNodeCreated:
		return "node-created"
	case EventNodeDeleted:
		return "node-deleted"
	case EventNodeDataChanged:
		return "node-data-changed"
	case EventNodeChildrenChanged:
		return "node-children-changed"
	}
	return "unknown"
}

// SessionState is the lifecycle state of a store session.
type SessionState int

const (
	StateUnknown SessionState = iota
	StateConnected
	StateDisconnected
	StateExpired
	// StateClosed is delivered once when the session is closed by its
	// owner. Like StateExpired it is terminal.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Event is delivered to listeners when a watch fires or the session
// changes state. Path is empty for session events.
type Event struct {
	Type  EventType
	State SessionState
	Path  string
}

// Listener observes session and watch events. Process is called from the
// store's dispatch goroutine, one event at a time, in delivery order.
type Listener interface {
	Process(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// Process implements Listener.
func (f ListenerFunc) Process(ev Event) { f(ev) }

// Store is one connected session on a coordination store.
type Store interface {
	// EnsureConnected fails when the session is closed or expired.
	EnsureConnected(ctx context.Context) error
	// Exists returns nil when path is absent. With watch set, the next
	// create, delete or data change of path fires a one-shot event.
	Exists(ctx context.Context, path string, watch bool) (*Stat, error)
	// Create returns the created path, which carries the sequence suffix
	// for sequential modes.
	Create(ctx context.Context, path string, data []byte, mode CreateMode, acl []ACL) (string, error)
	// Delete removes path when version matches or is AnyVersion.
	Delete(ctx context.Context, path string, version int32) error
	// Children returns child names, unordered. With watch set, the next
	// change of the child set (or deletion of path) fires a one-shot event.
	Children(ctx context.Context, path string, watch bool) ([]string, error)
	// Get returns the node payload.
	Get(ctx context.Context, path string) ([]byte, *Stat, error)
	// AddListener registers l for session and watch events and returns a
	// function removing it.
	AddListener(l Listener) (remove func())
}

// IsRace reports whether err is one of the expected races the lock
// protocol absorbs inline.
func IsRace(err error) bool {
	return errors.Is(err, ErrNodeExists) || errors.Is(err, ErrNoNode)
}
