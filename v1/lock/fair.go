package lock

import (
	"context"
	"errors"
	"sort"
	"strings"

	zlerrors "github.com/mirkobrombin/go-zlock/v1/errors"
	"github.com/mirkobrombin/go-zlock/v1/store"
)

// MemberPrefix names the sequential children of a fair lock path.
const MemberPrefix = "member_"

// Fair is a FIFO lock: waiters are served in the order the store assigned
// their sequence numbers, each one watching only its predecessor.
type Fair struct {
	*handle
}

// NewFair returns a fair lock on path bound to the session s.
func NewFair(s store.Store, path string, opts ...Option) *Fair {
	h := newHandle(s, path, opts)
	h.eng = &fairEngine{h: h}
	h.listen()
	return &Fair{handle: h}
}

type fairEngine struct {
	h *handle
}

func (e *fairEngine) mode() string { return "fair" }

func (e *fairEngine) register(ctx context.Context, att *attempt) error {
	h := e.h
	if err := store.EnsurePath(ctx, h.store, h.acl, h.path); err != nil {
		return err
	}
	created, err := h.store.Create(ctx, store.Join(h.path, MemberPrefix), nil, store.ModeEphemeralSequential, h.acl)
	if err != nil {
		return zlerrors.Store(att.op, h.path, err)
	}
	att.nodePath = created
	att.nodeID = store.Base(created)
	att.started = true
	h.log.Debug("zlock: registered in queue", "path", h.path, "node", att.nodeID)
	e.check(ctx, att)
	return nil
}

func (e *fairEngine) advance(att *attempt) {
	ctx, cancel := e.h.opContext()
	defer cancel()
	e.check(ctx, att)
}

// check re-derives the attempt's rank from a fresh listing until it either
// holds the lock or has a watch armed on a live predecessor.
func (e *fairEngine) check(ctx context.Context, att *attempt) {
	h := e.h
	for h.current(att) {
		children, err := h.store.Children(ctx, h.path, false)
		if err != nil {
			h.cancel(att, zlerrors.Store(att.op, h.path, err))
			return
		}
		members := Members(children)
		rank := sort.SearchStrings(members, att.nodeID)
		if len(members) == 0 || rank == len(members) || members[rank] != att.nodeID {
			h.cancel(att, zlerrors.Protocol(att.op, h.path, "own node %s missing from queue of %d", att.nodeID, len(members)))
			return
		}
		if rank == 0 {
			h.acquired(att)
			return
		}

		pred := store.Join(h.path, members[rank-1])
		att.watched = pred
		st, err := h.store.Exists(ctx, pred, true)
		if err != nil {
			att.watched = ""
			h.cancel(att, zlerrors.Store(att.op, h.path, err))
			return
		}
		if st != nil {
			h.log.Debug("zlock: waiting on predecessor", "path", h.path, "node", att.nodeID, "predecessor", pred)
			return
		}
		// Predecessor vanished between listing and watching: no event will
		// come for it, so check again now.
		att.watched = ""
	}
}

func (e *fairEngine) cleanupNode(ctx context.Context, att *attempt) error {
	if att.nodePath == "" {
		return nil
	}
	err := e.h.store.Delete(ctx, att.nodePath, store.AnyVersion)
	if err != nil && !errors.Is(err, store.ErrNoNode) {
		return err
	}
	return nil
}

// Members filters children to lock members in arrival order. Sequence
// suffixes are zero padded, so lexicographic order is arrival order.
func Members(children []string) []string {
	out := make([]string, 0, len(children))
	for _, c := range children {
		if strings.HasPrefix(c, MemberPrefix) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
