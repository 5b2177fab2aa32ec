package lock

import (
	"bytes"
	"context"
	"errors"

	"github.com/google/uuid"

	zlerrors "github.com/mirkobrombin/go-zlock/v1/errors"
	"github.com/mirkobrombin/go-zlock/v1/store"
)

// UnfairNode is the single contended child of an unfair lock path.
const UnfairNode = "unfair_lock"

// Unfair is a lock where every waiter races to re-create one node after the
// holder deletes it. A late arrival can win against an earlier waiter.
type Unfair struct {
	*handle
}

// NewUnfair returns an unfair lock on path bound to the session s.
func NewUnfair(s store.Store, path string, opts ...Option) *Unfair {
	h := newHandle(s, path, opts)
	h.eng = &unfairEngine{h: h}
	h.listen()
	return &Unfair{handle: h}
}

type unfairEngine struct {
	h *handle
}

func (e *unfairEngine) mode() string { return "unfair" }

func (e *unfairEngine) register(ctx context.Context, att *attempt) error {
	h := e.h
	if err := store.EnsurePath(ctx, h.store, h.acl, h.path); err != nil {
		return err
	}
	att.nodePath = store.Join(h.path, UnfairNode)
	att.token = []byte(uuid.NewString())
	att.started = true
	e.tryAcquire(ctx, att)
	return nil
}

func (e *unfairEngine) advance(att *attempt) {
	ctx, cancel := e.h.opContext()
	defer cancel()
	e.tryAcquire(ctx, att)
}

func (e *unfairEngine) tryAcquire(ctx context.Context, att *attempt) {
	h := e.h
	for h.current(att) {
		_, err := h.store.Create(ctx, att.nodePath, att.token, store.ModeEphemeral, h.acl)
		if err == nil {
			att.nodeID = UnfairNode
			h.acquired(att)
			return
		}
		if !errors.Is(err, store.ErrNodeExists) {
			h.cancel(att, zlerrors.Store(att.op, h.path, err))
			return
		}

		att.watched = att.nodePath
		st, err := h.store.Exists(ctx, att.nodePath, true)
		if err != nil {
			att.watched = ""
			h.cancel(att, zlerrors.Store(att.op, h.path, err))
			return
		}
		if st != nil {
			h.log.Debug("zlock: lock node taken, waiting", "path", h.path)
			return
		}
		att.watched = ""
	}
}

// cleanupNode deletes the lock node only when it still carries this
// attempt's token. A pending attempt may own the node too: its Create can
// apply on the server while the reply is lost.
func (e *unfairEngine) cleanupNode(ctx context.Context, att *attempt) error {
	if att.nodePath == "" || len(att.token) == 0 {
		return nil
	}
	h := e.h
	data, st, err := h.store.Get(ctx, att.nodePath)
	if errors.Is(err, store.ErrNoNode) {
		if att.holdsLock {
			h.log.Warn("zlock: lock node already gone", "path", h.path)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if !bytes.Equal(data, att.token) {
		if att.holdsLock {
			h.log.Warn("zlock: lock node owned by another attempt, leaving it", "path", h.path)
		}
		return nil
	}
	if !att.holdsLock {
		h.log.Info("zlock: removing lock node left by a failed create", "path", h.path)
	}
	err = h.store.Delete(ctx, att.nodePath, st.Version)
	if errors.Is(err, store.ErrNoNode) || errors.Is(err, store.ErrBadVersion) {
		h.log.Warn("zlock: lock node changed before delete", "path", h.path, "err", err)
		return nil
	}
	return err
}
