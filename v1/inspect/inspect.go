// Package inspect reports who holds a lock path and who is queued behind
// it, as a one-off snapshot or as a stream that follows the path's child
// set.
package inspect

import (
	"context"
	"errors"

	"github.com/mirkobrombin/go-zlock/v1/lock"
	"github.com/mirkobrombin/go-zlock/v1/store"
)

// Queue is the state of one lock path.
type Queue struct {
	Path string `json:"path"`
	// Holder is the fair member at the head of the queue.
	Holder  string   `json:"holder,omitempty"`
	Waiters []string `json:"waiters"`
	// UnfairToken is the owner token of the unfair lock node, if held.
	UnfairToken string `json:"unfair_token,omitempty"`
}

func (q Queue) equal(o Queue) bool {
	if q.Path != o.Path || q.Holder != o.Holder || q.UnfairToken != o.UnfairToken || len(q.Waiters) != len(o.Waiters) {
		return false
	}
	for i := range q.Waiters {
		if q.Waiters[i] != o.Waiters[i] {
			return false
		}
	}
	return true
}

// Snapshot reads the queue of path. A path that was never locked yields
// an empty queue.
func Snapshot(ctx context.Context, s store.Store, path string) (Queue, error) {
	return snapshot(ctx, s, path, false)
}

func snapshot(ctx context.Context, s store.Store, path string, watch bool) (Queue, error) {
	q := Queue{Path: path, Waiters: []string{}}
	if err := store.Validate(path); err != nil {
		return q, err
	}
	children, err := s.Children(ctx, path, watch)
	if errors.Is(err, store.ErrNoNode) {
		if watch {
			// Wake up when the lock path gets created.
			if _, err := s.Exists(ctx, path, true); err != nil {
				return q, err
			}
		}
		return q, nil
	}
	if err != nil {
		return q, err
	}
	members := lock.Members(children)
	if len(members) > 0 {
		q.Holder = members[0]
		q.Waiters = append(q.Waiters, members[1:]...)
	}
	for _, c := range children {
		if c != lock.UnfairNode {
			continue
		}
		data, _, err := s.Get(ctx, store.Join(path, c))
		if errors.Is(err, store.ErrNoNode) {
			break
		}
		if err != nil {
			return q, err
		}
		q.UnfairToken = string(data)
	}
	return q, nil
}

// Watch sends the queue of path now and again after every change, until
// ctx ends or the session is lost. Unchanged snapshots are not repeated.
func Watch(ctx context.Context, s store.Store, path string) (<-chan Queue, error) {
	if err := store.Validate(path); err != nil {
		return nil, err
	}
	if err := s.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	wake := make(chan struct{}, 1)
	lost := make(chan struct{})
	var lostOnce bool
	remove := s.AddListener(store.ListenerFunc(func(ev store.Event) {
		if ev.Type == store.EventNone {
			if (ev.State == store.StateExpired || ev.State == store.StateClosed) && !lostOnce {
				lostOnce = true
				close(lost)
			}
			return
		}
		if ev.Path != path {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}))

	out := make(chan Queue)
	go func() {
		defer close(out)
		defer remove()
		var last Queue
		first := true
		for {
			q, err := snapshot(ctx, s, path, true)
			if err != nil {
				return
			}
			if first || !q.equal(last) {
				select {
				case out <- q:
				case <-ctx.Done():
					return
				}
				first = false
				last = q
			}
			select {
			case <-wake:
			case <-lost:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
