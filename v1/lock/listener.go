package lock

import (
	zlerrors "github.com/mirkobrombin/go-zlock/v1/errors"
	"github.com/mirkobrombin/go-zlock/v1/metrics"
	"github.com/mirkobrombin/go-zlock/v1/store"
)

// sessionListener routes store events to the handle's active attempt.
type sessionListener struct {
	h *handle
}

func (l sessionListener) Process(ev store.Event) {
	l.h.process(ev)
}

func (h *handle) process(ev store.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	att := h.att
	if ev.Type == store.EventNone {
		switch ev.State {
		case store.StateExpired, store.StateClosed:
			cause := store.ErrSessionExpired
			if ev.State == store.StateClosed {
				cause = store.ErrClosed
			}
			switch {
			case att.holdsLock:
				h.log.Warn("zlock: session ended while holding the lock", "path", h.path, "node", att.nodePath, "state", ev.State)
				metrics.HeldGauge.WithLabelValues(h.eng.mode()).Dec()
				att.holdsLock = false
				h.lost = cause
				h.att = newAttempt()
			case att.pending():
				h.cancel(att, zlerrors.Store(att.op, h.path, cause))
			}
		case store.StateConnected, store.StateDisconnected:
			h.log.Debug("zlock: session state changed", "path", h.path, "state", ev.State)
		}
		return
	}

	// Watches are one-shot but never unregistered, so events for paths an
	// earlier attempt abandoned still arrive here.
	if att.watched == "" || ev.Path != att.watched || !h.current(att) {
		h.log.Debug("zlock: ignoring unrelated event", "path", h.path, "event", ev.Type, "event_path", ev.Path)
		return
	}
	att.watched = ""
	h.eng.advance(att)
}
