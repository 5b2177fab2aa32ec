package lock

import (
	"sync"
	"time"
)

// syncPoint is a single-fire gate. The caller blocks on done() until an
// event callback or a cancellation fires it.
type syncPoint struct {
	once sync.Once
	ch   chan struct{}
}

func newSyncPoint() *syncPoint {
	return &syncPoint{ch: make(chan struct{})}
}

func (p *syncPoint) fire() {
	p.once.Do(func() { close(p.ch) })
}

func (p *syncPoint) done() <-chan struct{} {
	return p.ch
}

func (p *syncPoint) fired() bool {
	select {
	case <-p.ch:
		return true
	default:
		return false
	}
}

// attempt is the state of one acquisition, shared between the caller and
// the event callbacks. A handle swaps in a fresh attempt instead of
// resetting fields, so callbacks holding a stale pointer can detect it.
type attempt struct {
	op    string
	start time.Time

	started   bool
	nodeID    string
	nodePath  string
	watched   string
	token     []byte
	holdsLock bool
	aborted   bool
	err       error

	sync *syncPoint
}

func newAttempt() *attempt {
	return &attempt{sync: newSyncPoint()}
}

// pending reports whether the attempt is registered and still waiting.
func (a *attempt) pending() bool {
	return a.started && !a.sync.fired()
}
