package store

import (
	"sort"
	"sync"
)

// Dispatcher delivers a session's events to its listeners on a single
// goroutine, in push order. Its queue is unbounded so a slow listener
// never causes a watch notification to be dropped.
type Dispatcher struct {
	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int

	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a dispatcher goroutine.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		listeners: make(map[int]Listener),
		done:      make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// AddListener registers l and returns a function removing it. Listeners
// are called in registration order.
func (d *Dispatcher) AddListener(l Listener) func() {
	d.lmu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = l
	d.lmu.Unlock()
	return func() {
		d.lmu.Lock()
		delete(d.listeners, id)
		d.lmu.Unlock()
	}
}

// Push queues ev. Events pushed after Close are discarded.
func (d *Dispatcher) Push(ev Event) {
	d.mu.Lock()
	if !d.closed {
		d.events = append(d.events, ev)
		d.cond.Signal()
	}
	d.mu.Unlock()
}

// Close stops accepting events. Queued events are still delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Done is closed once every queued event has been delivered after Close.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) pop() (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.events) == 0 && !d.closed {
		d.cond.Wait()
	}
	if len(d.events) == 0 {
		return Event{}, false
	}
	ev := d.events[0]
	d.events[0] = Event{}
	d.events = d.events[1:]
	return ev, true
}

func (d *Dispatcher) snapshot() []Listener {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	ids := make([]int, 0, len(d.listeners))
	for id := range d.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, d.listeners[id])
	}
	return ls
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		ev, ok := d.pop()
		if !ok {
			return
		}
		for _, l := range d.snapshot() {
			l.Process(ev)
		}
	}
}
