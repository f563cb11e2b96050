package collection

import (
	"sync"
	"sync/atomic"
)

// Observer receives the events of one collection. Each observer has its own
// queue fed from the store's bus, so a slow or idle observer never holds up
// delivery to the others.
type Observer struct {
	collection string
	store      *Store
	limit      int

	in      chan interface{}
	out     chan Event
	stop    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func (s *Store) observe(name string) *Observer {
	o := &Observer{
		collection: name,
		store:      s,
		limit:      s.queueLimit,
		out:        make(chan Event),
		stop:       make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		o.once.Do(func() {})
		close(o.out)
		return o
	}
	o.in = s.bus.Sub(name)
	s.observers[o] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("collection observer registered", "collection", name)
	go o.pump()
	return o
}

// Events returns the event channel. It is closed after Close.
func (o *Observer) Events() <-chan Event {
	return o.out
}

// Collection returns the name of the observed collection.
func (o *Observer) Collection() string {
	return o.collection
}

// Dropped reports how many events were discarded because the queue limit was reached.
func (o *Observer) Dropped() uint64 {
	return o.dropped.Load()
}

// Close unregisters the observer and discards anything still queued.
func (o *Observer) Close() {
	o.release()
}

func (o *Observer) release() {
	o.once.Do(func() {
		close(o.stop)
		o.store.bus.Unsub(o.in, o.collection)

		o.store.mu.Lock()
		delete(o.store.observers, o)
		o.store.mu.Unlock()

		o.store.logger.Debug("collection observer released", "collection", o.collection, "dropped", o.dropped.Load())
	})
}

func (o *Observer) pump() {
	defer close(o.out)

	var queue []Event
	for {
		var out chan Event
		var next Event
		if len(queue) > 0 {
			out = o.out
			next = queue[0]
		}

		select {
		case v, ok := <-o.in:
			if !ok {
				return
			}
			ev, ok := v.(Event)
			if !ok {
				continue
			}
			queue = append(queue, ev)
			if o.limit > 0 && len(queue) > o.limit {
				queue[0] = Event{}
				queue = queue[1:]
				o.dropped.Add(1)
			}
		case out <- next:
			queue[0] = Event{}
			queue = queue[1:]
		case <-o.stop:
			// Keep draining until the bus closes our channel, so it never blocks on us.
			for range o.in {
			}
			return
		}
	}
}
