// Package collection holds the client-side copy of published DDP data.
//
// A Store owns one Collection per name. The connection's dispatcher is the
// only writer: it applies added, changed and removed deltas in arrival order,
// and every applied delta is fanned out as an Event to the collection's
// observers. Everything else reads.
package collection

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/cskr/pubsub"
)

// IDField is the key under which a document's identifier is stored in its fields.
const IDField = "_id"

const defaultBusCapacity = 64

// Document is one document's field map, including IDField.
type Document map[string]any

// ID returns the document identifier.
func (d Document) ID() string {
	id, _ := d[IDField].(string)
	return id
}

// Store is the set of collections of one client.
type Store struct {
	logger     *slog.Logger
	queueLimit int

	mu        sync.RWMutex
	cols      map[string]*Collection
	observers map[*Observer]struct{}
	bus       *pubsub.PubSub
	closed    bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used for observer bookkeeping.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithQueueLimit bounds every observer queue to n events. When an observer
// falls n events behind, its oldest queued event is dropped. n <= 0 means unbounded.
func WithQueueLimit(n int) StoreOption {
	return func(s *Store) {
		s.queueLimit = n
	}
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		logger:    slog.Default(),
		cols:      make(map[string]*Collection),
		observers: make(map[*Observer]struct{}),
		bus:       pubsub.New(defaultBusCapacity),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Collection returns the named collection, creating it empty on first use.
func (s *Store) Collection(name string) *Collection {
	s.mu.RLock()
	c, ok := s.cols[name]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cols[name]; ok {
		return c
	}
	c = &Collection{name: name, store: s, docs: make(map[string]Document)}
	s.cols[name] = c
	return c
}

// Names lists the collections referenced so far, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.cols))
	for name := range s.cols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResetAll empties every collection. Observers receive a Removed event for
// each document that was dropped, so that their view stays consistent.
func (s *Store) ResetAll() {
	for _, name := range s.Names() {
		s.Collection(name).reset()
	}
}

// ApplyAdded inserts or replaces a document.
func (s *Store) ApplyAdded(collection, id string, fields map[string]any) {
	s.Collection(collection).applyAdded(id, fields)
}

// ApplyChanged merges fields into a document, or, when fields is empty,
// removes the cleared keys. It reports whether the document existed; the event is published either way.
func (s *Store) ApplyChanged(collection, id string, fields map[string]any, cleared []string) bool {
	return s.Collection(collection).applyChanged(id, fields, cleared)
}

// ApplyRemoved deletes a document and reports whether it existed.
func (s *Store) ApplyRemoved(collection, id string) bool {
	return s.Collection(collection).applyRemoved(id)
}

// Close releases every observer. Their event channels are closed once any
// queued events have been discarded. Later deltas are applied but not published.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	observers := make([]*Observer, 0, len(s.observers))
	for o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()

	for _, o := range observers {
		o.release()
	}
	s.bus.Shutdown()
}

func (s *Store) publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.bus.Pub(ev, ev.Collection)
}

// Collection is a named, unordered set of documents keyed by id.
type Collection struct {
	name  string
	store *Store

	mu   sync.RWMutex
	docs map[string]Document
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Get returns a copy of the document with the given id.
func (c *Collection) Get(id string) (Document, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.docs[id]
	if !ok {
		return nil, false
	}
	return Document(cloneMap(d)), true
}

// Len returns the number of documents.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// IDs returns the document ids, sorted.
func (c *Collection) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a copy of every document keyed by id.
func (c *Collection) Snapshot() map[string]Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Document, len(c.docs))
	for id, d := range c.docs {
		out[id] = Document(cloneMap(d))
	}
	return out
}

// Range calls fn for each document until fn returns false. fn receives
// copies and runs without the collection lock held.
func (c *Collection) Range(fn func(id string, doc Document) bool) {
	for id, doc := range c.Snapshot() {
		if !fn(id, doc) {
			return
		}
	}
}

// Observe registers a new observer that receives every subsequent event of
// this collection in application order. ResetAll, run on every successful
// (re)connect, publishes a Removed event for each document it drops, so
// observers see those even though the server sent no removed message.
// Call Close on the observer when done.
func (c *Collection) Observe() *Observer {
	return c.store.observe(c.name)
}

func (c *Collection) applyAdded(id string, fields map[string]any) {
	doc := Document(cloneMap(fields))
	if doc == nil {
		doc = make(Document, 1)
	}
	doc[IDField] = id

	c.mu.Lock()
	c.docs[id] = doc
	c.mu.Unlock()

	c.store.publish(Event{Type: EventAdded, Collection: c.name, ID: id, Fields: cloneMap(fields)})
}

func (c *Collection) applyChanged(id string, fields map[string]any, cleared []string) bool {
	// Cleared keys only apply to a delta that carries no fields.
	if len(fields) > 0 {
		cleared = nil
	} else {
		fields = nil
	}

	c.mu.Lock()
	doc, ok := c.docs[id]
	if ok {
		for k, v := range fields {
			doc[k] = cloneValue(v)
		}
		for _, k := range cleared {
			if k == IDField {
				continue
			}
			delete(doc, k)
		}
	}
	c.mu.Unlock()

	c.store.publish(Event{
		Type:       EventChanged,
		Collection: c.name,
		ID:         id,
		Fields:     cloneMap(fields),
		Cleared:    append([]string(nil), cleared...),
	})
	return ok
}

func (c *Collection) applyRemoved(id string) bool {
	c.mu.Lock()
	_, ok := c.docs[id]
	delete(c.docs, id)
	c.mu.Unlock()

	c.store.publish(Event{Type: EventRemoved, Collection: c.name, ID: id})
	return ok
}

func (c *Collection) reset() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	c.docs = make(map[string]Document)
	c.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		c.store.publish(Event{Type: EventRemoved, Collection: c.name, ID: id})
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Document:
		return Document(cloneMap(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
