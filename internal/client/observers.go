package client

import (
	"sync"

	"github.com/kimhsiao/localsync/internal/models"
)

// Origin tells an observer whether a change was made through this client or
// arrived from the server via pull.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Event describes one applied change. Record is nil for deletes.
type Event struct {
	Model     string
	Operation models.Operation
	KeyPath   models.KeyPath
	Record    *models.Record
	Origin    Origin
}

// Disposer unregisters an observer.
type Disposer func()

// Handler receives change events. Handlers run synchronously on the mutating
// goroutine, in subscription order; keep them short.
type Handler func(Event)

type observer struct {
	id      int
	model   string
	op      models.Operation
	handler Handler
}

type observerSet struct {
	mu        sync.RWMutex
	nextID    int
	observers []observer
}

func newObserverSet() *observerSet {
	return &observerSet{}
}

func (s *observerSet) subscribe(model string, op models.Operation, handler Handler) Disposer {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.observers = append(s.observers, observer{id: id, model: model, op: op, handler: handler})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, o := range s.observers {
			if o.id == id {
				s.observers = append(s.observers[:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

func (s *observerSet) notify(e Event) {
	s.mu.RLock()
	matched := make([]Handler, 0, len(s.observers))
	for _, o := range s.observers {
		if o.model != "" && o.model != e.Model {
			continue
		}
		if o.op != "" && o.op != e.Operation {
			continue
		}
		matched = append(matched, o.handler)
	}
	s.mu.RUnlock()

	for _, h := range matched {
		h(e)
	}
}

// Subscribe registers a handler for changes matching the model and
// operation filters; an empty model or operation matches everything. The
// returned Disposer unregisters it.
func (c *Client) Subscribe(model string, op models.Operation, handler Handler) Disposer {
	return c.observers.subscribe(model, op, handler)
}
