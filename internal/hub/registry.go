package hub

import (
	"sort"
	"sync"

	"meshbridge/pkg/interfaces"
)

// Registry tracks attached observers by id
// ARCHITECTURAL DISCOVERY: Pure observer tracking without delivery logic; only the
// hub goroutine mutates it, readers such as health checks take the read lock
type Registry struct {
	mu        sync.RWMutex
	observers map[string]interfaces.Observer
	order     map[string]uint64
	seq       uint64
}

func NewRegistry() *Registry {
	return &Registry{
		observers: make(map[string]interfaces.Observer),
		order:     make(map[string]uint64),
	}
}

// Register adds an observer. Ids must be unique while attached.
func (r *Registry) Register(observer interfaces.Observer) error {
	if observer == nil {
		return ErrNilObserver
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := observer.ID()
	if _, exists := r.observers[id]; exists {
		return ErrDuplicateObserver
	}
	r.seq++
	r.observers[id] = observer
	r.order[id] = r.seq
	return nil
}

// Unregister removes an observer and returns it
// FUNCTIONAL DISCOVERY: Idempotent operation safe for concurrent unregistration
func (r *Registry) Unregister(id string) (interfaces.Observer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	observer, exists := r.observers[id]
	if !exists {
		return nil, false
	}
	delete(r.observers, id)
	delete(r.order, id)
	return observer, true
}

func (r *Registry) Get(id string) (interfaces.Observer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	observer, exists := r.observers[id]
	return observer, exists
}

// List returns observers in attach order.
func (r *Registry) List() []interfaces.Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]interfaces.Observer, 0, len(r.observers))
	for _, observer := range r.observers {
		list = append(list, observer)
	}
	sort.Slice(list, func(i, j int) bool {
		return r.order[list[i].ID()] < r.order[list[j].ID()]
	})
	return list
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// Drain removes and returns every observer.
func (r *Registry) Drain() []interfaces.Observer {
	list := r.List()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = make(map[string]interfaces.Observer)
	r.order = make(map[string]uint64)
	return list
}
