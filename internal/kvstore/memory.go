package kvstore

import (
	"context"
	"strings"
	"sync"
)

// Hub is the shared state behind one or more Memory handles. Each handle
// models an independent execution context (a "tab"); mutations through one
// handle notify watchers on every other handle, mirroring how platform
// storage events fire in sibling contexts but not the mutating one.
type Hub struct {
	mu      sync.RWMutex
	data    map[string]string
	handles map[int]*Memory
	next    int
}

// NewHub creates an empty in-memory hub.
func NewHub() *Hub {
	return &Hub{
		data:    make(map[string]string),
		handles: make(map[int]*Memory),
	}
}

// Open returns a new context handle onto the hub.
func (h *Hub) Open() *Memory {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := &Memory{
		hub:      h,
		id:       h.next,
		watchers: make(map[int]watcher),
	}
	h.handles[h.next] = m
	h.next++
	return m
}

func (h *Hub) broadcast(origin int, ev Event) {
	h.mu.RLock()
	targets := make([]*Memory, 0, len(h.handles))
	for id, m := range h.handles {
		if id == origin {
			continue
		}
		targets = append(targets, m)
	}
	h.mu.RUnlock()
	for _, m := range targets {
		m.dispatch(ev)
	}
}

type watcher struct {
	prefix string
	fn     WatchFunc
}

// Memory is an in-process Store handle backed by a Hub. It is the test
// substrate and the single-context default.
type Memory struct {
	hub *Hub
	id  int

	wmu      sync.Mutex
	watchers map[int]watcher
	wnext    int
	closed   bool
}

// NewMemory returns a standalone single-context store.
func NewMemory() *Memory {
	return NewHub().Open()
}

var _ Store = (*Memory)(nil)

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.hub.mu.RLock()
	defer m.hub.mu.RUnlock()
	v, ok := m.hub.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.hub.mu.Lock()
	m.hub.data[key] = value
	m.hub.mu.Unlock()
	m.hub.broadcast(m.id, Event{Key: key, Value: value})
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.hub.mu.Lock()
	_, existed := m.hub.data[key]
	delete(m.hub.data, key)
	m.hub.mu.Unlock()
	if existed {
		m.hub.broadcast(m.id, Event{Key: key, Removed: true})
	}
	return nil
}

func (m *Memory) Watch(prefix string, fn WatchFunc) (func(), error) {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	id := m.wnext
	m.wnext++
	m.watchers[id] = watcher{prefix: prefix, fn: fn}
	return func() {
		m.wmu.Lock()
		delete(m.watchers, id)
		m.wmu.Unlock()
	}, nil
}

func (m *Memory) Close() error {
	m.wmu.Lock()
	m.closed = true
	m.watchers = make(map[int]watcher)
	m.wmu.Unlock()

	m.hub.mu.Lock()
	delete(m.hub.handles, m.id)
	m.hub.mu.Unlock()
	return nil
}

func (m *Memory) dispatch(ev Event) {
	m.wmu.Lock()
	var fns []WatchFunc
	for _, w := range m.watchers {
		if strings.HasPrefix(ev.Key, w.prefix) {
			fns = append(fns, w.fn)
		}
	}
	m.wmu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
