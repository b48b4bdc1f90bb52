// Package state implements the versioned key-value store shared by the
// orchestration core. Every mutation is stamped with a globally monotonic
// version, giving a happens-before ordering across keys that is cheap to
// compare in logs. Writers contend only on the key they touch.
package state

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Handler receives change notifications for a subscribed key. Handlers run on
// the key's dispatch goroutine: they are invoked in mutation order and must
// not block for long. A handler panic is recovered and logged; it never
// affects the mutator.
type Handler func(key string, value any, version uint64)

// Store is a thread-safe versioned key-value store with per-key locking,
// compare-and-set, and ordered per-key change notification.
type Store struct {
	version atomic.Uint64

	mu      sync.RWMutex
	entries map[string]*entry

	closed atomic.Bool
	wg     sync.WaitGroup
}

type entry struct {
	mu      sync.Mutex
	value   any
	version uint64
	present bool

	// Notification state, guarded by notifyMu (separate from mu so slow
	// handlers never block writers).
	notifyMu   sync.Mutex
	notifyCond *sync.Cond
	pending    []notification
	handlers   []Handler
	dispatched bool
	stopped    bool
}

type notification struct {
	value   any
	version uint64
}

// New creates an empty store.
func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

func (s *Store) entryFor(key string) *entry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok {
		return e
	}
	e = &entry{}
	e.notifyCond = sync.NewCond(&e.notifyMu)
	s.entries[key] = e
	return e
}

// Set replaces the value under key and returns the new global version.
// Subscribers are notified asynchronously, in mutation order.
func (s *Store) Set(key string, value any) uint64 {
	e := s.entryFor(key)

	e.mu.Lock()
	v := s.version.Add(1)
	e.value = value
	e.version = v
	e.present = true
	e.mu.Unlock()

	s.notify(key, e, value, v)
	return v
}

// Get returns the value under key.
func (s *Store) Get(key string) (any, bool) {
	value, _, ok := s.GetVersioned(key)
	return value, ok
}

// GetVersioned returns the value under key together with the version of the
// mutation that produced it.
func (s *Store) GetVersioned(key string) (any, uint64, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, 0, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.present {
		return nil, 0, false
	}
	return e.value, e.version, true
}

// CAS replaces the value under key only if the current version equals
// expected. Returns the new version and true on success. An absent key has
// version 0, so CAS(key, 0, v) creates the key atomically.
func (s *Store) CAS(key string, expected uint64, value any) (uint64, bool) {
	e := s.entryFor(key)

	e.mu.Lock()
	current := uint64(0)
	if e.present {
		current = e.version
	}
	if current != expected {
		e.mu.Unlock()
		return current, false
	}
	v := s.version.Add(1)
	e.value = value
	e.version = v
	e.present = true
	e.mu.Unlock()

	s.notify(key, e, value, v)
	return v, true
}

// Delete removes a key. Subscribers are not notified; a deleted key restarts
// at version 0 for CAS purposes.
func (s *Store) Delete(key string) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.present = false
	e.value = nil
	e.version = 0
	e.mu.Unlock()
}

// Subscribe registers a handler for mutations of key. The handler observes
// every mutation after registration, in order. There is no unsubscribe: the
// store's subscribers live as long as the run.
func (s *Store) Subscribe(key string, h Handler) {
	e := s.entryFor(key)

	e.notifyMu.Lock()
	e.handlers = append(e.handlers, h)
	if !e.dispatched && !s.closed.Load() {
		e.dispatched = true
		s.wg.Add(1)
		go s.dispatch(key, e)
	}
	e.notifyMu.Unlock()
}

func (s *Store) notify(key string, e *entry, value any, version uint64) {
	e.notifyMu.Lock()
	if len(e.handlers) > 0 && !e.stopped {
		e.pending = append(e.pending, notification{value: value, version: version})
		e.notifyCond.Signal()
	}
	e.notifyMu.Unlock()
}

// dispatch delivers queued notifications for one key, preserving order.
func (s *Store) dispatch(key string, e *entry) {
	defer s.wg.Done()
	for {
		e.notifyMu.Lock()
		for len(e.pending) == 0 && !e.stopped {
			e.notifyCond.Wait()
		}
		if e.stopped && len(e.pending) == 0 {
			e.notifyMu.Unlock()
			return
		}
		n := e.pending[0]
		e.pending = e.pending[1:]
		handlers := make([]Handler, len(e.handlers))
		copy(handlers, e.handlers)
		e.notifyMu.Unlock()

		for _, h := range handlers {
			s.invoke(key, h, n)
		}
	}
}

func (s *Store) invoke(key string, h Handler, n notification) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("State subscriber panicked", "key", key, "version", n.version, "panic", r)
		}
	}()
	h(key, n.value, n.version)
}

// Version returns the current global version counter.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// Keys returns all present keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		e.mu.Lock()
		present := e.present
		e.mu.Unlock()
		if present {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of present keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		e.mu.Lock()
		if e.present {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Close drains pending notifications and stops all dispatch goroutines.
// Mutations after Close still apply but are no longer delivered.
func (s *Store) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.RLock()
	for _, e := range s.entries {
		e.notifyMu.Lock()
		e.stopped = true
		e.notifyCond.Broadcast()
		e.notifyMu.Unlock()
	}
	s.mu.RUnlock()
	s.wg.Wait()
}
