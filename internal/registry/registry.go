// Package registry tracks the runtime threads currently under observation.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"threadwatch/internal/host"
)

// ErrNotFound is returned by Remove when no entry matches the handle. It
// points at a start/end notification mismatch and is never fatal.
var ErrNotFound = errors.New("thread not registered")

// Entry is the bookkeeping kept for one observed thread. Entries are owned
// by the Registry; callers may use them only during a single callback or
// visit.
type Entry struct {
	next *Entry

	ID     int32
	Name   string
	Handle host.ThreadHandle
	Ref    host.DurableRef

	// LastState is the most recently recorded state. Observed is false
	// until the first sample has been recorded.
	LastState host.ThreadState
	Observed  bool
}

// Registry is an ordered singly linked list of entries guarded by one mutex.
// Ids are assigned at insertion, start at 0 and are never reused.
type Registry struct {
	mu     sync.Mutex
	head   *Entry
	tail   *Entry
	size   int
	nextID int32
}

// New returns an empty registry whose ids start at 0.
func New() *Registry {
	return &Registry{}
}

// Insert appends a new entry for the thread and returns it. fn, if not nil,
// runs on the linked entry before the registry lock is released, so no
// visitor can see the entry before fn has completed.
func (r *Registry) Insert(name string, handle host.ThreadHandle, ref host.DurableRef, fn func(*Entry)) *Entry {
	e := &Entry{
		Name:   name,
		Handle: handle,
		Ref:    ref,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e.ID = r.nextID
	r.nextID++
	if r.head == nil {
		r.head = e
	} else {
		r.tail.next = e
	}
	r.tail = e
	r.size++
	if fn != nil {
		fn(e)
	}
	return e
}

// Find returns the first entry for handle, or nil. The agent does not use
// it on the hot path; Remove reports a missing entry itself. It serves
// diagnostics and tests.
func (r *Registry) Find(handle host.ThreadHandle) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	for e := r.head; e != nil; e = e.next {
		if e.Handle == handle {
			return e
		}
	}
	return nil
}

// Remove unlinks the entry for handle. cleanup, if not nil, runs on the entry
// while the registry lock is still held, before the entry is unlinked.
func (r *Registry) Remove(handle host.ThreadHandle, cleanup func(*Entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prev *Entry
	for e := r.head; e != nil; prev, e = e, e.next {
		if e.Handle != handle {
			continue
		}
		if cleanup != nil {
			cleanup(e)
		}
		if prev == nil {
			r.head = e.next
		} else {
			prev.next = e.next
		}
		if r.tail == e {
			r.tail = prev
		}
		e.next = nil
		e.Ref = nil
		r.size--
		return nil
	}
	return fmt.Errorf("%w: handle %#x", ErrNotFound, uint64(handle))
}

// VisitAll calls fn for every entry in insertion order while holding the
// registry lock. fn must not call back into the Registry.
func (r *Registry) VisitAll(fn func(*Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for e := r.head; e != nil; e = e.next {
		fn(e)
	}
}

// Len returns the number of registered threads.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
