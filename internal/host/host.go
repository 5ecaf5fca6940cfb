// Package host defines the collaborator interfaces the capture pipeline
// consumes from the managed runtime it is attached to.
package host

import (
	"errors"
	"sync"
)

// ThreadHandle identifies a runtime thread for the duration of a single
// notification. Handles are only comparable while the thread is alive.
type ThreadHandle uint64

// ThreadRole marks threads the agent created for itself so they can be
// excluded from observation without comparing display names.
type ThreadRole uint8

const (
	RoleApplication ThreadRole = iota
	RoleAgent
)

func (r ThreadRole) String() string {
	switch r {
	case RoleApplication:
		return "application"
	case RoleAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// ThreadInfo is what the runtime reports about a thread.
type ThreadInfo struct {
	Name string
	Role ThreadRole
}

var (
	// ErrThreadGone is returned when a thread has already exited at the
	// runtime level. Callers sampling state treat it as expected.
	ErrThreadGone = errors.New("thread no longer exists")

	// ErrNoHandler is returned when the runtime is started without a
	// registered event handler.
	ErrNoHandler = errors.New("no event handler registered")
)

// DurableRef keeps a runtime thread object reachable across callbacks.
// Release must be called exactly once.
type DurableRef interface {
	Thread() ThreadHandle
	Release() error
}

// EventHandler receives the runtime notifications the agent subscribes to.
// OnThreadStart and OnThreadEnd are invoked on the affected thread itself and
// may run concurrently with each other.
type EventHandler interface {
	OnRuntimeStart()
	OnRuntimeDeath()
	OnThreadStart(thread ThreadHandle)
	OnThreadEnd(thread ThreadHandle)
}

// Runtime is the subset of the host runtime interface used by the agent.
type Runtime interface {
	// SetEventHandler registers the notification callbacks.
	SetEventHandler(h EventHandler) error

	// CreateRawMonitor returns a runtime-provided mutual exclusion primitive.
	CreateRawMonitor(name string) (sync.Locker, error)

	// ThreadInfo returns the display name and role of a live thread.
	ThreadInfo(thread ThreadHandle) (ThreadInfo, error)

	// ThreadState returns the current state bitmask of the referenced
	// thread, or ErrThreadGone.
	ThreadState(ref DurableRef) (ThreadState, error)

	// NewDurableRef pins a thread object so it survives past the callback.
	NewDurableRef(thread ThreadHandle) (DurableRef, error)

	// AttachAgentThread registers the calling goroutine as a runtime thread
	// with RoleAgent. The returned function detaches it again.
	AttachAgentThread(name string) (detach func(), err error)
}
