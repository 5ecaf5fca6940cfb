// Package simhost is an in-memory host runtime. It implements host.Runtime,
// delivers notifications synchronously on the caller's goroutine and lets
// callers drive thread lifecycles and states directly.
package simhost

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/phuslu/log"
	"github.com/puzpuzpuz/xsync/v4"

	"threadwatch/internal/host"
	"threadwatch/internal/logger"
)

// Op names a runtime operation that can be made to fail.
type Op int

const (
	OpRawMonitor Op = iota
	OpThreadInfo
	OpThreadState
	OpDurableRef
	OpAttach
)

var ErrReleased = errors.New("durable reference already released")

// thread is the runtime-side thread object. It stays in the thread table
// until it has exited and every durable reference to it is released.
type thread struct {
	handle host.ThreadHandle
	name   string
	role   host.ThreadRole
	state  atomic.Int32
	refs   atomic.Int32
	exited atomic.Bool
}

// Runtime is a simulated host runtime.
type Runtime struct {
	threads    *xsync.Map[host.ThreadHandle, *thread]
	nextHandle atomic.Uint64

	mu      sync.Mutex
	handler host.EventHandler
	faults  map[Op]error

	started atomic.Bool
	dead    atomic.Bool

	log log.Logger
}

// New returns a runtime with no threads and no event handler.
func New() *Runtime {
	return &Runtime{
		threads: xsync.NewMap[host.ThreadHandle, *thread](),
		faults:  make(map[Op]error),
		log:     logger.NewLoggerWithContext("simhost"),
	}
}

// InjectFault makes every later call of op fail with err. A nil err clears
// the fault.
func (r *Runtime) InjectFault(op Op, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.faults, op)
		return
	}
	r.faults[op] = err
}

func (r *Runtime) fault(op Op) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.faults[op]
}

func (r *Runtime) eventHandler() host.EventHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler
}

func (r *Runtime) SetEventHandler(h host.EventHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handler != nil {
		return errors.New("event handler already registered")
	}
	r.handler = h
	return nil
}

// Start delivers the runtime start notification. It may be called once.
func (r *Runtime) Start() error {
	h := r.eventHandler()
	if h == nil {
		return host.ErrNoHandler
	}
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("runtime already started")
	}
	r.log.Debug().Msg("Delivering runtime start")
	h.OnRuntimeStart()
	return nil
}

// Shutdown delivers the runtime death notification. Threads still alive do
// not receive an end notification, as with a real runtime exit.
func (r *Runtime) Shutdown() error {
	h := r.eventHandler()
	if h == nil {
		return host.ErrNoHandler
	}
	if !r.dead.CompareAndSwap(false, true) {
		return errors.New("runtime already shut down")
	}
	r.log.Debug().Int("live_threads", r.threads.Size()).Msg("Delivering runtime death")
	h.OnRuntimeDeath()
	return nil
}

// Thread is a caller-side handle on a simulated thread.
type Thread struct {
	rt *Runtime
	t  *thread
}

func (t *Thread) Handle() host.ThreadHandle { return t.t.handle }
func (t *Thread) Name() string              { return t.t.name }

// SetState changes the state the runtime reports for the thread.
func (t *Thread) SetState(s host.ThreadState) {
	t.t.state.Store(int32(s))
}

// Exit delivers the thread end notification and then marks the thread
// terminated. Calling Exit twice is a no-op.
func (t *Thread) Exit() {
	if t.t.exited.Load() {
		return
	}
	if h := t.rt.eventHandler(); h != nil && !t.rt.dead.Load() {
		h.OnThreadEnd(t.t.handle)
	}
	t.t.state.Store(int32(host.StateTerminated))
	t.t.exited.Store(true)
	t.rt.purge(t.t)
}

// SpawnThread creates an application thread in the RUNNABLE state and
// delivers the thread start notification.
func (r *Runtime) SpawnThread(name string) *Thread {
	return r.spawn(name, host.RoleApplication)
}

func (r *Runtime) spawn(name string, role host.ThreadRole) *Thread {
	t := &thread{
		handle: host.ThreadHandle(r.nextHandle.Add(1)),
		name:   name,
		role:   role,
	}
	t.state.Store(int32(host.StateAlive | host.StateRunnable))
	r.threads.Store(t.handle, t)

	if h := r.eventHandler(); h != nil && !r.dead.Load() {
		h.OnThreadStart(t.handle)
	}
	return &Thread{rt: r, t: t}
}

// purge drops an exited thread once nothing references it.
func (r *Runtime) purge(t *thread) {
	r.threads.Compute(t.handle, func(old *thread, loaded bool) (*thread, xsync.ComputeOp) {
		if !loaded || old != t {
			return old, xsync.CancelOp
		}
		if t.exited.Load() && t.refs.Load() == 0 {
			return nil, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
}

// LiveThreads returns the number of thread objects still held by the
// runtime, including exited ones pinned by durable references.
func (r *Runtime) LiveThreads() int {
	return r.threads.Size()
}

func (r *Runtime) CreateRawMonitor(name string) (sync.Locker, error) {
	if err := r.fault(OpRawMonitor); err != nil {
		return nil, fmt.Errorf("create raw monitor %q: %w", name, err)
	}
	return &sync.Mutex{}, nil
}

func (r *Runtime) ThreadInfo(h host.ThreadHandle) (host.ThreadInfo, error) {
	if err := r.fault(OpThreadInfo); err != nil {
		return host.ThreadInfo{}, err
	}
	t, ok := r.threads.Load(h)
	if !ok {
		return host.ThreadInfo{}, fmt.Errorf("thread %#x: %w", uint64(h), host.ErrThreadGone)
	}
	return host.ThreadInfo{Name: t.name, Role: t.role}, nil
}

func (r *Runtime) ThreadState(ref host.DurableRef) (host.ThreadState, error) {
	if err := r.fault(OpThreadState); err != nil {
		return 0, err
	}
	dr, ok := ref.(*durableRef)
	if !ok || dr.rt != r {
		return 0, errors.New("foreign durable reference")
	}
	if dr.released.Load() {
		return 0, ErrReleased
	}
	return host.ThreadState(dr.t.state.Load()), nil
}

func (r *Runtime) NewDurableRef(h host.ThreadHandle) (host.DurableRef, error) {
	if err := r.fault(OpDurableRef); err != nil {
		return nil, err
	}
	var pinned *thread
	r.threads.Compute(h, func(old *thread, loaded bool) (*thread, xsync.ComputeOp) {
		if !loaded {
			return nil, xsync.CancelOp
		}
		old.refs.Add(1)
		pinned = old
		return old, xsync.CancelOp
	})
	if pinned == nil {
		return nil, fmt.Errorf("thread %#x: %w", uint64(h), host.ErrThreadGone)
	}
	return &durableRef{rt: r, t: pinned}, nil
}

// AttachAgentThread registers an agent-role thread. Like a real attach it
// produces thread start and end notifications.
func (r *Runtime) AttachAgentThread(name string) (func(), error) {
	if err := r.fault(OpAttach); err != nil {
		return nil, fmt.Errorf("attach %q: %w", name, err)
	}
	t := r.spawn(name, host.RoleAgent)
	return t.Exit, nil
}

type durableRef struct {
	rt       *Runtime
	t        *thread
	released atomic.Bool
}

func (d *durableRef) Thread() host.ThreadHandle { return d.t.handle }

func (d *durableRef) Release() error {
	if !d.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	d.t.refs.Add(-1)
	d.rt.purge(d.t)
	return nil
}
