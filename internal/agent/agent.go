// Package agent coordinates the capture pipeline. It receives the host
// runtime notifications and owns the ring buffer, thread registry, sampler
// and writer.
package agent

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"threadwatch/internal/config"
	"threadwatch/internal/host"
	"threadwatch/internal/logger"
	"threadwatch/internal/record"
	"threadwatch/internal/registry"
	"threadwatch/internal/ringbuffer"
	"threadwatch/internal/sampler"
	"threadwatch/internal/writer"
)

// State is the lifecycle phase of an Agent.
type State int32

const (
	StateUninitialized State = iota
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

const monitorName = "threadwatch"

// Option customizes an Agent.
type Option func(*Agent)

// WithFatalHook replaces the default fatal handler, which logs at fatal
// level and exits.
func WithFatalHook(fn func(error)) Option {
	return func(a *Agent) { a.fatal = fn }
}

// WithClock sets the time source for start and death records.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// Agent is the lifecycle coordinator. Host notifications that mutate the
// registry are serialized by the coarse lock obtained from the runtime.
// Lock order is coarse, then registry, then ring buffer.
type Agent struct {
	rt          host.Runtime
	cfg         config.AgentConfig
	compression writer.Compression

	coarse sync.Locker
	state  atomic.Int32

	buf     *ringbuffer.RingBuffer[record.Record]
	reg     *registry.Registry
	sampler *sampler.Sampler
	writer  atomic.Pointer[writer.Writer]

	ready       chan struct{}
	samplerDone chan struct{}
	terminated  chan struct{}

	releaseFailures atomic.Uint64
	missingEntries  atomic.Uint64

	fatal func(error)
	now   func() time.Time
	log   log.Logger
}

// Attach builds the pipeline for rt and registers the agent as its event
// handler. Nothing runs until the runtime start notification.
func Attach(rt host.Runtime, cfg config.AgentConfig, opts ...Option) (*Agent, error) {
	compression, err := writer.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	size := cfg.RingBufferSize
	if size == 0 {
		size = ringbuffer.DefaultSize
	}
	buf, err := ringbuffer.New[record.Record](size)
	if err != nil {
		return nil, err
	}
	if cfg.SamplerThreadName == "" {
		cfg.SamplerThreadName = config.DefaultSamplerThreadName
	}

	a := &Agent{
		rt:          rt,
		cfg:         cfg,
		compression: compression,
		buf:         buf,
		reg:         registry.New(),
		ready:       make(chan struct{}),
		samplerDone: make(chan struct{}),
		terminated:  make(chan struct{}),
		now:         time.Now,
		log:         logger.NewLoggerWithContext("agent"),
	}
	a.fatal = func(err error) {
		a.log.Fatal().Err(err).Msg("Unrecoverable agent error")
	}
	for _, opt := range opts {
		opt(a)
	}

	a.coarse, err = rt.CreateRawMonitor(monitorName)
	if err != nil {
		return nil, fmt.Errorf("failed to create coarse lock: %w", err)
	}
	a.sampler = sampler.New(a.reg, a.buf, rt, cfg.SamplingInterval.Duration)

	if err := rt.SetEventHandler(a); err != nil {
		return nil, fmt.Errorf("failed to register event handler: %w", err)
	}

	a.log.Info().
		Str("output", cfg.OutputFile).
		Bool("verbose", cfg.Verbose).
		Int64("max_pacing_delay", cfg.MaxPacingDelay).
		Int("ring_buffer_size", size).
		Stringer("compression", compression).
		Msg("Agent attached")
	return a, nil
}

// State returns the current lifecycle phase.
func (a *Agent) State() State {
	return State(a.state.Load())
}

// Done is closed once the agent has terminated.
func (a *Agent) Done() <-chan struct{} {
	return a.terminated
}

func (a *Agent) OnRuntimeStart() {
	a.coarse.Lock()
	if !a.state.CompareAndSwap(int32(StateUninitialized), int32(StateRunning)) {
		a.coarse.Unlock()
		a.log.Warn().Stringer("state", a.State()).Msg("Ignoring runtime start notification")
		return
	}
	go a.runSampler()
	a.coarse.Unlock()

	// The sampler goroutine proceeds only once the start notification no
	// longer holds the coarse lock.
	close(a.ready)
	a.log.Info().Msg("Runtime started, capture running")
}

// runSampler is the body of the sampler goroutine. It opens the writer,
// attaches itself to the runtime as an agent thread and samples until
// shutdown.
func (a *Agent) runSampler() {
	defer close(a.samplerDone)
	<-a.ready

	w, err := writer.Open(a.buf, writer.Options{
		Path:        a.cfg.OutputFile,
		Interval:    a.cfg.WriterInterval.Duration,
		Compression: a.compression,
		Fatal:       a.fatal,
	})
	if err != nil {
		a.fatal(err)
		return
	}
	a.writer.Store(w)
	w.Start()

	detach, err := a.rt.AttachAgentThread(a.cfg.SamplerThreadName)
	if err != nil {
		a.fatal(fmt.Errorf("failed to attach sampler thread: %w", err))
		return
	}
	defer detach()

	a.sampler.Run()
}

func (a *Agent) OnThreadStart(thread host.ThreadHandle) {
	if a.State() != StateRunning {
		return
	}
	a.coarse.Lock()
	defer a.coarse.Unlock()
	if a.State() != StateRunning {
		return
	}

	info, err := a.rt.ThreadInfo(thread)
	if err != nil {
		a.fatal(fmt.Errorf("failed to get thread info on start: %w", err))
		return
	}
	if info.Role == host.RoleAgent {
		a.log.Debug().Str("thread", info.Name).Msg("Skipping agent thread")
		return
	}

	ref, err := a.rt.NewDurableRef(thread)
	if err != nil {
		a.fatal(fmt.Errorf("failed to create durable reference for %q: %w", info.Name, err))
		return
	}

	e := a.reg.Insert(info.Name, thread, ref, func(e *registry.Entry) {
		ts := a.now()
		if !a.buf.Write(func(r *record.Record) bool {
			r.ThreadStart(e.ID, info.Name, ts)
			return true
		}) {
			a.log.Debug().Int32("thread_id", e.ID).Msg("Ring buffer full, start record dropped")
		}
	})
	a.log.Debug().Int32("thread_id", e.ID).Str("thread", info.Name).Msg("Thread started")
}

func (a *Agent) OnThreadEnd(thread host.ThreadHandle) {
	if a.State() != StateRunning {
		return
	}
	a.coarse.Lock()
	defer a.coarse.Unlock()
	if a.State() != StateRunning {
		return
	}

	info, err := a.rt.ThreadInfo(thread)
	if err != nil {
		a.fatal(fmt.Errorf("failed to get thread info on end: %w", err))
		return
	}
	if info.Role == host.RoleAgent {
		return
	}

	err = a.reg.Remove(thread, func(e *registry.Entry) {
		ts := a.now()
		if !a.buf.Write(func(r *record.Record) bool {
			r.ThreadDeath(e.ID, ts)
			return true
		}) {
			a.log.Debug().Int32("thread_id", e.ID).Msg("Ring buffer full, death record dropped")
		}
		a.releaseRef(e)
	})
	if errors.Is(err, registry.ErrNotFound) {
		a.missingEntries.Add(1)
		a.log.Warn().Err(err).Str("thread", info.Name).Msg("Thread ended without being registered")
		return
	}
	a.log.Debug().Str("thread", info.Name).Msg("Thread ended")
}

func (a *Agent) releaseRef(e *registry.Entry) {
	if !a.cfg.ReleaseDurableRefs || e.Ref == nil {
		return
	}
	if err := e.Ref.Release(); err != nil {
		a.releaseFailures.Add(1)
		a.log.Error().Err(err).Int32("thread_id", e.ID).Msg("Failed to release durable reference")
	}
}

// OnRuntimeDeath stops the sampler, then the writer, then releases the ring
// buffer. Records committed before the sampler stopped are all written.
func (a *Agent) OnRuntimeDeath() {
	a.coarse.Lock()
	prev := a.State()
	switch prev {
	case StateRunning:
		a.state.Store(int32(StateShuttingDown))
	case StateUninitialized:
		a.state.Store(int32(StateTerminated))
		a.coarse.Unlock()
		a.buf.Close()
		close(a.terminated)
		a.log.Info().Msg("Runtime died before start, nothing captured")
		return
	default:
		a.coarse.Unlock()
		a.log.Warn().Stringer("state", prev).Msg("Ignoring duplicate runtime death notification")
		return
	}
	a.coarse.Unlock()

	a.log.Info().Msg("Runtime shutting down, stopping capture")

	a.sampler.Stop()
	<-a.samplerDone

	if w := a.writer.Load(); w != nil {
		if err := w.Stop(); err != nil {
			a.log.Error().Err(err).Msg("Writer did not close cleanly")
		}
	}

	// Threads still registered keep their durable references: the runtime
	// is gone and releasing into it is not valid.
	live := a.reg.Len()
	st := a.buf.Close()
	a.state.Store(int32(StateTerminated))
	close(a.terminated)

	a.log.Info().
		Uint64("records", st.Written).
		Uint64("dropped", st.Dropped).
		Uint64("release_failures", a.releaseFailures.Load()).
		Int("threads_unreleased", live).
		Msg("Capture terminated")
}

// Stats is a point-in-time view of the pipeline counters.
type Stats struct {
	State           State
	Ring            ringbuffer.Stats
	Threads         int
	Sampler         sampler.Stats
	Writer          writer.Stats
	ReleaseFailures uint64
	MissingEntries  uint64
}

func (a *Agent) Stats() Stats {
	st := Stats{
		State:           a.State(),
		Ring:            a.buf.Stats(),
		Threads:         a.reg.Len(),
		Sampler:         a.sampler.Stats(),
		ReleaseFailures: a.releaseFailures.Load(),
		MissingEntries:  a.missingEntries.Load(),
	}
	if w := a.writer.Load(); w != nil {
		st.Writer = w.Stats()
	}
	return st
}
