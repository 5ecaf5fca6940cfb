// Package sampler polls the state of every registered thread and records
// state transitions.
package sampler

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"threadwatch/internal/host"
	"threadwatch/internal/logger"
	"threadwatch/internal/record"
	"threadwatch/internal/registry"
	"threadwatch/internal/ringbuffer"
)

// DefaultInterval is the pause between two sampling passes.
const DefaultInterval = time.Millisecond

// StateQuerier reads the current state of a thread through its durable
// reference. host.Runtime satisfies it.
type StateQuerier interface {
	ThreadState(ref host.DurableRef) (host.ThreadState, error)
}

// Stats holds the sampler counters.
type Stats struct {
	Passes     uint64
	Recorded   uint64
	Suppressed uint64
	Failed     uint64
	Dropped    uint64
}

// Sampler visits the registry at a fixed interval and enqueues a
// ThreadSample record only when a thread's state differs from the last one
// recorded for it. The first observation of a thread is always recorded.
type Sampler struct {
	reg      *registry.Registry
	buf      *ringbuffer.RingBuffer[record.Record]
	rt       StateQuerier
	interval time.Duration
	now      func() time.Time

	stopping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	passes     atomic.Uint64
	recorded   atomic.Uint64
	suppressed atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64

	log log.Logger
}

// New creates a sampler. A non-positive interval selects DefaultInterval.
func New(reg *registry.Registry, buf *ringbuffer.RingBuffer[record.Record], rt StateQuerier, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		reg:      reg,
		buf:      buf,
		rt:       rt,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		log:      logger.NewLoggerWithContext("sampler"),
	}
}

// Run samples until Stop is called. It does not drain the ring buffer.
func (s *Sampler) Run() {
	s.log.Info().
		Dur("interval", s.interval).
		Int("ring_buffer_capacity", s.buf.Cap()).
		Msg("Ready to sample thread states")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for !s.stopping.Load() {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		if s.stopping.Load() {
			return
		}
		s.Pass()
	}
}

// Stop asks Run to return. It does not wait; callers join on the goroutine
// running Run.
func (s *Sampler) Stop() {
	s.stopping.Store(true)
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Pass performs one sampling pass over all registered threads.
func (s *Sampler) Pass() {
	s.passes.Add(1)
	s.reg.VisitAll(func(e *registry.Entry) {
		ok := s.buf.Write(func(slot *record.Record) bool {
			return s.sample(e, slot)
		})
		if !ok {
			s.dropped.Add(1)
		}
	})
}

// sample runs inside the ring buffer lock. It fills slot and returns true
// only for a state transition.
func (s *Sampler) sample(e *registry.Entry, slot *record.Record) bool {
	if e.Ref == nil {
		return false
	}
	state, err := s.rt.ThreadState(e.Ref)
	if err != nil {
		s.failed.Add(1)
		if !errors.Is(err, host.ErrThreadGone) {
			s.log.Warn().Err(err).Int32("thread_id", e.ID).Msg("Failed to query thread state")
		}
		return false
	}
	if e.Observed && state == e.LastState {
		s.suppressed.Add(1)
		return false
	}

	e.LastState = state
	e.Observed = true
	slot.ThreadSample(e.ID, state, s.now())
	s.recorded.Add(1)

	if s.log.Level <= log.TraceLevel {
		s.log.Trace().Int32("thread_id", e.ID).Stringer("state", state).Msg("Thread state changed")
	}
	return true
}

// Stats returns a snapshot of the sampler counters.
func (s *Sampler) Stats() Stats {
	return Stats{
		Passes:     s.passes.Load(),
		Recorded:   s.recorded.Load(),
		Suppressed: s.suppressed.Load(),
		Failed:     s.failed.Load(),
		Dropped:    s.dropped.Load(),
	}
}
