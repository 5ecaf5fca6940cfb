// Package ringbuffer implements the bounded queue between event producers
// and the single writer goroutine.
package ringbuffer

import (
	"fmt"
	"sync"

	"github.com/phuslu/log"

	"threadwatch/internal/logger"
)

// DefaultSize is the number of slots allocated when no size is configured.
const DefaultSize = 10240

// Stats is a snapshot of the buffer counters.
type Stats struct {
	Capacity int
	Pending  int
	Written  uint64
	Read     uint64
	Dropped  uint64
}

// RingBuffer is a fixed-capacity circular array of preallocated slots. One
// slot is kept free to tell full from empty, so size-1 records fit.
//
// Any number of goroutines may call Write; Read is meant for one consumer.
// When the buffer is full new records are dropped and counted; producers
// never block waiting for space.
type RingBuffer[T any] struct {
	mu       sync.Mutex
	slots    []T
	readPtr  int
	writePtr int

	written uint64
	read    uint64
	dropped uint64

	log log.Logger
}

// New allocates a ring buffer with size slots. size must be at least 2.
func New[T any](size int) (*RingBuffer[T], error) {
	if size < 2 {
		return nil, fmt.Errorf("ring buffer size must be at least 2, got %d", size)
	}
	return &RingBuffer[T]{
		slots: make([]T, size),
		log:   logger.NewLoggerWithContext("ringbuffer"),
	}, nil
}

// Write offers the next free slot to produce. If produce returns true the
// slot is committed. If it returns false nothing is committed and nothing is
// counted. Write returns false only when the buffer was full; produce is not
// called in that case.
func (b *RingBuffer[T]) Write(produce func(slot *T) bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := (b.writePtr + 1) % len(b.slots)
	if next == b.readPtr {
		b.dropped++
		return false
	}
	if produce(&b.slots[b.writePtr]) {
		b.written++
		b.writePtr = next
	}
	return true
}

// Read hands the oldest committed slot to consume and releases it. It
// returns false if the buffer was empty. The slot must not be retained after
// consume returns.
func (b *RingBuffer[T]) Read(consume func(slot *T)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.readPtr == b.writePtr {
		return false
	}
	consume(&b.slots[b.readPtr])
	b.read++
	b.readPtr = (b.readPtr + 1) % len(b.slots)
	return true
}

// Drain reads until the buffer is empty and returns the number of records
// consumed.
func (b *RingBuffer[T]) Drain(consume func(slot *T)) int {
	n := 0
	for b.Read(consume) {
		n++
	}
	return n
}

// Len returns the number of committed, unread records.
func (b *RingBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingLocked()
}

func (b *RingBuffer[T]) pendingLocked() int {
	return (b.writePtr - b.readPtr + len(b.slots)) % len(b.slots)
}

// Cap returns the number of records the buffer can hold at once.
func (b *RingBuffer[T]) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots) - 1
}

// Stats returns a snapshot of the buffer counters.
func (b *RingBuffer[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Capacity: len(b.slots) - 1,
		Pending:  b.pendingLocked(),
		Written:  b.written,
		Read:     b.read,
		Dropped:  b.dropped,
	}
}

// Close reports the final counters. The buffer must not be used afterwards.
func (b *RingBuffer[T]) Close() Stats {
	st := b.Stats()
	b.log.Info().
		Uint64("written", st.Written).
		Uint64("read", st.Read).
		Int("pending", st.Pending).
		Msg("Releasing ring buffer")
	if st.Dropped > 0 {
		b.log.Warn().Uint64("dropped", st.Dropped).Msg("Records were lost due to a full ring buffer")
	}

	b.mu.Lock()
	b.slots = make([]T, 1)
	b.readPtr, b.writePtr = 0, 0
	b.mu.Unlock()
	return st
}
