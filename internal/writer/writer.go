// Package writer drains the ring buffer into the output file.
package writer

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"threadwatch/internal/logger"
	"threadwatch/internal/record"
	"threadwatch/internal/ringbuffer"
)

const (
	DefaultInterval = 100 * time.Millisecond
	DefaultPath     = "/tmp/threadwatcher.out"

	bufferSize = 64 * 1024
)

// Options configures a Writer.
type Options struct {
	Path        string
	Interval    time.Duration
	Compression Compression

	// Fatal receives unrecoverable I/O and encoding errors. The writer stops
	// writing after the first one. If nil, the error is logged at fatal
	// level, which exits the process.
	Fatal func(error)
}

// Stats holds the writer counters. Records and Bytes count what was encoded
// into the output stream, before compression. Records still buffered when a
// flush fails are included even though they never reached the file.
type Stats struct {
	Records uint64
	Bytes   uint64
	Drains  uint64
}

// Writer is the only consumer of the ring buffer and the sole owner of the
// output file.
type Writer struct {
	buf  *ringbuffer.RingBuffer[record.Record]
	opts Options

	file *os.File
	bw   *bufio.Writer
	comp compressor
	enc  *record.Encoder

	stopping atomic.Bool
	stopCh   chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	failed   atomic.Bool
	closeErr error

	records atomic.Uint64
	bytes   atomic.Uint64
	drains  atomic.Uint64

	log log.Logger
}

// Open creates the output file and writes the stream header.
func Open(buf *ringbuffer.RingBuffer[record.Record], opts Options) (*Writer, error) {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	w := &Writer{
		buf:    buf,
		opts:   opts,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		log:    logger.NewLoggerWithContext("writer"),
	}
	if w.opts.Fatal == nil {
		w.opts.Fatal = func(err error) {
			w.log.Fatal().Err(err).Msg("Writer failed")
		}
	}

	f, err := os.Create(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}
	w.file = f
	w.bw = bufio.NewWriterSize(f, bufferSize)

	comp, err := newCompressor(w.bw, opts.Compression)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.comp = comp
	if comp != nil {
		w.enc = record.NewEncoder(comp)
	} else {
		w.enc = record.NewEncoder(w.bw)
	}

	if err := w.enc.WriteHeader(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write stream header: %w", err)
	}

	w.log.Info().
		Str("path", opts.Path).
		Stringer("compression", opts.Compression).
		Dur("interval", opts.Interval).
		Msg("Output file opened")
	return w, nil
}

// Start launches the drain loop.
func (w *Writer) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run()
}

func (w *Writer) run() {
	defer close(w.done)

	timer := time.NewTimer(w.opts.Interval)
	defer timer.Stop()

	for !w.stopping.Load() && !w.failed.Load() {
		w.Drain()
		timer.Reset(w.opts.Interval)
		select {
		case <-w.stopCh:
		case <-timer.C:
		}
	}
	w.finish()
}

// Drain encodes every record currently in the buffer and returns how many
// were encoded. After a write failure the remaining records are discarded.
func (w *Writer) Drain() int {
	if w.failed.Load() {
		return 0
	}
	w.drains.Add(1)
	var encoded int
	n := w.buf.Drain(func(r *record.Record) {
		if w.failed.Load() {
			return
		}
		before := w.enc.BytesWritten()
		if err := w.enc.Encode(r); err != nil {
			w.fail(fmt.Errorf("failed to write %s record: %w", r.Type, err))
			return
		}
		encoded++
		w.records.Add(1)
		w.bytes.Add(uint64(w.enc.BytesWritten() - before))
	})
	if n > encoded {
		w.log.Error().Int("encoded", encoded).Int("discarded", n-encoded).Msg("Drain aborted after write failure")
	} else if n > 0 && w.log.Level <= log.DebugLevel {
		w.log.Debug().Int("records", encoded).Msg("Drained ring buffer")
	}
	return encoded
}

func (w *Writer) fail(err error) {
	if w.failed.CompareAndSwap(false, true) {
		w.opts.Fatal(err)
	}
}

// finish performs the final drain and releases the file. Runs once.
func (w *Writer) finish() {
	w.Drain()

	var errs []error
	if w.comp != nil {
		if err := w.comp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close compressor: %w", err))
		}
	}
	if err := w.bw.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush output: %w", err))
	}
	if err := w.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("failed to sync output: %w", err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close output: %w", err))
	}
	w.closeErr = errors.Join(errs...)
	if w.closeErr != nil {
		w.fail(w.closeErr)
	}

	st := w.Stats()
	if w.closeErr != nil || w.failed.Load() {
		w.log.Error().
			Uint64("records_encoded", st.Records).
			Err(w.closeErr).
			Msg("Output file closed incomplete")
		return
	}
	w.log.Info().
		Uint64("records", st.Records).
		Uint64("bytes", st.Bytes).
		Msg("Output file closed")
}

// Stop signals the loop, waits for it to finish its final drain and closes
// the output. A writer that was never started is drained and closed
// synchronously. Stop returns the close error, if any.
func (w *Writer) Stop() error {
	w.stopOnce.Do(func() {
		w.stopping.Store(true)
		close(w.stopCh)
		if w.started.CompareAndSwap(false, true) {
			w.finish()
			close(w.done)
		}
	})
	<-w.done
	return w.closeErr
}

// Stats returns a snapshot of the writer counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Records: w.records.Load(),
		Bytes:   w.bytes.Load(),
		Drains:  w.drains.Load(),
	}
}
