package sampler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"threadwatch/internal/host"
	"threadwatch/internal/record"
	"threadwatch/internal/registry"
	"threadwatch/internal/ringbuffer"
)

type ref struct{ h host.ThreadHandle }

func (r ref) Thread() host.ThreadHandle { return r.h }
func (r ref) Release() error            { return nil }

// scripted returns queued states per thread; an exhausted queue repeats the
// last state.
type scripted struct {
	mu     sync.Mutex
	states map[host.ThreadHandle][]host.ThreadState
	errs   map[host.ThreadHandle]error
}

func (q *scripted) ThreadState(r host.DurableRef) (host.ThreadState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := r.Thread()
	if err := q.errs[h]; err != nil {
		return 0, err
	}
	seq := q.states[h]
	if len(seq) == 0 {
		return 0, host.ErrThreadGone
	}
	s := seq[0]
	if len(seq) > 1 {
		q.states[h] = seq[1:]
	}
	return s, nil
}

func newFixture(t *testing.T, size int) (*registry.Registry, *ringbuffer.RingBuffer[record.Record]) {
	t.Helper()
	buf, err := ringbuffer.New[record.Record](size)
	if err != nil {
		t.Fatalf("ringbuffer.New failed: %v", err)
	}
	return registry.New(), buf
}

func drain(buf *ringbuffer.RingBuffer[record.Record]) []record.Record {
	var out []record.Record
	buf.Drain(func(r *record.Record) { out = append(out, *r) })
	return out
}

const (
	s0 = host.StateAlive | host.StateRunnable
	s1 = host.StateAlive | host.StateWaiting | host.StateWaitingIndefinitely
	s2 = host.StateAlive | host.StateBlockedOnMonitorEnter
)

func TestStateChangeSuppression(t *testing.T) {
	reg, buf := newFixture(t, 64)
	q := &scripted{states: map[host.ThreadHandle][]host.ThreadState{
		1: {s0, s0, s1, s1, s1, s2},
	}}
	reg.Insert("worker-1", 1, ref{1}, nil)

	s := New(reg, buf, q, time.Millisecond)
	for i := 0; i < 6; i++ {
		s.Pass()
	}

	got := drain(buf)
	want := []host.ThreadState{s0, s1, s2}
	if len(got) != len(want) {
		t.Fatalf("Expected %d sample records, got %d", len(want), len(got))
	}
	for i, r := range got {
		if r.Type != record.TypeThreadSample || r.ThreadID != 0 || r.State != want[i] {
			t.Errorf("#%d: Expected sample of %s for thread 0, got %s", i, want[i], r.String())
		}
	}

	st := s.Stats()
	if st.Passes != 6 || st.Recorded != 3 || st.Suppressed != 3 {
		t.Errorf("Unexpected stats: %+v", st)
	}
}

// A thread whose first observed state is zero (not yet started) is still
// recorded.
func TestFirstObservationRecordedEvenIfZero(t *testing.T) {
	reg, buf := newFixture(t, 8)
	q := &scripted{states: map[host.ThreadHandle][]host.ThreadState{1: {0, 0}}}
	reg.Insert("new", 1, ref{1}, nil)

	s := New(reg, buf, q, 0)
	s.Pass()
	s.Pass()

	if got := drain(buf); len(got) != 1 || got[0].State != 0 {
		t.Errorf("Expected exactly one record for state 0, got %d", len(got))
	}
}

func TestQueryFailuresAreSkipped(t *testing.T) {
	reg, buf := newFixture(t, 8)
	q := &scripted{
		states: map[host.ThreadHandle][]host.ThreadState{2: {s0}},
		errs: map[host.ThreadHandle]error{
			1: host.ErrThreadGone,
			3: errors.New("wrong phase"),
		},
	}
	reg.Insert("gone", 1, ref{1}, nil)
	reg.Insert("alive", 2, ref{2}, nil)
	reg.Insert("broken", 3, ref{3}, nil)
	reg.Insert("no-ref", 4, nil, nil)

	s := New(reg, buf, q, 0)
	s.Pass()

	got := drain(buf)
	if len(got) != 1 || got[0].ThreadID != 1 {
		t.Fatalf("Expected a single record for the live thread (id 1), got %v", got)
	}
	if st := s.Stats(); st.Failed != 2 || st.Dropped != 0 {
		t.Errorf("Expected 2 failed queries and no drops, got %+v", st)
	}
}

// When the buffer is full the transition is not lost from the entry's point
// of view: last state is not updated, so the next pass records it.
func TestFullBufferDefersTransition(t *testing.T) {
	reg, buf := newFixture(t, 2)
	q := &scripted{states: map[host.ThreadHandle][]host.ThreadState{
		1: {s0, s1},
		2: {s2},
	}}
	reg.Insert("a", 1, ref{1}, nil)
	reg.Insert("b", 2, ref{2}, nil)

	s := New(reg, buf, q, 0)
	s.Pass() // a:s0 stored, b dropped (capacity 1)

	if st := s.Stats(); st.Dropped != 1 || st.Recorded != 1 {
		t.Fatalf("Expected 1 recorded and 1 dropped, got %+v", st)
	}
	if got := drain(buf); len(got) != 1 || got[0].State != s0 {
		t.Fatalf("Expected one record with %s, got %v", s0, got)
	}

	s.Pass() // a:s1 stored, b dropped again
	drain(buf)
	s.Pass() // a suppressed, b:s2 stored

	got := drain(buf)
	if len(got) != 1 || got[0].ThreadID != 1 || got[0].State != s2 {
		t.Errorf("Expected the deferred record for thread 1 with %s, got %v", s2, got)
	}
}

func TestRunStops(t *testing.T) {
	reg, buf := newFixture(t, 1024)
	q := &scripted{states: map[host.ThreadHandle][]host.ThreadState{1: {s0, s1, s2}}}
	reg.Insert("w", 1, ref{1}, nil)

	s := New(reg, buf, q, time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Recorded < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Stop()
	s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Stop")
	}
	if st := s.Stats(); st.Recorded != 3 {
		t.Errorf("Expected 3 recorded samples, got %+v", st)
	}
}

func TestRunReturnsImmediatelyWhenStoppedEarly(t *testing.T) {
	reg, buf := newFixture(t, 8)
	s := New(reg, buf, &scripted{}, time.Hour)
	s.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return for a stopped sampler")
	}
	if s.Stats().Passes != 0 {
		t.Errorf("Expected no passes")
	}
}
