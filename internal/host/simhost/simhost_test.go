package simhost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"threadwatch/internal/host"
)

type event struct {
	kind   string
	handle host.ThreadHandle
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) add(kind string, h host.ThreadHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{kind, h})
}

func (r *recorder) OnRuntimeStart()                   { r.add("start", 0) }
func (r *recorder) OnRuntimeDeath()                   { r.add("death", 0) }
func (r *recorder) OnThreadStart(h host.ThreadHandle) { r.add("thread-start", h) }
func (r *recorder) OnThreadEnd(h host.ThreadHandle)   { r.add("thread-end", h) }

func TestLifecycleNotifications(t *testing.T) {
	rt := New()
	if err := rt.Start(); !errors.Is(err, host.ErrNoHandler) {
		t.Fatalf("Expected ErrNoHandler, got %v", err)
	}

	rec := &recorder{}
	if err := rt.SetEventHandler(rec); err != nil {
		t.Fatalf("SetEventHandler failed: %v", err)
	}
	if err := rt.SetEventHandler(rec); err == nil {
		t.Errorf("Expected second SetEventHandler to fail")
	}

	if err := rt.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	w := rt.SpawnThread("worker-1")
	w.Exit()
	w.Exit()
	if err := rt.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := rt.Shutdown(); err == nil {
		t.Errorf("Expected second Shutdown to fail")
	}
	late := rt.SpawnThread("late")
	late.Exit()

	want := []event{
		{"start", 0},
		{"thread-start", w.Handle()},
		{"thread-end", w.Handle()},
		{"death", 0},
	}
	if len(rec.events) != len(want) {
		t.Fatalf("Expected %d events, got %v", len(want), rec.events)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Errorf("#%d: expected %v, got %v", i, want[i], rec.events[i])
		}
	}
}

func TestThreadInfoAndState(t *testing.T) {
	rt := New()
	w := rt.SpawnThread("worker-1")

	info, err := rt.ThreadInfo(w.Handle())
	if err != nil {
		t.Fatalf("ThreadInfo failed: %v", err)
	}
	if info.Name != "worker-1" || info.Role != host.RoleApplication {
		t.Errorf("Unexpected thread info: %+v", info)
	}

	ref, err := rt.NewDurableRef(w.Handle())
	if err != nil {
		t.Fatalf("NewDurableRef failed: %v", err)
	}
	if ref.Thread() != w.Handle() {
		t.Errorf("Expected ref to point at %d, got %d", w.Handle(), ref.Thread())
	}

	st, err := rt.ThreadState(ref)
	if err != nil || st != host.StateAlive|host.StateRunnable {
		t.Errorf("Expected ALIVE|RUNNABLE, got %s (%v)", st, err)
	}
	w.SetState(host.StateAlive | host.StateParked | host.StateWaiting)
	if st, _ := rt.ThreadState(ref); !st.Has(host.StateParked) {
		t.Errorf("Expected PARKED, got %s", st)
	}

	// An exited thread stays queryable while pinned.
	w.Exit()
	if st, err := rt.ThreadState(ref); err != nil || st != host.StateTerminated {
		t.Errorf("Expected TERMINATED for a pinned exited thread, got %s (%v)", st, err)
	}
	if rt.LiveThreads() != 1 {
		t.Errorf("Expected pinned thread to stay in the table")
	}

	if err := ref.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := ref.Release(); !errors.Is(err, ErrReleased) {
		t.Errorf("Expected ErrReleased on double release, got %v", err)
	}
	if rt.LiveThreads() != 0 {
		t.Errorf("Expected thread to be purged after the last release, %d left", rt.LiveThreads())
	}
	if _, err := rt.ThreadInfo(w.Handle()); !errors.Is(err, host.ErrThreadGone) {
		t.Errorf("Expected ErrThreadGone, got %v", err)
	}
	if _, err := rt.NewDurableRef(w.Handle()); !errors.Is(err, host.ErrThreadGone) {
		t.Errorf("Expected ErrThreadGone for a purged thread, got %v", err)
	}
}

func TestAttachAgentThread(t *testing.T) {
	rt := New()
	rec := &recorder{}
	rt.SetEventHandler(rec)

	detach, err := rt.AttachAgentThread("thread-watch-sampler")
	if err != nil {
		t.Fatalf("AttachAgentThread failed: %v", err)
	}
	if len(rec.events) != 1 || rec.events[0].kind != "thread-start" {
		t.Fatalf("Expected a thread start notification, got %v", rec.events)
	}
	info, err := rt.ThreadInfo(rec.events[0].handle)
	if err != nil || info.Role != host.RoleAgent {
		t.Errorf("Expected agent role, got %+v (%v)", info, err)
	}
	detach()
	if rt.LiveThreads() != 0 {
		t.Errorf("Expected agent thread to be gone after detach")
	}
}

func TestInjectFault(t *testing.T) {
	rt := New()
	boom := errors.New("boom")

	rt.InjectFault(OpRawMonitor, boom)
	if _, err := rt.CreateRawMonitor("coarse"); !errors.Is(err, boom) {
		t.Errorf("Expected injected fault, got %v", err)
	}
	rt.InjectFault(OpRawMonitor, nil)
	if m, err := rt.CreateRawMonitor("coarse"); err != nil || m == nil {
		t.Errorf("Expected a monitor after clearing the fault, got %v", err)
	}

	rt.InjectFault(OpAttach, boom)
	if _, err := rt.AttachAgentThread("x"); !errors.Is(err, boom) {
		t.Errorf("Expected attach fault, got %v", err)
	}
}

func TestConcurrentSpawnExit(t *testing.T) {
	rt := New()
	rec := &recorder{}
	rt.SetEventHandler(rec)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				th := rt.SpawnThread("w")
				ref, err := rt.NewDurableRef(th.Handle())
				if err != nil {
					t.Errorf("NewDurableRef failed: %v", err)
					return
				}
				th.SetState(host.StateAlive | host.StateSleeping)
				th.Exit()
				ref.Release()
			}
		}()
	}
	wg.Wait()

	if rt.LiveThreads() != 0 {
		t.Errorf("Expected all threads purged, %d left", rt.LiveThreads())
	}
	if len(rec.events) != 16*50*2 {
		t.Errorf("Expected %d notifications, got %d", 16*50*2, len(rec.events))
	}
}

func TestRunWorkload(t *testing.T) {
	rt := New()
	rec := &recorder{}
	rt.SetEventHandler(rec)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	n := rt.RunWorkload(ctx, Workload{Threads: 4, Lifetime: 10 * time.Millisecond, StateInterval: time.Millisecond})

	if n < 4 {
		t.Errorf("Expected at least 4 threads spawned, got %d", n)
	}
	if rt.LiveThreads() != 0 {
		t.Errorf("Expected every workload thread to have exited, %d left", rt.LiveThreads())
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 2*n {
		t.Errorf("Expected %d notifications, got %d", 2*n, len(rec.events))
	}
}
