package simhost

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"threadwatch/internal/host"
)

// Workload describes a synthetic thread population.
type Workload struct {
	// Threads is the number of application threads kept alive at once.
	Threads int
	// Lifetime is the mean lifetime of a thread before it exits and is
	// replaced.
	Lifetime time.Duration
	// StateInterval is the mean time between two state changes.
	StateInterval time.Duration
}

var workloadStates = []host.ThreadState{
	host.StateAlive | host.StateRunnable,
	host.StateAlive | host.StateRunnable | host.StateInNative,
	host.StateAlive | host.StateBlockedOnMonitorEnter,
	host.StateAlive | host.StateWaiting | host.StateWaitingIndefinitely | host.StateInObjectWait,
	host.StateAlive | host.StateWaiting | host.StateWaitingWithTimeout | host.StateSleeping,
	host.StateAlive | host.StateWaiting | host.StateWaitingIndefinitely | host.StateParked,
}

// jitter returns d scaled by a random factor in [0.5, 1.5).
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}

// RunWorkload drives the workload until ctx is done, then ends every thread
// it still owns. It returns the number of threads spawned.
func (r *Runtime) RunWorkload(ctx context.Context, wl Workload) int {
	if wl.Threads <= 0 {
		wl.Threads = 1
	}
	if wl.Lifetime <= 0 {
		wl.Lifetime = time.Second
	}
	if wl.StateInterval <= 0 {
		wl.StateInterval = 10 * time.Millisecond
	}

	var spawned atomic.Int64
	var wg sync.WaitGroup
	for slot := 0; slot < wl.Threads; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			for gen := 0; ctx.Err() == nil; gen++ {
				t := r.SpawnThread(fmt.Sprintf("worker-%d-%d", slot, gen))
				spawned.Add(1)
				r.live(ctx, t, jitter(wl.Lifetime), wl.StateInterval)
				t.Exit()
			}
		}(slot)
	}
	wg.Wait()

	r.log.Info().Int64("threads", spawned.Load()).Msg("Workload finished")
	return int(spawned.Load())
}

// live moves t through random states until its lifetime ends or ctx is done.
func (r *Runtime) live(ctx context.Context, t *Thread, lifetime, interval time.Duration) {
	end := time.NewTimer(lifetime)
	defer end.Stop()

	for {
		tick := time.NewTimer(jitter(interval))
		select {
		case <-ctx.Done():
			tick.Stop()
			return
		case <-end.C:
			tick.Stop()
			return
		case <-tick.C:
			t.SetState(workloadStates[rand.IntN(len(workloadStates))])
		}
	}
}
