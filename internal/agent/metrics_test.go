package agent

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"threadwatch/internal/host/simhost"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	out := make(map[string]float64)
	for _, mf := range families {
		m := mf.GetMetric()[0]
		if g := m.GetGauge(); g != nil {
			out[mf.GetName()] = g.GetValue()
		} else if c := m.GetCounter(); c != nil {
			out[mf.GetName()] = c.GetValue()
		}
	}
	return out
}

func TestCollector(t *testing.T) {
	rt := simhost.New()
	sink := &fatalSink{}
	fixed := time.Unix(1700000000, 0)
	a, err := Attach(rt, testConfig(t), WithFatalHook(sink.hook), WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector(a)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	m := gather(t, reg)
	if m["threadwatch_agent_state"] != float64(StateUninitialized) {
		t.Errorf("Expected uninitialized state metric, got %v", m["threadwatch_agent_state"])
	}
	if m["threadwatch_ring_buffer_capacity"] != 1023 {
		t.Errorf("Expected capacity 1023, got %v", m["threadwatch_ring_buffer_capacity"])
	}

	rt.Start()
	rt.SpawnThread("a")
	rt.SpawnThread("b")
	waitFor(t, "samples", func() bool { return a.Stats().Sampler.Recorded >= 2 })

	m = gather(t, reg)
	if m["threadwatch_agent_state"] != float64(StateRunning) {
		t.Errorf("Expected running state metric, got %v", m["threadwatch_agent_state"])
	}
	if m["threadwatch_threads_registered"] != 2 {
		t.Errorf("Expected 2 registered threads, got %v", m["threadwatch_threads_registered"])
	}
	if m["threadwatch_sampler_samples_recorded_total"] < 2 {
		t.Errorf("Expected at least 2 recorded samples, got %v", m["threadwatch_sampler_samples_recorded_total"])
	}

	rt.Shutdown()
	m = gather(t, reg)
	if m["threadwatch_agent_state"] != float64(StateTerminated) {
		t.Errorf("Expected terminated state metric, got %v", m["threadwatch_agent_state"])
	}
	if m["threadwatch_writer_records_total"] != 4 {
		t.Errorf("Expected 4 written records, got %v", m["threadwatch_writer_records_total"])
	}
	if m["threadwatch_writer_bytes_total"] != 2*75+2*28 {
		t.Errorf("Expected %d written bytes, got %v", 2*75+2*28, m["threadwatch_writer_bytes_total"])
	}
	if m["threadwatch_ring_buffer_records_dropped_total"] != 0 {
		t.Errorf("Expected no drops, got %v", m["threadwatch_ring_buffer_records_dropped_total"])
	}
	if len(sink.get()) != 0 {
		t.Errorf("Unexpected fatal errors: %v", sink.get())
	}
}
