package agent

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements prometheus.Collector for the capture pipeline. Values
// are read from the agent counters on each scrape.
type Collector struct {
	agent *Agent

	stateDesc *prometheus.Desc

	ringCapacityDesc *prometheus.Desc
	ringPendingDesc  *prometheus.Desc
	ringWrittenDesc  *prometheus.Desc
	ringReadDesc     *prometheus.Desc
	ringDroppedDesc  *prometheus.Desc

	threadsDesc *prometheus.Desc

	samplerPassesDesc     *prometheus.Desc
	samplesRecordedDesc   *prometheus.Desc
	samplesSuppressedDesc *prometheus.Desc
	queryFailuresDesc     *prometheus.Desc

	writerRecordsDesc *prometheus.Desc
	writerBytesDesc   *prometheus.Desc

	releaseFailuresDesc *prometheus.Desc
	missingEntriesDesc  *prometheus.Desc
}

func NewCollector(a *Agent) *Collector {
	return &Collector{
		agent: a,

		stateDesc: prometheus.NewDesc(
			"threadwatch_agent_state",
			"Lifecycle phase of the agent (0 uninitialized, 1 running, 2 shutting down, 3 terminated).",
			nil, nil,
		),

		ringCapacityDesc: prometheus.NewDesc(
			"threadwatch_ring_buffer_capacity",
			"Number of records the ring buffer can hold.",
			nil, nil,
		),
		ringPendingDesc: prometheus.NewDesc(
			"threadwatch_ring_buffer_pending",
			"Number of records waiting for the writer.",
			nil, nil,
		),
		ringWrittenDesc: prometheus.NewDesc(
			"threadwatch_ring_buffer_records_written_total",
			"Total number of records committed to the ring buffer.",
			nil, nil,
		),
		ringReadDesc: prometheus.NewDesc(
			"threadwatch_ring_buffer_records_read_total",
			"Total number of records consumed from the ring buffer.",
			nil, nil,
		),
		ringDroppedDesc: prometheus.NewDesc(
			"threadwatch_ring_buffer_records_dropped_total",
			"Total number of records lost because the ring buffer was full.",
			nil, nil,
		),

		threadsDesc: prometheus.NewDesc(
			"threadwatch_threads_registered",
			"Number of threads currently under observation.",
			nil, nil,
		),

		samplerPassesDesc: prometheus.NewDesc(
			"threadwatch_sampler_passes_total",
			"Total number of sampling passes over the thread registry.",
			nil, nil,
		),
		samplesRecordedDesc: prometheus.NewDesc(
			"threadwatch_sampler_samples_recorded_total",
			"Total number of thread state changes recorded.",
			nil, nil,
		),
		samplesSuppressedDesc: prometheus.NewDesc(
			"threadwatch_sampler_samples_suppressed_total",
			"Total number of samples skipped because the state was unchanged.",
			nil, nil,
		),
		queryFailuresDesc: prometheus.NewDesc(
			"threadwatch_sampler_state_query_failures_total",
			"Total number of thread state queries that failed.",
			nil, nil,
		),

		writerRecordsDesc: prometheus.NewDesc(
			"threadwatch_writer_records_total",
			"Total number of records encoded into the output stream.",
			nil, nil,
		),
		writerBytesDesc: prometheus.NewDesc(
			"threadwatch_writer_bytes_total",
			"Total number of encoded record bytes written, before compression.",
			nil, nil,
		),

		releaseFailuresDesc: prometheus.NewDesc(
			"threadwatch_durable_ref_release_failures_total",
			"Total number of durable thread references that failed to release.",
			nil, nil,
		),
		missingEntriesDesc: prometheus.NewDesc(
			"threadwatch_unregistered_thread_ends_total",
			"Total number of thread end notifications for threads not in the registry.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stateDesc
	ch <- c.ringCapacityDesc
	ch <- c.ringPendingDesc
	ch <- c.ringWrittenDesc
	ch <- c.ringReadDesc
	ch <- c.ringDroppedDesc
	ch <- c.threadsDesc
	ch <- c.samplerPassesDesc
	ch <- c.samplesRecordedDesc
	ch <- c.samplesSuppressedDesc
	ch <- c.queryFailuresDesc
	ch <- c.writerRecordsDesc
	ch <- c.writerBytesDesc
	ch <- c.releaseFailuresDesc
	ch <- c.missingEntriesDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.agent.Stats()

	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(c.stateDesc, float64(st.State))

	gauge(c.ringCapacityDesc, float64(st.Ring.Capacity))
	gauge(c.ringPendingDesc, float64(st.Ring.Pending))
	counter(c.ringWrittenDesc, st.Ring.Written)
	counter(c.ringReadDesc, st.Ring.Read)
	counter(c.ringDroppedDesc, st.Ring.Dropped)

	gauge(c.threadsDesc, float64(st.Threads))

	counter(c.samplerPassesDesc, st.Sampler.Passes)
	counter(c.samplesRecordedDesc, st.Sampler.Recorded)
	counter(c.samplesSuppressedDesc, st.Sampler.Suppressed)
	counter(c.queryFailuresDesc, st.Sampler.Failed)

	counter(c.writerRecordsDesc, st.Writer.Records)
	counter(c.writerBytesDesc, st.Writer.Bytes)

	counter(c.releaseFailuresDesc, st.ReleaseFailures)
	counter(c.missingEntriesDesc, st.MissingEntries)
}
