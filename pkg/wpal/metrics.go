package wpal

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "wpal"

// LoopCollector exports a session's capture loop counters. Values are read from the
// session on every scrape, nothing is recorded on the capture path.
type LoopCollector struct {
	session *Session
	ring    *AudioRingBuffer

	armed       *prometheus.Desc
	fired       *prometheus.Desc
	cancelled   *prometheus.Desc
	abstained   *prometheus.Desc
	callbacks   *prometheus.Desc
	live        *prometheus.Desc
	checkouts   *prometheus.Desc
	releases    *prometheus.Desc
	state       *prometheus.Desc
	ringBytes   *prometheus.Desc
	ringDropped *prometheus.Desc
}

// NewLoopCollector creates a collector for session. The target pid is always added to labels.
func NewLoopCollector(session *Session, labels prometheus.Labels) *LoopCollector {
	constLabels := prometheus.Labels{"pid": strconv.FormatUint(uint64(session.ProcessID()), 10)}
	for k, v := range labels {
		constLabels[k] = v
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "capture", name), help, nil, constLabels)
	}

	return &LoopCollector{
		session: session,

		armed:       desc("waits_armed_total", "Data ready waits registered"),
		fired:       desc("waits_fired_total", "Data ready waits consumed by the signal"),
		cancelled:   desc("waits_cancelled_total", "Data ready waits withdrawn by a stop"),
		abstained:   desc("completions_abstained_total", "Completions and re-arms skipped because capture had stopped"),
		callbacks:   desc("callbacks_total", "Sample ready callbacks invoked"),
		live:        desc("waits_live", "Data ready waits currently outstanding"),
		checkouts:   desc("buffer_checkouts_total", "Packets checked out"),
		releases:    desc("buffer_releases_total", "Packets released"),
		state:       desc("state", "Session state (0 uninitialized, 1 activating, 2 format negotiated, 3 running, 4 stopped, 5 failed)"),
		ringBytes:   desc("ring_buffer_bytes", "Bytes waiting in the ring buffer"),
		ringDropped: desc("ring_buffer_dropped_bytes_total", "Bytes lost to ring buffer overflow"),
	}
}

// WithRingBuffer adds the fill level and overflow losses of ring to the exported metrics
func (c *LoopCollector) WithRingBuffer(ring *AudioRingBuffer) *LoopCollector {
	c.ring = ring
	return c
}

func (c *LoopCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.armed
	ch <- c.fired
	ch <- c.cancelled
	ch <- c.abstained
	ch <- c.callbacks
	ch <- c.live
	ch <- c.checkouts
	ch <- c.releases
	ch <- c.state

	if c.ring != nil {
		ch <- c.ringBytes
		ch <- c.ringDropped
	}
}

func (c *LoopCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.session.Stats()
	checkouts, releases := c.session.bufferCounts()

	counter := func(desc *prometheus.Desc, value uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value))
	}

	counter(c.armed, stats.Armed)
	counter(c.fired, stats.Fired)
	counter(c.cancelled, stats.Cancelled)
	counter(c.abstained, stats.Abstained)
	counter(c.callbacks, stats.Invocations)
	counter(c.checkouts, checkouts)
	counter(c.releases, releases)

	ch <- prometheus.MustNewConstMetric(c.live, prometheus.GaugeValue, float64(stats.Live()))
	ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(c.session.State()))

	if c.ring != nil {
		ch <- prometheus.MustNewConstMetric(c.ringBytes, prometheus.GaugeValue, float64(c.ring.Len()))
		counter(c.ringDropped, c.ring.Dropped())
	}
}
