package ublk

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ublk"

var deviceStates = []DeviceState{
	DeviceStateUnconfigured,
	DeviceStateCreated,
	DeviceStateStarting,
	DeviceStateRunning,
	DeviceStateStopping,
	DeviceStateStopped,
	DeviceStateErrored,
}

// Collector exports a device's Metrics and lifecycle state to prometheus.
// Values are read at scrape time, so nothing runs on the I/O path.
type Collector struct {
	device *Device

	ops         *prometheus.Desc
	bytes       *prometheus.Desc
	errors      *prometheus.Desc
	forced      *prometheus.Desc
	maxDepth    *prometheus.Desc
	latency     *prometheus.Desc
	state       *prometheus.Desc
	inflight    *prometheus.Desc
	dispatching *prometheus.Desc
}

// NewCollector returns a collector for d. Register it with a
// prometheus.Registry and serve it through promhttp.
func NewCollector(d *Device) *Collector {
	name := func(n string) string { return prometheus.BuildFQName(metricsNamespace, "", n) }
	return &Collector{
		device:      d,
		ops:         prometheus.NewDesc(name("ops_total"), "Requests completed, by operation.", []string{"dev_id", "op"}, nil),
		bytes:       prometheus.NewDesc(name("bytes_total"), "Bytes transferred by successful requests, by operation.", []string{"dev_id", "op"}, nil),
		errors:      prometheus.NewDesc(name("errors_total"), "Requests completed with an error, by operation.", []string{"dev_id", "op"}, nil),
		forced:      prometheus.NewDesc(name("forced_total"), "Requests failed because their handler outlived the drain timeout.", []string{"dev_id"}, nil),
		maxDepth:    prometheus.NewDesc(name("max_queue_depth"), "Highest number of requests seen inside handlers at once.", []string{"dev_id"}, nil),
		latency:     prometheus.NewDesc(name("request_duration_seconds"), "Time from fetch completion to commit.", []string{"dev_id"}, nil),
		state:       prometheus.NewDesc(name("device_state"), "1 for the device's current lifecycle state.", []string{"dev_id", "state"}, nil),
		inflight:    prometheus.NewDesc(name("queue_outstanding"), "Fetch commands parked in the kernel, by queue.", []string{"dev_id", "queue"}, nil),
		dispatching: prometheus.NewDesc(name("queue_dispatching"), "Requests currently inside the handler, by queue.", []string{"dev_id", "queue"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ops
	ch <- c.bytes
	ch <- c.errors
	ch <- c.forced
	ch <- c.maxDepth
	ch <- c.latency
	ch <- c.state
	ch <- c.inflight
	ch <- c.dispatching
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	d := c.device
	m := d.Metrics()
	snap := m.Snapshot()
	dev := strconv.FormatUint(uint64(d.ID), 10)

	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}

	counter(c.ops, snap.ReadOps, dev, "read")
	counter(c.ops, snap.WriteOps, dev, "write")
	counter(c.ops, snap.DiscardOps, dev, "discard")
	counter(c.ops, snap.FlushOps, dev, "flush")

	counter(c.bytes, snap.ReadBytes, dev, "read")
	counter(c.bytes, snap.WriteBytes, dev, "write")
	counter(c.bytes, snap.DiscardBytes, dev, "discard")

	counter(c.errors, snap.ReadErrors, dev, "read")
	counter(c.errors, snap.WriteErrors, dev, "write")
	counter(c.errors, snap.DiscardErrors, dev, "discard")
	counter(c.errors, snap.FlushErrors, dev, "flush")

	counter(c.forced, snap.ForcedOps, dev)
	ch <- prometheus.MustNewConstMetric(c.maxDepth, prometheus.GaugeValue, float64(snap.MaxQueueDepth), dev)

	buckets := make(map[float64]uint64, len(LatencyBuckets))
	for i, ns := range LatencyBuckets {
		buckets[float64(ns)/1e9] = snap.LatencyHistogram[i]
	}
	ch <- prometheus.MustNewConstHistogram(c.latency, m.OpCount.Load(), float64(m.TotalLatencyNs.Load())/1e9, buckets, dev)

	current := d.State()
	for _, st := range deviceStates {
		v := 0.0
		if st == current {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, dev, string(st))
	}

	if s := d.session(); s != nil {
		for _, r := range s.runners {
			q := strconv.Itoa(int(r.QueueID()))
			ch <- prometheus.MustNewConstMetric(c.inflight, prometheus.GaugeValue, float64(r.Outstanding()), dev, q)
			ch <- prometheus.MustNewConstMetric(c.dispatching, prometheus.GaugeValue, float64(r.Dispatching()), dev, q)
		}
	}
}

var _ prometheus.Collector = (*Collector)(nil)
