package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Capacity reports the slot gauges of a worker host.
type Capacity interface {
	Budget() int64
	Available() int64
	Executing() int64
}

// Collector exposes Metrics and the host capacity to prometheus.
type Collector struct {
	metrics  *Metrics
	capacity Capacity

	passes          *prometheus.Desc
	enqueued        *prometheus.Desc
	admissions      *prometheus.Desc
	deferrals       *prometheus.Desc
	cancellations   *prometheus.Desc
	faults          *prometheus.Desc
	itemFailures    *prometheus.Desc
	publishFailures *prometheus.Desc
	heartbeats      *prometheus.Desc
	passLatency     *prometheus.Desc
	runDuration     *prometheus.Desc
	budget          *prometheus.Desc
	available       *prometheus.Desc
	executing       *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds a collector; constLabels usually carry the host identity.
func NewCollector(m *Metrics, capacity Capacity, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("gridworker", "", name), help, nil, constLabels)
	}
	return &Collector{
		metrics:         m,
		capacity:        capacity,
		passes:          desc("passes_total", "Coalesced re-evaluation passes."),
		enqueued:        desc("requests_enqueued_total", "Requests announced as Enqueued."),
		admissions:      desc("requests_launched_total", "Requests admitted for launch."),
		deferrals:       desc("admission_deferrals_total", "Admission attempts that found no free slot."),
		cancellations:   desc("requests_cancelled_total", "Requests cancelled before launch."),
		faults:          desc("requests_faulted_total", "Faulted statuses published by the supervisor."),
		itemFailures:    desc("item_failures_total", "Store items that could not be merged."),
		publishFailures: desc("publish_failures_total", "Failed status or availability publishes."),
		heartbeats:      desc("heartbeats_total", "Published availability records."),
		passLatency:     desc("pass_latency_avg_seconds", "Average duration of a coalesced pass."),
		runDuration:     desc("process_run_avg_seconds", "Average wall-clock time of a worker process."),
		budget:          desc("slots_budget", "Configured concurrency budget."),
		available:       desc("slots_available", "Free concurrency slots."),
		executing:       desc("slots_executing", "Worker processes currently supervised."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.passes
	ch <- c.enqueued
	ch <- c.admissions
	ch <- c.deferrals
	ch <- c.cancellations
	ch <- c.faults
	ch <- c.itemFailures
	ch <- c.publishFailures
	ch <- c.heartbeats
	ch <- c.passLatency
	ch <- c.runDuration
	ch <- c.budget
	ch <- c.available
	ch <- c.executing
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.passes, snap.Passes)
	counter(c.enqueued, snap.Enqueued)
	counter(c.admissions, snap.Admissions)
	counter(c.deferrals, snap.Deferrals)
	counter(c.cancellations, snap.Cancellations)
	counter(c.faults, snap.Faults)
	counter(c.itemFailures, snap.ItemFailures)
	counter(c.publishFailures, snap.PublishFailures)
	counter(c.heartbeats, snap.Heartbeats)
	gauge(c.passLatency, snap.PassLatency.Avg.Seconds())
	gauge(c.runDuration, snap.RunDuration.Avg.Seconds())

	if c.capacity != nil {
		gauge(c.budget, float64(c.capacity.Budget()))
		gauge(c.available, float64(c.capacity.Available()))
		gauge(c.executing, float64(c.capacity.Executing()))
	}
}
