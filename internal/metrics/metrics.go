// Package metrics exposes redial's operational state to Prometheus: queue
// and call-state gauges sampled at scrape time, and counters incremented on
// the dialing paths.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// QueueCounter returns queue entry counts grouped by status.
type QueueCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// RetryLatchCounter returns the number of call states with the retry latch set.
type RetryLatchCounter interface {
	CountRetryScheduled(ctx context.Context) (int, error)
}

// BridgeCounter returns the number of live media bridges.
type BridgeCounter interface {
	Count() int
}

// Collector is a prometheus.Collector that gathers redial gauges at scrape
// time. Any provider may be nil if unavailable.
type Collector struct {
	queue     QueueCounter
	latches   RetryLatchCounter
	bridges   BridgeCounter
	startTime time.Time

	queueDepthDesc    *prometheus.Desc
	retryLatchedDesc  *prometheus.Desc
	activeBridgesDesc *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates the scrape-time collector.
func NewCollector(queue QueueCounter, latches RetryLatchCounter, bridges BridgeCounter, startTime time.Time) *Collector {
	return &Collector{
		queue:     queue,
		latches:   latches,
		bridges:   bridges,
		startTime: startTime,

		queueDepthDesc: prometheus.NewDesc(
			"redial_queue_entries",
			"Call queue entries by status",
			[]string{"status"}, nil,
		),
		retryLatchedDesc: prometheus.NewDesc(
			"redial_call_states_retry_scheduled",
			"Call states whose retry latch is set",
			nil, nil,
		),
		activeBridgesDesc: prometheus.NewDesc(
			"redial_active_bridges",
			"Live media bridges (carrier stream paired with agent stream)",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"redial_uptime_seconds",
			"Seconds since the redial process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepthDesc
	ch <- c.retryLatchedDesc
	ch <- c.activeBridgesDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.queue != nil {
		counts, err := c.queue.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count queue entries", "error", err)
		} else {
			for _, status := range []string{"pending", "in_flight", "failed"} {
				ch <- prometheus.MustNewConstMetric(
					c.queueDepthDesc, prometheus.GaugeValue,
					float64(counts[status]), status,
				)
			}
		}
	}

	if c.latches != nil {
		count, err := c.latches.CountRetryScheduled(ctx)
		if err != nil {
			slog.Error("metrics: failed to count retry latches", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.retryLatchedDesc, prometheus.GaugeValue, float64(count),
			)
		}
	}

	if c.bridges != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeBridgesDesc, prometheus.GaugeValue,
			float64(c.bridges.Count()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// Counters are the event counters incremented by the dialer and the status
// ingress. All methods are nil-receiver safe so tests can pass nil.
type Counters struct {
	callsInitiated     prometheus.Counter
	initiationFailures prometheus.Counter
	retriesScheduled   *prometheus.CounterVec
	callOutcomes       *prometheus.CounterVec
}

// NewCounters creates and registers the counters.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		callsInitiated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redial_calls_initiated_total",
			Help: "Carrier calls successfully created",
		}),
		initiationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redial_initiation_failures_total",
			Help: "Queue entries that failed at call creation",
		}),
		retriesScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redial_retries_scheduled_total",
			Help: "Retry attempts scheduled, by reason",
		}, []string{"reason"}),
		callOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redial_call_outcomes_total",
			Help: "Terminal call classifications, by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(c.callsInitiated, c.initiationFailures, c.retriesScheduled, c.callOutcomes)
	return c
}

// CallInitiated records a successful carrier call creation.
func (c *Counters) CallInitiated() {
	if c == nil {
		return
	}
	c.callsInitiated.Inc()
}

// InitiationFailed records a queue entry failing at call creation.
func (c *Counters) InitiationFailed() {
	if c == nil {
		return
	}
	c.initiationFailures.Inc()
}

// RetryScheduled records one scheduled retry with its trigger reason.
func (c *Counters) RetryScheduled(reason string) {
	if c == nil {
		return
	}
	c.retriesScheduled.WithLabelValues(reason).Inc()
}

// CallOutcome records a terminal classification (success, retry, exhausted,
// terminal).
func (c *Counters) CallOutcome(outcome string) {
	if c == nil {
		return
	}
	c.callOutcomes.WithLabelValues(outcome).Inc()
}
