package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeQueueCounter struct {
	counts map[string]int
	err    error
}

func (f fakeQueueCounter) CountByStatus(ctx context.Context) (map[string]int, error) {
	return f.counts, f.err
}

type fakeLatchCounter struct{ n int }

func (f fakeLatchCounter) CountRetryScheduled(ctx context.Context) (int, error) {
	return f.n, nil
}

type fakeBridgeCounter struct{ n int }

func (f fakeBridgeCounter) Count() int { return f.n }

func gather(t *testing.T, c prometheus.Collector) map[string][]*dto.Metric {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	out := make(map[string][]*dto.Metric)
	for _, fam := range families {
		out[fam.GetName()] = fam.GetMetric()
	}
	return out
}

func TestCollectorGauges(t *testing.T) {
	c := NewCollector(
		fakeQueueCounter{counts: map[string]int{"pending": 4, "in_flight": 1}},
		fakeLatchCounter{n: 2},
		fakeBridgeCounter{n: 1},
		time.Now().Add(-time.Minute),
	)

	metrics := gather(t, c)

	byStatus := make(map[string]float64)
	for _, m := range metrics["redial_queue_entries"] {
		byStatus[m.GetLabel()[0].GetValue()] = m.GetGauge().GetValue()
	}
	if byStatus["pending"] != 4 || byStatus["in_flight"] != 1 || byStatus["failed"] != 0 {
		t.Errorf("queue gauges = %v", byStatus)
	}

	if got := metrics["redial_call_states_retry_scheduled"][0].GetGauge().GetValue(); got != 2 {
		t.Errorf("retry latch gauge = %v, want 2", got)
	}
	if got := metrics["redial_active_bridges"][0].GetGauge().GetValue(); got != 1 {
		t.Errorf("active bridges gauge = %v, want 1", got)
	}
	if got := metrics["redial_uptime_seconds"][0].GetGauge().GetValue(); got < 59 {
		t.Errorf("uptime gauge = %v, want about a minute", got)
	}
}

func TestCollectorSurvivesProviderFailure(t *testing.T) {
	c := NewCollector(
		fakeQueueCounter{err: errors.New("db closed")},
		fakeLatchCounter{n: 3},
		nil,
		time.Now(),
	)

	metrics := gather(t, c)

	if _, ok := metrics["redial_queue_entries"]; ok {
		t.Error("queue gauges emitted despite provider failure")
	}
	if got := metrics["redial_call_states_retry_scheduled"][0].GetGauge().GetValue(); got != 3 {
		t.Errorf("retry latch gauge = %v, want 3", got)
	}
}

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCounters(reg)

	c.CallInitiated()
	c.CallInitiated()
	c.InitiationFailed()
	c.RetryScheduled("no-answer")
	c.CallOutcome("success")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gathering: %v", err)
	}
	values := make(map[string]float64)
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			key := fam.GetName()
			for _, l := range m.GetLabel() {
				key += "/" + l.GetValue()
			}
			values[key] = m.GetCounter().GetValue()
		}
	}

	if values["redial_calls_initiated_total"] != 2 {
		t.Errorf("calls initiated = %v", values["redial_calls_initiated_total"])
	}
	if values["redial_initiation_failures_total"] != 1 {
		t.Errorf("initiation failures = %v", values["redial_initiation_failures_total"])
	}
	if values["redial_retries_scheduled_total/no-answer"] != 1 {
		t.Errorf("retries scheduled = %v", values["redial_retries_scheduled_total/no-answer"])
	}
	if values["redial_call_outcomes_total/success"] != 1 {
		t.Errorf("call outcomes = %v", values["redial_call_outcomes_total/success"])
	}
}

func TestCountersNilReceiverSafe(t *testing.T) {
	var c *Counters
	c.CallInitiated()
	c.InitiationFailed()
	c.RetryScheduled("busy")
	c.CallOutcome("retry")
}
