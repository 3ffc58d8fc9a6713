package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPublisherMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPublisher(reg)

	m.Result("success")
	m.Result("success")
	m.Result("timeout")
	if got := testutil.ToFloat64(m.results.WithLabelValues("success")); got != 2 {
		t.Fatalf("success counter: got %f want 2", got)
	}
	if got := testutil.ToFloat64(m.results.WithLabelValues("timeout")); got != 1 {
		t.Fatalf("timeout counter: got %f want 1", got)
	}

	m.Connect()
	if got := testutil.ToFloat64(m.connects); got != 1 {
		t.Fatalf("connects counter: got %f want 1", got)
	}

	m.SetConsecutiveTimeouts(3)
	if got := testutil.ToFloat64(m.consecutiveTimeouts); got != 3 {
		t.Fatalf("consecutive timeouts gauge: got %f want 3", got)
	}

	ts := time.Unix(1700000000, 0)
	m.SetLastSuccess(ts)
	if got := testutil.ToFloat64(m.lastSuccess); got != 1700000000 {
		t.Fatalf("last success gauge: got %f", got)
	}

	m.ObserveDuration(0.25)
	if samples := testutil.CollectAndCount(m.duration); samples != 1 {
		t.Fatalf("duration histogram: got %d collectors", samples)
	}
}

func TestNilPublisherIsSafe(t *testing.T) {
	var m *Publisher
	m.Result("success")
	m.Connect()
	m.SetConsecutiveTimeouts(1)
	m.SetLastSuccess(time.Now())
	m.ObserveDuration(0.1)
}
