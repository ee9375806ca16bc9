package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAreRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveBackend("generate", "ok", 120*time.Millisecond)
	m.ObserveBackend("generate", "ok", 80*time.Millisecond)
	m.IncRetry("timeout")
	m.ObserveDecision(true)
	m.ObserveDecision(false)
	m.ObserveDecision(false)
	m.AddEvictions(3)
	m.IncFallback("timeout")
	m.IncDelivery("ok")

	if got := testutil.ToFloat64(m.backendRequests.WithLabelValues("generate", "ok")); got != 2 {
		t.Fatalf("expected 2 backend requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.backendRetries.WithLabelValues("timeout")); got != 1 {
		t.Fatalf("expected 1 retry, got %v", got)
	}
	if got := testutil.ToFloat64(m.decisions.WithLabelValues("false")); got != 2 {
		t.Fatalf("expected 2 negative decisions, got %v", got)
	}
	if got := testutil.ToFloat64(m.evictions); got != 3 {
		t.Fatalf("expected 3 evictions, got %v", got)
	}
	if got := testutil.ToFloat64(m.fallbacks.WithLabelValues("timeout")); got != 1 {
		t.Fatalf("expected 1 fallback, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveBackend("generate", "error", time.Second)
	m.IncRetry("eof")
	m.ObserveDecision(true)
	m.IncFallback("error")
	m.AddEvictions(1)
	m.IncDelivery("error")
}

func TestActiveConversationsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	active := 4
	RegisterActiveConversations(reg, func() int { return active })

	count, err := testutil.GatherAndCount(reg, "waassist_conversations_active")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected gauge to be registered once, got %d", count)
	}
}
