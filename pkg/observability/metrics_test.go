package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoopMetrics(t *testing.T) {
	m := NoopMetrics{}

	assert.NotPanics(t, func() {
		m.Counter(MetricEventsProcessed, 1)
		m.Gauge(MetricActiveSchedules, 1.0)
		m.Histogram("x", 1.0)
		m.Timing(MetricExecutionDuration, time.Second)
	})
}

func TestInMemoryMetrics(t *testing.T) {
	t.Run("counter with tags", func(t *testing.T) {
		m := NewInMemoryMetrics()

		m.Counter(MetricTransitions, 1, T("from", "idle"), T("to", "triggered"))
		m.Counter(MetricTransitions, 1, T("to", "triggered"), T("from", "idle"))
		m.Counter(MetricTransitions, 1, T("from", "triggered"), T("to", "executing"))

		assert.Equal(t, int64(2), m.GetCounter(MetricTransitions, T("from", "idle"), T("to", "triggered")))
		assert.Equal(t, int64(3), m.SumCounter(MetricTransitions))
		assert.Zero(t, m.SumCounter(MetricTriggersFired))
	})

	t.Run("gauge keeps last value", func(t *testing.T) {
		m := NewInMemoryMetrics()

		m.Gauge(MetricActiveSchedules, 4)
		m.Gauge(MetricActiveSchedules, 3)

		assert.Equal(t, 3.0, m.GetGauge(MetricActiveSchedules))
	})

	t.Run("histogram and timing", func(t *testing.T) {
		m := NewInMemoryMetrics()

		m.Histogram("payload_bytes", 100)
		m.Histogram("payload_bytes", 200)
		m.Timing(MetricExecutionDuration, 100*time.Millisecond)

		assert.Equal(t, []float64{100, 200}, m.GetHistogram("payload_bytes"))
		assert.Equal(t, []time.Duration{100 * time.Millisecond}, m.GetTimings(MetricExecutionDuration))
	})
}

func TestFormatKey(t *testing.T) {
	tests := []struct {
		name     string
		tags     []Tag
		expected string
	}{
		{"no tags", nil, "m"},
		{"single tag", []Tag{T("op", "upsert")}, "m:op=upsert"},
		{"sorted by key", []Tag{T("to", "idle"), T("from", "executing")}, "m:from=executing:to=idle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatKey("m", tt.tags))
		})
	}
}
