package observability

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromName(t *testing.T) {
	assert.Equal(t, "storage_errors", promName("automata.storage.errors"))
	assert.Equal(t, "outbox_lag_seconds", promName("automata.outbox.lag_seconds"))
	assert.Equal(t, "custom_metric", promName("custom-metric"))
}

func TestPrometheusMetrics_Counter(t *testing.T) {
	m := NewPrometheusMetrics("automata")

	m.Counter(MetricExecutions, 1, T("outcome", "finished"))
	m.Counter(MetricExecutions, 2, T("outcome", "finished"))
	m.Counter(MetricExecutions, 1, T("outcome", "skip"))
	// Unknown labels are dropped rather than panicking.
	m.Counter(MetricExecutions, 1, T("outcome", "error"), T("extra", "x"))

	c := m.counters[MetricExecutions]
	require.NotNil(t, c)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.vec.WithLabelValues("finished")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.vec.WithLabelValues("error")))
}

func TestPrometheusMetrics_GaugeAndTiming(t *testing.T) {
	m := NewPrometheusMetrics("automata")

	m.Gauge(MetricActiveSchedules, 7)
	m.Timing(MetricExecutionDuration, 250*time.Millisecond, T("outcome", "finished"))

	assert.Equal(t, 7.0, testutil.ToFloat64(m.gauges[MetricActiveSchedules].vec.WithLabelValues()))
	assert.Equal(t, 1, testutil.CollectAndCount(m.histograms["execution_duration_seconds"].vec))
}

func TestPrometheusMetrics_Handler(t *testing.T) {
	m := NewPrometheusMetrics("automata")
	m.Counter(MetricEventsProcessed, 1, T("type", "app_foreground"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `automata_events_processed_total{type="app_foreground"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
