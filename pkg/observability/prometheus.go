package observability

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics with lazily created collectors.
// A metric's label set is fixed by its first use; later calls fill missing
// labels with "" and drop unknown ones.
type PrometheusMetrics struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*labelled[*prometheus.CounterVec]
	gauges     map[string]*labelled[*prometheus.GaugeVec]
	histograms map[string]*labelled[*prometheus.HistogramVec]
}

type labelled[V any] struct {
	vec    V
	labels []string
}

// NewPrometheusMetrics creates a sink backed by a fresh registry that also
// carries the Go runtime and process collectors.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &PrometheusMetrics{
		namespace:  namespace,
		registry:   reg,
		counters:   make(map[string]*labelled[*prometheus.CounterVec]),
		gauges:     make(map[string]*labelled[*prometheus.GaugeVec]),
		histograms: make(map[string]*labelled[*prometheus.HistogramVec]),
	}
}

// Registry exposes the underlying registry.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *PrometheusMetrics) Counter(name string, value int64, tags ...Tag) {
	if value < 0 {
		return
	}
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		labels := labelNames(tags)
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      promName(name) + "_total",
			Help:      fmt.Sprintf("Total of %s.", name),
		}, labels)
		if err := m.registry.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		c = &labelled[*prometheus.CounterVec]{vec: vec, labels: labels}
		m.counters[name] = c
	}
	m.mu.Unlock()
	c.vec.WithLabelValues(labelValues(c.labels, tags)...).Add(float64(value))
}

func (m *PrometheusMetrics) Gauge(name string, value float64, tags ...Tag) {
	m.mu.Lock()
	g, ok := m.gauges[name]
	if !ok {
		labels := labelNames(tags)
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      promName(name),
			Help:      fmt.Sprintf("Current %s.", name),
		}, labels)
		if err := m.registry.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		g = &labelled[*prometheus.GaugeVec]{vec: vec, labels: labels}
		m.gauges[name] = g
	}
	m.mu.Unlock()
	g.vec.WithLabelValues(labelValues(g.labels, tags)...).Set(value)
}

func (m *PrometheusMetrics) Histogram(name string, value float64, tags ...Tag) {
	m.observe(promName(name), name, value, tags)
}

// Timing records durations in seconds under <name>_seconds.
func (m *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...Tag) {
	m.observe(promName(name)+"_seconds", name, duration.Seconds(), tags)
}

func (m *PrometheusMetrics) observe(promKey, name string, value float64, tags []Tag) {
	m.mu.Lock()
	h, ok := m.histograms[promKey]
	if !ok {
		labels := labelNames(tags)
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      promKey,
			Help:      fmt.Sprintf("Distribution of %s.", name),
			Buckets:   prometheus.DefBuckets,
		}, labels)
		if err := m.registry.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		h = &labelled[*prometheus.HistogramVec]{vec: vec, labels: labels}
		m.histograms[promKey] = h
	}
	m.mu.Unlock()
	h.vec.WithLabelValues(labelValues(h.labels, tags)...).Observe(value)
}

// promName turns "automata.storage.errors" into "storage_errors"; the
// automata prefix is carried by the namespace.
func promName(name string) string {
	name = strings.TrimPrefix(name, "automata.")
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

func labelNames(tags []Tag) []string {
	names := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		if seen[t.Key] {
			continue
		}
		seen[t.Key] = true
		names = append(names, t.Key)
	}
	sort.Strings(names)
	return names
}

func labelValues(labels []string, tags []Tag) []string {
	values := make([]string, len(labels))
	for i, l := range labels {
		for _, t := range tags {
			if t.Key == l {
				values[i] = t.Value
				break
			}
		}
	}
	return values
}
