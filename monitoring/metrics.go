package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricType is the Prometheus metric kind.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// DefaultLatencyBuckets are in seconds.
var DefaultLatencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Metric is the current value of one labelled series.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Help      string            `json:"help,omitempty"`
	// Histogram state; Value holds the sum.
	Buckets []float64 `json:"buckets,omitempty"`
	Counts  []uint64  `json:"bucket_counts,omitempty"`
	Count   uint64    `json:"count,omitempty"`
}

// MetricsCollector keeps counters, gauges and histograms in memory and
// exports them in Prometheus text or JSON form.
type MetricsCollector struct {
	metrics     map[string]map[string]*Metric
	help        map[string]string
	metricsLock sync.RWMutex

	startTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics:   make(map[string]map[string]*Metric),
		help:      make(map[string]string),
		startTime: time.Now(),
	}
}

// Describe sets the HELP text for a metric name.
func (mc *MetricsCollector) Describe(name, help string) {
	mc.metricsLock.Lock()
	defer mc.metricsLock.Unlock()
	mc.help[name] = help
}

// series returns the series for name+labels, creating it. Caller holds the lock.
func (mc *MetricsCollector) series(name string, typ MetricType, labels map[string]string) *Metric {
	byLabels, ok := mc.metrics[name]
	if !ok {
		byLabels = make(map[string]*Metric)
		mc.metrics[name] = byLabels
	}
	key := labelKey(labels)
	m, ok := byLabels[key]
	if !ok {
		m = &Metric{Name: name, Type: typ, Labels: copyLabels(labels)}
		byLabels[key] = m
	}
	m.Timestamp = time.Now()
	return m
}

func (mc *MetricsCollector) IncrCounter(name string, value float64, labels map[string]string) {
	mc.metricsLock.Lock()
	defer mc.metricsLock.Unlock()
	mc.series(name, MetricTypeCounter, labels).Value += value
}

func (mc *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	mc.metricsLock.Lock()
	defer mc.metricsLock.Unlock()
	mc.series(name, MetricTypeGauge, labels).Value = value
}

// RecordHistogram observes value. Buckets are fixed by the first observation.
func (mc *MetricsCollector) RecordHistogram(name string, value float64, labels map[string]string, buckets []float64) {
	mc.metricsLock.Lock()
	defer mc.metricsLock.Unlock()

	m := mc.series(name, MetricTypeHistogram, labels)
	if m.Buckets == nil {
		if len(buckets) == 0 {
			buckets = DefaultLatencyBuckets
		}
		m.Buckets = append([]float64(nil), buckets...)
		sort.Float64s(m.Buckets)
		m.Counts = make([]uint64, len(m.Buckets))
	}
	for i, upper := range m.Buckets {
		if value <= upper {
			m.Counts[i]++
		}
	}
	m.Count++
	m.Value += value
}

// GetMetric returns copies of every series recorded under name.
func (mc *MetricsCollector) GetMetric(name string) ([]*Metric, error) {
	mc.metricsLock.RLock()
	defer mc.metricsLock.RUnlock()

	byLabels, ok := mc.metrics[name]
	if !ok {
		return nil, fmt.Errorf("metric %s not found", name)
	}
	return copySeries(byLabels), nil
}

// Value returns the value of one series, or 0 if it was never recorded.
func (mc *MetricsCollector) Value(name string, labels map[string]string) float64 {
	mc.metricsLock.RLock()
	defer mc.metricsLock.RUnlock()

	if m, ok := mc.metrics[name][labelKey(labels)]; ok {
		return m.Value
	}
	return 0
}

func (mc *MetricsCollector) GetAllMetrics() map[string][]*Metric {
	mc.metricsLock.RLock()
	defer mc.metricsLock.RUnlock()

	result := make(map[string][]*Metric, len(mc.metrics))
	for name, byLabels := range mc.metrics {
		result[name] = copySeries(byLabels)
	}
	return result
}

// ExportPrometheus renders all series in the Prometheus text format, sorted
// by name and labels so output is stable.
func (mc *MetricsCollector) ExportPrometheus() string {
	metrics := mc.GetAllMetrics()
	mc.metricsLock.RLock()
	help := make(map[string]string, len(mc.help))
	for k, v := range mc.help {
		help[k] = v
	}
	mc.metricsLock.RUnlock()

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		list := metrics[name]
		if len(list) == 0 {
			continue
		}
		h := help[name]
		if h == "" {
			h = fmt.Sprintf("Metric %s", name)
		}
		fmt.Fprintf(&b, "# HELP %s %s\n", name, h)
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, list[0].Type)
		for _, m := range list {
			if m.Type == MetricTypeHistogram {
				writeHistogram(&b, m)
				continue
			}
			fmt.Fprintf(&b, "%s%s %s\n", name, formatLabels(m.Labels, "", ""), formatValue(m.Value))
		}
	}
	return b.String()
}

func writeHistogram(b *strings.Builder, m *Metric) {
	for i, upper := range m.Buckets {
		fmt.Fprintf(b, "%s_bucket%s %d\n", m.Name, formatLabels(m.Labels, "le", formatValue(upper)), m.Counts[i])
	}
	fmt.Fprintf(b, "%s_bucket%s %d\n", m.Name, formatLabels(m.Labels, "le", "+Inf"), m.Count)
	fmt.Fprintf(b, "%s_sum%s %s\n", m.Name, formatLabels(m.Labels, "", ""), formatValue(m.Value))
	fmt.Fprintf(b, "%s_count%s %d\n", m.Name, formatLabels(m.Labels, "", ""), m.Count)
}

func (mc *MetricsCollector) ExportJSON() (string, error) {
	data, err := json.MarshalIndent(mc.GetAllMetrics(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (mc *MetricsCollector) GetUptime() time.Duration {
	return time.Since(mc.startTime)
}

// CollectSystemMetrics records runtime gauges every interval until ctx ends.
func (mc *MetricsCollector) CollectSystemMetrics(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	mc.recordRuntime()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc.recordRuntime()
		}
	}
}

func (mc *MetricsCollector) recordRuntime() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	mc.SetGauge("memory_heap_alloc_bytes", float64(m.HeapAlloc), nil)
	mc.SetGauge("memory_heap_sys_bytes", float64(m.HeapSys), nil)
	mc.SetGauge("memory_gc_count", float64(m.NumGC), nil)
	mc.SetGauge("system_goroutines", float64(runtime.NumGoroutine()), nil)
	mc.SetGauge("uptime_seconds", mc.GetUptime().Seconds(), nil)
}

func (mc *MetricsCollector) GetSystemStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"uptime":     mc.GetUptime().String(),
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"alloc":       m.Alloc,
			"sys":         m.Sys,
			"heap_alloc":  m.HeapAlloc,
			"heap_inuse":  m.HeapInuse,
			"gc_count":    m.NumGC,
			"gc_pause_ns": m.PauseTotalNs,
		},
		"num_cpu": runtime.NumCPU(),
	}
}

func copySeries(byLabels map[string]*Metric) []*Metric {
	keys := make([]string, 0, len(byLabels))
	for k := range byLabels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Metric, 0, len(keys))
	for _, k := range keys {
		m := *byLabels[k]
		m.Labels = copyLabels(m.Labels)
		m.Buckets = append([]float64(nil), m.Buckets...)
		m.Counts = append([]uint64(nil), m.Counts...)
		out = append(out, &m)
	}
	return out
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

func labelKey(labels map[string]string) string {
	return formatLabels(labels, "", "")
}

// formatLabels renders {k="v",...} in key order, with an optional extra pair.
func formatLabels(labels map[string]string, extraKey, extraValue string) string {
	if len(labels) == 0 && extraKey == "" {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	if extraKey != "" {
		parts = append(parts, fmt.Sprintf("%s=%q", extraKey, extraValue))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func formatValue(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
}
