package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/camatools/pacsync/internal/adapter"
)

const syncScopeName = "github.com/camatools/pacsync/sync"

// Sink implements adapter.MetricsSink on top of OTel instruments. Every
// observation is also accumulated in an in-process registry so the
// control plane can serve a point-in-time snapshot without an exporter.
type Sink struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
	snapshot   map[string]*seriesValue
}

type seriesValue struct {
	kind  string // counter, gauge, histogram
	count int64
	value float64
	sum   float64
}

// NewSink creates a Sink backed by the global meter provider.
func NewSink() *Sink {
	return &Sink{
		meter:      Meter(syncScopeName),
		counters:   make(map[string]metric.Int64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
		snapshot:   make(map[string]*seriesValue),
	}
}

func (s *Sink) Counter(name string, labels map[string]string) adapter.Counter {
	s.mu.Lock()
	inst, ok := s.counters[name]
	if !ok {
		inst, _ = s.meter.Int64Counter(name)
		s.counters[name] = inst
	}
	s.mu.Unlock()
	return &counter{sink: s, inst: inst, key: seriesKey(name, labels), attrs: attrs(labels)}
}

func (s *Sink) Gauge(name string, labels map[string]string) adapter.Gauge {
	s.mu.Lock()
	inst, ok := s.gauges[name]
	if !ok {
		inst, _ = s.meter.Float64Gauge(name)
		s.gauges[name] = inst
	}
	s.mu.Unlock()
	return &gauge{sink: s, inst: inst, key: seriesKey(name, labels), attrs: attrs(labels)}
}

func (s *Sink) Histogram(name string, labels map[string]string) adapter.Histogram {
	s.mu.Lock()
	inst, ok := s.histograms[name]
	if !ok {
		inst, _ = s.meter.Float64Histogram(name)
		s.histograms[name] = inst
	}
	s.mu.Unlock()
	return &histogram{sink: s, inst: inst, key: seriesKey(name, labels), attrs: attrs(labels)}
}

// Snapshot renders the accumulated series as "name value" lines sorted
// by series key. Counters render their total, gauges their last value,
// histograms their count and sum.
func (s *Sink) Snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.snapshot))
	for k := range s.snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := s.snapshot[k]
		switch v.kind {
		case "counter":
			fmt.Fprintf(&b, "%s %d\n", k, v.count)
		case "gauge":
			fmt.Fprintf(&b, "%s %g\n", k, v.value)
		case "histogram":
			fmt.Fprintf(&b, "%s_count %d\n%s_sum %g\n", k, v.count, k, v.sum)
		}
	}
	return b.String()
}

func (s *Sink) record(key, kind string, fn func(*seriesValue)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.snapshot[key]
	if !ok {
		v = &seriesValue{kind: kind}
		s.snapshot[key] = v
	}
	fn(v)
}

type counter struct {
	sink  *Sink
	inst  metric.Int64Counter
	key   string
	attrs metric.MeasurementOption
}

func (c *counter) Inc(n int64) {
	c.inst.Add(context.Background(), n, c.attrs)
	c.sink.record(c.key, "counter", func(v *seriesValue) { v.count += n })
}

type gauge struct {
	sink  *Sink
	inst  metric.Float64Gauge
	key   string
	attrs metric.MeasurementOption
}

func (g *gauge) Set(val float64) {
	g.inst.Record(context.Background(), val, g.attrs)
	g.sink.record(g.key, "gauge", func(v *seriesValue) { v.value = val })
}

type histogram struct {
	sink  *Sink
	inst  metric.Float64Histogram
	key   string
	attrs metric.MeasurementOption
}

func (h *histogram) Observe(val float64) {
	h.inst.Record(context.Background(), val, h.attrs)
	h.sink.record(h.key, "histogram", func(v *seriesValue) { v.count++; v.sum += val })
}

// seriesKey renders name{k="v",...} with labels sorted for stability.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func attrs(labels map[string]string) metric.MeasurementOption {
	kvs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		kvs = append(kvs, attribute.String(k, v))
	}
	return metric.WithAttributes(kvs...)
}
