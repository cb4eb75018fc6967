package adapter

import (
	"context"

	"github.com/camatools/pacsync/internal/types"
)

// NopMetrics returns a MetricsSink that discards everything. Used when
// telemetry is disabled and in tests (zero overhead path).
func NopMetrics() MetricsSink { return nopMetrics{} }

type nopMetrics struct{}

func (nopMetrics) Counter(string, map[string]string) Counter     { return nopInstrument{} }
func (nopMetrics) Gauge(string, map[string]string) Gauge         { return nopInstrument{} }
func (nopMetrics) Histogram(string, map[string]string) Histogram { return nopInstrument{} }

type nopInstrument struct{}

func (nopInstrument) Inc(int64)        {}
func (nopInstrument) Set(float64)      {}
func (nopInstrument) Observe(float64)  {}

// NopAudit returns an AuditSink that discards everything.
func NopAudit() AuditSink { return nopAudit{} }

type nopAudit struct{}

func (nopAudit) RecordJob(context.Context, *types.Job) error { return nil }
func (nopAudit) RecordEvent(context.Context, string, string, map[string]interface{}) error {
	return nil
}
func (nopAudit) RecordConflict(context.Context, string, *types.Conflict) error { return nil }
