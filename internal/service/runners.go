package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/camatools/pacsync/internal/adapter"
	"github.com/camatools/pacsync/internal/jobs"
	"github.com/camatools/pacsync/internal/types"
)

// The non-sync job kinds share the manager's lifecycle machinery but
// run much simpler bodies. They live here rather than in the engine
// because they read the source store directly and never touch the
// transform pipeline.

// reportRunner summarizes source record volumes and recent job history.
type reportRunner struct {
	source adapter.SourceAdapter
	store  *jobs.Store
	audit  adapter.AuditSink
}

func newReportRunner(source adapter.SourceAdapter, store *jobs.Store, sink adapter.AuditSink) jobs.Runner {
	return &reportRunner{source: source, store: store, audit: sink}
}

func (r *reportRunner) Run(ctx context.Context, job *types.Job) (*types.SyncSummary, error) {
	var summary types.SyncSummary
	counts := make(map[string]interface{}, len(types.EntityOrder))
	for _, entity := range types.EntityOrder {
		n, err := r.source.GetCount(ctx, entity)
		if err != nil {
			return nil, err
		}
		counts[string(entity)] = n
		summary.Processed += n
	}

	recent, err := r.store.ListJobs(ctx, "", 100)
	if err != nil {
		return nil, err
	}
	byStatus := make(map[string]int)
	for _, j := range recent {
		byStatus[string(j.Status)]++
	}

	summary.Succeeded = summary.Processed
	_ = r.audit.RecordEvent(ctx, job.ID, "report", map[string]interface{}{
		"source_counts": counts,
		"recent_jobs":   byStatus,
	})
	return &summary, nil
}

// marketAnalysisRunner computes valuation statistics over the source's
// value records.
type marketAnalysisRunner struct {
	source adapter.SourceAdapter
	audit  adapter.AuditSink
}

func newMarketAnalysisRunner(source adapter.SourceAdapter, sink adapter.AuditSink) jobs.Runner {
	return &marketAnalysisRunner{source: source, audit: sink}
}

func (r *marketAnalysisRunner) Run(ctx context.Context, job *types.Job) (*types.SyncSummary, error) {
	var (
		summary  types.SyncSummary
		count    int
		sum      float64
		min, max float64
	)

	const pageSize = 500
	for offset := 0; ; offset += pageSize {
		page, _, err := r.source.GetChanged(ctx, types.EntityValue, nil, pageSize, offset)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			summary.Processed++
			v, ok := asFloat(rec.Payload["market_val"])
			if !ok {
				summary.Failed++
				continue
			}
			if count == 0 || v < min {
				min = v
			}
			if count == 0 || v > max {
				max = v
			}
			sum += v
			count++
			summary.Succeeded++
		}
		if len(page) < pageSize {
			break
		}
	}

	stats := map[string]interface{}{"count": count}
	if count > 0 {
		stats["mean"] = sum / float64(count)
		stats["min"] = min
		stats["max"] = max
	}
	_ = r.audit.RecordEvent(ctx, job.ID, "market_analysis", stats)
	return &summary, nil
}

// gisExportRunner dumps property records as JSONL for GIS ingestion.
type gisExportRunner struct {
	source      adapter.SourceAdapter
	defaultPath string
	audit       adapter.AuditSink
}

func newGISExportRunner(source adapter.SourceAdapter, defaultPath string, sink adapter.AuditSink) jobs.Runner {
	return &gisExportRunner{source: source, defaultPath: defaultPath, audit: sink}
}

func (r *gisExportRunner) Run(ctx context.Context, job *types.Job) (*types.SyncSummary, error) {
	path := r.defaultPath
	if p, ok := job.Params["output_path"].(string); ok && p != "" {
		path = p
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, adapter.E("gis.export", adapter.KindInternal, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, adapter.E("gis.export", adapter.KindInternal, err)
	}
	defer f.Close()

	var summary types.SyncSummary
	enc := json.NewEncoder(f)
	const pageSize = 500
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, _, err := r.source.GetChanged(ctx, types.EntityProperty, nil, pageSize, offset)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			summary.Processed++
			line := map[string]interface{}{
				"source_id":     rec.SourceID,
				"last_modified": rec.LastModified.UTC().Format(time.RFC3339),
				"attributes":    rec.Payload,
			}
			if err := enc.Encode(line); err != nil {
				return nil, adapter.E("gis.export", adapter.KindInternal, fmt.Errorf("write %s: %w", path, err))
			}
			summary.Succeeded++
		}
		if len(page) < pageSize {
			break
		}
	}

	_ = r.audit.RecordEvent(ctx, job.ID, "gis_export", map[string]interface{}{
		"path": path, "records": summary.Succeeded,
	})
	return &summary, nil
}

func asFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}
