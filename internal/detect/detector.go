// Package detect queries the source store for records modified since a
// watermark, with guarded pagination and related-record fetch.
package detect

import (
	"context"
	"errors"
	"time"

	"github.com/camatools/pacsync/internal/adapter"
	"github.com/camatools/pacsync/internal/orchestrator"
	"github.com/camatools/pacsync/internal/types"
)

// Detector drives change queries against a source adapter under the
// orchestrator's breaker/retry protection.
type Detector struct {
	source  adapter.SourceAdapter
	orch    *orchestrator.Orchestrator
	breaker string
	retry   string
}

// New creates a Detector. breakerName/retryName may be empty to run
// unguarded (tests).
func New(source adapter.SourceAdapter, orch *orchestrator.Orchestrator, breakerName, retryName string) *Detector {
	return &Detector{source: source, orch: orch, breaker: breakerName, retry: retryName}
}

// GetChanged returns one page of records strictly newer than since.
// since == nil means all records. After retry exhaustion the error is
// classified as source-unavailable so the job boundary fails cleanly.
func (d *Detector) GetChanged(ctx context.Context, entity types.EntityType, since *time.Time, batchSize, offset int) ([]*types.SourceRecord, int, error) {
	var (
		records []*types.SourceRecord
		total   int
	)
	err := d.guard(ctx, func(ctx context.Context) error {
		var err error
		records, total, err = d.source.GetChanged(ctx, entity, since, batchSize, offset)
		return err
	})
	if err != nil {
		if adapter.KindOf(err) == adapter.KindTransient {
			return nil, 0, adapter.E("detect.get_changed", adapter.KindRemoteUnavailable, errors.Join(adapter.ErrSourceUnavailable, err))
		}
		return nil, 0, err
	}
	return records, total, nil
}

// GetRelated fetches dependent records for a set of parent IDs. An
// empty parent set short-circuits to empty maps without touching the
// adapter.
func (d *Detector) GetRelated(ctx context.Context, parent types.EntityType, parentIDs []string, related []types.EntityType) (map[types.EntityType][]*types.SourceRecord, error) {
	if len(parentIDs) == 0 {
		out := make(map[types.EntityType][]*types.SourceRecord, len(related))
		for _, rt := range related {
			out[rt] = nil
		}
		return out, nil
	}
	var out map[types.EntityType][]*types.SourceRecord
	err := d.guard(ctx, func(ctx context.Context) error {
		var err error
		out, err = d.source.GetRelated(ctx, parent, parentIDs, related)
		return err
	})
	return out, err
}

// ForEachPage pages through GetChanged until an empty or short page.
// fn receives each non-empty page in order.
func (d *Detector) ForEachPage(ctx context.Context, entity types.EntityType, since *time.Time, batchSize int, fn func(records []*types.SourceRecord) error) error {
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, _, err := d.GetChanged(ctx, entity, since, batchSize, offset)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < batchSize {
			return nil // short page is the final page
		}
		offset += len(page)
	}
}

func (d *Detector) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if d.orch == nil {
		return fn(ctx)
	}
	return d.orch.ExecuteWithResilience(ctx, fn, d.breaker, d.retry)
}
