// Package engine drives the sync pipeline: change detection,
// transformation, validation, self-healing, conflict resolution, and
// guarded persistence into the target store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/camatools/pacsync/internal/adapter"
	"github.com/camatools/pacsync/internal/conflict"
	"github.com/camatools/pacsync/internal/detect"
	"github.com/camatools/pacsync/internal/heal"
	"github.com/camatools/pacsync/internal/idgen"
	"github.com/camatools/pacsync/internal/jobs"
	"github.com/camatools/pacsync/internal/mapping"
	"github.com/camatools/pacsync/internal/orchestrator"
	"github.com/camatools/pacsync/internal/resilience"
	"github.com/camatools/pacsync/internal/transform"
	"github.com/camatools/pacsync/internal/types"
	"github.com/camatools/pacsync/internal/validate"
)

// Config tunes the engine.
type Config struct {
	BatchSize int
	// SourceBreaker/SourceRetry and TargetBreaker/TargetRetry name the
	// orchestrator policies guarding each adapter. Empty names run
	// unguarded.
	SourceBreaker string
	SourceRetry   string
	TargetBreaker string
	TargetRetry   string
	// DeriveTargetID predicts the target ID the target adapter will
	// assign a brand-new record, so child records transformed in the
	// same job can reference a property that has not been upserted yet.
	// Must match the target adapter's ID scheme.
	DeriveTargetID func(entity types.EntityType, sourceID string) string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BatchSize <= 0 {
		out.BatchSize = 100
	}
	if out.DeriveTargetID == nil {
		// Both shipped target adapters assign idgen hash IDs.
		out.DeriveTargetID = func(entity types.EntityType, sourceID string) string {
			return idgen.NewTargetID(string(entity), sourceID)
		}
	}
	return out
}

// Engine is the pipeline driver. One Engine serves all jobs; per-job
// staging state lives on the stack of Run and never outlives the job.
type Engine struct {
	source   adapter.SourceAdapter
	target   adapter.TargetAdapter
	catalogs *mapping.Store
	orch     *orchestrator.Orchestrator
	store    *jobs.Store
	audit    adapter.AuditSink
	metrics  adapter.MetricsSink
	cfg      Config

	validator *validate.Validator
	healer    *heal.Healer
}

// New wires an Engine.
func New(source adapter.SourceAdapter, target adapter.TargetAdapter, catalogs *mapping.Store,
	orch *orchestrator.Orchestrator, store *jobs.Store, audit adapter.AuditSink,
	metrics adapter.MetricsSink, cfg Config) *Engine {
	if audit == nil {
		audit = adapter.NopAudit()
	}
	if metrics == nil {
		metrics = adapter.NopMetrics()
	}
	return &Engine{
		source:    source,
		target:    target,
		catalogs:  catalogs,
		orch:      orch,
		store:     store,
		audit:     audit,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
		validator: validate.New(),
		healer:    heal.New(),
	}
}

// jobRun is the per-job staging state. It is discarded when Run
// returns, so nothing leaks past job completion.
type jobRun struct {
	job         *types.Job
	detector    *detect.Detector
	transformer *transform.Transformer
	resolver    *conflict.Resolver
	catalog     *mapping.Catalog
	since       map[types.EntityType]*time.Time
	summary     types.SyncSummary

	// propertyIDs maps property source IDs to target IDs for parent_ref
	// swaps and FK validation; validPropertyIDs holds target IDs of
	// properties known valid.
	propertyIDs      map[string]string
	validPropertyIDs map[string]bool

	// related holds dependent records of changed properties fetched via
	// GetRelated, merged into each child entity's stream.
	related map[types.EntityType][]*types.SourceRecord
}

// Run executes one sync job and returns its counter summary. It is the
// Runner for full_sync and incremental_sync job kinds.
func (e *Engine) Run(ctx context.Context, job *types.Job) (*types.SyncSummary, error) {
	// Pin the catalog versions for the whole job; a concurrent reload
	// must not change mappings mid-flight.
	catalog := e.catalogs.Catalog()
	run := &jobRun{
		job:              job,
		detector:         detect.New(e.source, e.orch, e.cfg.SourceBreaker, e.cfg.SourceRetry),
		transformer:      transform.New(catalog),
		resolver:         conflict.New(e.catalogs.Rules()),
		catalog:          catalog,
		since:            make(map[types.EntityType]*time.Time),
		propertyIDs:      make(map[string]string),
		validPropertyIDs: make(map[string]bool),
		related:          make(map[types.EntityType][]*types.SourceRecord),
	}

	entities, err := e.resolveEntities(job, catalog)
	if err != nil {
		return nil, err
	}
	if err := e.resolveSince(ctx, run, entities); err != nil {
		return nil, err
	}

	for _, entity := range entities {
		if err := ctx.Err(); err != nil {
			return &run.summary, err
		}
		if err := e.syncEntity(ctx, run, entity); err != nil {
			return &run.summary, err
		}
	}

	if job.Kind == types.JobIncrementalSync {
		// Advance only on full success so a retried job re-reads
		// anything this one could not land.
		cutoff := job.CreatedAt
		if job.StartedAt != nil {
			cutoff = *job.StartedAt
		}
		for _, entity := range entities {
			if err := e.store.AdvanceWatermark(ctx, job.TenantID, entity, cutoff); err != nil {
				return &run.summary, err
			}
		}
	}
	return &run.summary, nil
}

// resolveEntities picks the entity types this job covers, in dependency
// order.
func (e *Engine) resolveEntities(job *types.Job, catalog *mapping.Catalog) ([]types.EntityType, error) {
	configured := catalog.Entities()
	raw, ok := job.Params["entity_types"]
	if !ok {
		return configured, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, adapter.E("engine.params", adapter.KindInputInvalid, fmt.Errorf("entity_types must be a list"))
	}
	want := make(map[types.EntityType]bool, len(list))
	for _, v := range list {
		s, _ := v.(string)
		entity := types.EntityType(s)
		if !entity.IsValid() {
			return nil, adapter.E("engine.params", adapter.KindInputInvalid, fmt.Errorf("unknown entity type %q", s))
		}
		want[entity] = true
	}
	var out []types.EntityType
	for _, entity := range configured {
		if want[entity] {
			out = append(out, entity)
		}
	}
	return out, nil
}

// resolveSince fixes the change window per entity: nil for full sync,
// the caller-provided instant or the stored watermark for incremental.
func (e *Engine) resolveSince(ctx context.Context, run *jobRun, entities []types.EntityType) error {
	if run.job.Kind != types.JobIncrementalSync {
		return nil
	}
	if raw, ok := run.job.Params["since"].(string); ok && raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return adapter.E("engine.params", adapter.KindInputInvalid, fmt.Errorf("bad since %q: %v", raw, err))
		}
		for _, entity := range entities {
			since := t
			run.since[entity] = &since
		}
		return nil
	}
	for _, entity := range entities {
		wm, err := e.store.Watermark(ctx, run.job.TenantID, entity)
		if err != nil {
			return err
		}
		run.since[entity] = wm
	}
	return nil
}

// syncEntity pages one entity type through the pipeline.
func (e *Engine) syncEntity(ctx context.Context, run *jobRun, entity types.EntityType) error {
	batchSize := e.cfg.BatchSize
	if n, ok := numericParam(run.job.Params["batch_size"]); ok && n > 0 {
		batchSize = n
	}

	seen := make(map[string]bool)
	pageErr := run.detector.ForEachPage(ctx, entity, run.since[entity], batchSize, func(page []*types.SourceRecord) error {
		for _, r := range page {
			seen[r.SourceID] = true
		}
		return e.processBatch(ctx, run, entity, page)
	})
	if pageErr != nil {
		return pageErr
	}

	// Dependent records of changed properties sync even when their own
	// last_modified predates the window.
	if extra := run.related[entity]; len(extra) > 0 {
		var pending []*types.SourceRecord
		for _, r := range extra {
			if !seen[r.SourceID] {
				pending = append(pending, r)
			}
		}
		for start := 0; start < len(pending); start += batchSize {
			end := start + batchSize
			if end > len(pending) {
				end = len(pending)
			}
			if err := e.processBatch(ctx, run, entity, pending[start:end]); err != nil {
				return err
			}
		}
	}

	if entity == types.EntityProperty && run.job.Kind == types.JobIncrementalSync && len(run.propertyIDs) > 0 {
		ids := make([]string, 0, len(run.propertyIDs))
		for sid := range run.propertyIDs {
			ids = append(ids, sid)
		}
		related, err := run.detector.GetRelated(ctx, types.EntityProperty, ids,
			[]types.EntityType{types.EntityOwner, types.EntityValue, types.EntityStructure})
		if err != nil {
			// Related fetch is best effort: children still sync via
			// their own change windows.
			log.Printf("engine: job %s: related fetch: %v", run.job.ID, err)
			_ = e.audit.RecordEvent(ctx, run.job.ID, "related_fetch_failed", map[string]interface{}{"error": err.Error()})
			return nil
		}
		run.related = related
	}
	return nil
}

// processBatch runs one page of source records through transform,
// validate, heal, resolve, and upsert. A batch-scoped failure abandons
// the batch and lets the job continue; target unavailability aborts the
// entity.
func (e *Engine) processBatch(ctx context.Context, run *jobRun, entity types.EntityType, page []*types.SourceRecord) error {
	started := time.Now()
	labels := map[string]string{"entity": string(entity)}
	e.metrics.Counter("pacsync_records_processed_total", labels).Inc(int64(len(page)))
	run.summary.Processed += len(page)

	records, err := e.transformAndValidate(ctx, run, entity, page)
	if err != nil {
		if isFatal(err) {
			return err
		}
		// Abandoned batch: every record in it counts failed.
		run.summary.Failed += len(page)
		e.metrics.Counter("pacsync_batches_abandoned_total", labels).Inc(1)
		log.Printf("engine: job %s: %s batch abandoned: %v", run.job.ID, entity, err)
		_ = e.audit.RecordEvent(ctx, run.job.ID, "batch_abandoned", map[string]interface{}{
			"entity": string(entity), "error": err.Error(),
		})
		return nil
	}

	if err := e.persistRecords(ctx, run, entity, records); err != nil {
		return err
	}

	e.metrics.Histogram("pacsync_batch_seconds", labels).Observe(time.Since(started).Seconds())
	return nil
}

// transformAndValidate maps, validates, and heals one page, returning
// the records that survived.
func (e *Engine) transformAndValidate(ctx context.Context, run *jobRun, entity types.EntityType, page []*types.SourceRecord) ([]*types.TransformedRecord, error) {
	sourceIDs := make([]string, 0, len(page))
	for _, r := range page {
		sourceIDs = append(sourceIDs, r.SourceID)
	}

	var targetIDs map[string]string
	err := e.guardTarget(ctx, func(ctx context.Context) error {
		var err error
		targetIDs, err = e.target.LookupTargetIDs(ctx, entity, sourceIDs)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := e.resolveParentRefs(ctx, run, entity, page); err != nil {
		return nil, err
	}

	transformed, err := run.transformer.BatchTransform(ctx, page, run.propertyIDs)
	if err != nil {
		return nil, fatal(err)
	}
	for _, rec := range transformed {
		if tid, ok := targetIDs[rec.SourceID]; ok {
			rec.TargetID = tid
		}
		for _, note := range rec.Notes {
			_ = e.audit.RecordEvent(ctx, run.job.ID, "transform_note", map[string]interface{}{
				"entity": string(entity), "source_id": rec.SourceID, "note": note,
			})
		}
	}

	if entity == types.EntityProperty {
		for _, rec := range transformed {
			tid := rec.TargetID
			if tid == "" {
				// New property: target ID is known only after upsert,
				// but children reference it through this map, so derive
				// the stable hash ID the target will assign.
				tid = e.cfg.DeriveTargetID(entity, rec.SourceID)
			}
			run.propertyIDs[rec.SourceID] = tid
		}
	}

	valid, invalid, err := e.validator.BatchValidate(ctx, transformed, run.validPropertyIDs)
	if err != nil {
		return nil, fatal(err)
	}

	healedOut, err := e.healer.HealBatch(ctx, invalid)
	if err != nil {
		return nil, fatal(err)
	}
	for i, h := range healedOut {
		for _, action := range h.Actions {
			_ = e.audit.RecordEvent(ctx, run.job.ID, "healed", map[string]interface{}{
				"entity": string(entity), "source_id": h.Record.SourceID,
				"code": action.Code, "field": action.Field,
				"before": action.Before, "after": action.After,
			})
		}
		res := e.validator.Validate(h.Record, run.validPropertyIDs)
		if res.IsValid {
			run.summary.Healed++
			e.metrics.Counter("pacsync_records_healed_total", map[string]string{"entity": string(entity)}).Inc(1)
			valid = append(valid, h.Record)
			continue
		}
		run.summary.Failed++
		e.metrics.Counter("pacsync_records_rejected_total", map[string]string{"entity": string(entity)}).Inc(1)
		_ = e.audit.RecordEvent(ctx, run.job.ID, "record_rejected", map[string]interface{}{
			"entity": string(entity), "source_id": h.Record.SourceID,
			"errors": errorStrings(res.Errors), "original_errors": errorStrings(invalid[i].Errors),
		})
	}

	if entity == types.EntityProperty {
		for _, rec := range valid {
			if tid := run.propertyIDs[rec.SourceID]; tid != "" {
				run.validPropertyIDs[tid] = true
			}
		}
	}
	return valid, nil
}

// resolveParentRefs extends the parent ID maps with parents that are not
// part of this job but already exist in the target, so a child changing
// alone (incremental window, batch split) still resolves its reference.
func (e *Engine) resolveParentRefs(ctx context.Context, run *jobRun, entity types.EntityType, page []*types.SourceRecord) error {
	for _, m := range run.catalog.Mappings(entity) {
		if m.ParentRef == "" {
			continue
		}
		var missing []string
		seen := make(map[string]bool)
		for _, r := range page {
			pid, ok := r.Payload[m.Source].(string)
			if !ok || pid == "" || seen[pid] {
				continue
			}
			seen[pid] = true
			if _, known := run.propertyIDs[pid]; !known {
				missing = append(missing, pid)
			}
		}
		if len(missing) == 0 {
			continue
		}

		var found map[string]string
		err := e.guardTarget(ctx, func(ctx context.Context) error {
			var err error
			found, err = e.target.LookupTargetIDs(ctx, m.ParentRef, missing)
			return err
		})
		if err != nil {
			return err
		}
		for sid, tid := range found {
			run.propertyIDs[sid] = tid
			run.validPropertyIDs[tid] = true
		}
	}
	return nil
}

// persistRecords resolves conflicts and upserts sequentially, keeping
// FK order within the entity. A sustained target outage (open breaker)
// short-circuits the rest of the batch as failed and aborts the job.
func (e *Engine) persistRecords(ctx context.Context, run *jobRun, entity types.EntityType, records []*types.TransformedRecord) error {
	fields := run.catalog.TargetFields(entity)
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}

		var existing *types.TransformedRecord
		err := e.guardTarget(ctx, func(ctx context.Context) error {
			got, err := e.target.Get(ctx, entity, rec.SourceID)
			if err != nil {
				if errors.Is(err, adapter.ErrNotFound) {
					return nil
				}
				return err
			}
			existing = got
			return nil
		})
		if err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				run.summary.Failed += len(records) - i
				return adapter.E("engine.persist", adapter.KindRemoteUnavailable,
					fmt.Errorf("%w: %v", adapter.ErrTargetUnavailable, err))
			}
			run.summary.Failed++
			continue
		}

		conflicts := run.resolver.Resolve(rec, existing, fields)
		for _, c := range conflicts {
			run.summary.Conflicts++
			if c.Resolution != types.Manual {
				run.summary.ConflictsResolved++
			}
			e.metrics.Counter("pacsync_conflicts_total", map[string]string{
				"entity": string(entity), "strategy": string(c.Resolution),
			}).Inc(1)
			if err := e.audit.RecordConflict(ctx, run.job.ID, &c); err != nil {
				log.Printf("engine: job %s: record conflict: %v", run.job.ID, err)
			}
		}

		err = e.guardTarget(ctx, func(ctx context.Context) error {
			_, _, err := e.target.Upsert(ctx, entity, rec)
			return err
		})
		if err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				run.summary.Failed += len(records) - i
				return adapter.E("engine.persist", adapter.KindRemoteUnavailable,
					fmt.Errorf("%w: %v", adapter.ErrTargetUnavailable, err))
			}
			run.summary.Failed++
			e.metrics.Counter("pacsync_upsert_errors_total", map[string]string{"entity": string(entity)}).Inc(1)
			_ = e.audit.RecordEvent(ctx, run.job.ID, "upsert_failed", map[string]interface{}{
				"entity": string(entity), "source_id": rec.SourceID, "error": err.Error(),
			})
			continue
		}
		run.summary.Succeeded++
	}
	return nil
}

func (e *Engine) guardTarget(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.orch == nil {
		return fn(ctx)
	}
	return e.orch.ExecuteWithResilience(ctx, fn, e.cfg.TargetBreaker, e.cfg.TargetRetry)
}

// fatalError marks errors that must abort the entity instead of just
// abandoning the batch.
type fatalError struct{ err error }

func (f fatalError) Error() string { return f.err.Error() }
func (f fatalError) Unwrap() error { return f.err }

func fatal(err error) error { return fatalError{err} }

func isFatal(err error) bool {
	var f fatalError
	if errors.As(err, &f) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Source loss or an open breaker ends the job; watermarks stay put.
	return errors.Is(err, adapter.ErrSourceUnavailable) ||
		errors.Is(err, adapter.ErrTargetUnavailable) ||
		errors.Is(err, resilience.ErrCircuitOpen)
}

func errorStrings(errs []types.ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.String()
	}
	return out
}

func numericParam(v interface{}) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	}
	return 0, false
}
