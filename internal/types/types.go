// Package types holds the value types shared across the sync pipeline.
//
// The concrete adapters (PACS source, CAMA target) live under
// internal/adapter; this package holds the records, jobs, and conflict
// types that are referenced by both the adapters and their consumers.
package types

import (
	"fmt"
	"sort"
	"time"
)

// EntityType identifies a kind of assessment record in both the source
// and target stores.
type EntityType string

const (
	EntityProperty  EntityType = "property"
	EntityOwner     EntityType = "owner"
	EntityValue     EntityType = "value"
	EntityStructure EntityType = "structure"
)

// EntityOrder is the dependency order for sync: property rows must land
// before anything that references them by foreign key.
var EntityOrder = []EntityType{EntityProperty, EntityOwner, EntityValue, EntityStructure}

// IsValid reports whether e is one of the known entity types.
func (e EntityType) IsValid() bool {
	switch e {
	case EntityProperty, EntityOwner, EntityValue, EntityStructure:
		return true
	}
	return false
}

// JobKind identifies what a job does.
type JobKind string

const (
	JobFullSync        JobKind = "full_sync"
	JobIncrementalSync JobKind = "incremental_sync"
	JobReport          JobKind = "report"
	JobMarketAnalysis  JobKind = "market_analysis"
	JobGISExport       JobKind = "gis_export"
)

// IsValid reports whether k is a known job kind.
func (k JobKind) IsValid() bool {
	switch k {
	case JobFullSync, JobIncrementalSync, JobReport, JobMarketAnalysis, JobGISExport:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobRunning    JobStatus = "running"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelling JobStatus = "cancelling"
	JobCancelled  JobStatus = "cancelled"
)

// IsValid reports whether s is a known job status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed, JobCancelling, JobCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is a final state. Terminal jobs are
// immutable: no transition may leave a terminal state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next.
// The transition graph is a DAG rooted at pending.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobRunning || next == JobCancelled || next == JobFailed
	case JobRunning:
		return next == JobCompleted || next == JobFailed || next == JobCancelling || next == JobCancelled
	case JobCancelling:
		return next == JobCancelled || next == JobFailed || next == JobCompleted
	}
	return false
}

// Job is a unit of work tracked by the job manager. Only the job manager
// mutates a Job's status; everything else treats jobs as read-only.
type Job struct {
	ID          string                 `json:"id"`
	Kind        JobKind                `json:"kind"`
	TenantID    string                 `json:"tenant_id"`
	Status      JobStatus              `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Result      *SyncSummary           `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// SyncSummary is the counter block accumulated by the engine and stored
// on a completed job.
type SyncSummary struct {
	Processed         int `json:"processed"`
	Succeeded         int `json:"succeeded"`
	Failed            int `json:"failed"`
	Conflicts         int `json:"conflicts"`
	ConflictsResolved int `json:"conflicts_resolved"`
	Healed            int `json:"healed"`
}

// Add merges another summary into s.
func (s *SyncSummary) Add(o SyncSummary) {
	s.Processed += o.Processed
	s.Succeeded += o.Succeeded
	s.Failed += o.Failed
	s.Conflicts += o.Conflicts
	s.ConflictsResolved += o.ConflictsResolved
	s.Healed += o.Healed
}

// SourceRecord is a raw record read from the PACS source store.
type SourceRecord struct {
	EntityType   EntityType             `json:"entity_type"`
	SourceID     string                 `json:"source_id"`
	Payload      map[string]interface{} `json:"payload"`
	LastModified time.Time              `json:"last_modified"`
}

// TransformedRecord is a source record mapped into the CAMA target schema.
// TargetID is set iff a corresponding target record already exists.
type TransformedRecord struct {
	EntityType EntityType             `json:"entity_type"`
	SourceID   string                 `json:"source_id"`
	TargetID   string                 `json:"target_id,omitempty"`
	TargetData map[string]interface{} `json:"target_data"`
	Notes      []string               `json:"notes,omitempty"`
}

// Clone returns a deep-enough copy: the data map is copied, note slice
// is copied, nested values are shared (transforms replace, never mutate).
func (r *TransformedRecord) Clone() *TransformedRecord {
	out := &TransformedRecord{
		EntityType: r.EntityType,
		SourceID:   r.SourceID,
		TargetID:   r.TargetID,
		TargetData: make(map[string]interface{}, len(r.TargetData)),
	}
	for k, v := range r.TargetData {
		out.TargetData[k] = v
	}
	out.Notes = append(out.Notes, r.Notes...)
	return out
}

// ValidationError is a single rule violation with a machine-readable code.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Field, e.Message)
}

// ValidationResult is the outcome of validating one record.
type ValidationResult struct {
	IsValid bool              `json:"is_valid"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

// ResolutionStrategy is how a field conflict gets settled.
type ResolutionStrategy string

const (
	SourceWins ResolutionStrategy = "source_wins"
	TargetWins ResolutionStrategy = "target_wins"
	Merge      ResolutionStrategy = "merge"
	Manual     ResolutionStrategy = "manual"
)

// IsValid reports whether s is a known strategy.
func (s ResolutionStrategy) IsValid() bool {
	switch s {
	case SourceWins, TargetWins, Merge, Manual:
		return true
	}
	return false
}

// Conflict records a per-field divergence between a transformed source
// record and the existing target record.
type Conflict struct {
	EntityType    EntityType         `json:"entity_type"`
	SourceID      string             `json:"source_id"`
	Field         string             `json:"field"`
	SourceValue   interface{}        `json:"source_value"`
	TargetValue   interface{}        `json:"target_value"`
	Resolution    ResolutionStrategy `json:"resolution,omitempty"`
	ResolvedValue interface{}        `json:"resolved_value,omitempty"`
}

// Watermark is the last successful incremental cutoff for one tenant and
// entity type. Advanced atomically when an incremental job completes.
type Watermark struct {
	TenantID   string     `json:"tenant_id"`
	EntityType EntityType `json:"entity_type"`
	LastCutoff time.Time  `json:"last_cutoff"`
}

// HealingAction records one corrective mutation applied to a record.
type HealingAction struct {
	Code   string      `json:"code"`
	Field  string      `json:"field"`
	Before interface{} `json:"before"`
	After  interface{} `json:"after"`
}

// SortRecords orders records by LastModified descending with SourceID
// ascending as the tie-break. The ordering is stable across calls so
// that pagination offsets line up.
func SortRecords(records []*SourceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].LastModified.Equal(records[j].LastModified) {
			return records[i].LastModified.After(records[j].LastModified)
		}
		return records[i].SourceID < records[j].SourceID
	})
}
