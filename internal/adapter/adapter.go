// Package adapter defines the interfaces the sync core consumes: the
// PACS source store, the CAMA target store, and the audit/metrics sinks.
//
// Concrete implementations live in the sub-packages (memory, pacs, cama).
// Consumers depend on these interfaces rather than on the concrete types
// so that alternative implementations (mocks, proxies) can be substituted.
package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/camatools/pacsync/internal/types"
)

// ErrNotFound is returned when a requested record or job does not exist.
var ErrNotFound = errors.New("not found")

// ErrSourceUnavailable is returned when the source adapter cannot reach
// its backing store after retry exhaustion.
var ErrSourceUnavailable = errors.New("source unavailable")

// ErrTargetUnavailable is returned when the target adapter cannot reach
// its backing store.
var ErrTargetUnavailable = errors.New("target unavailable")

// ErrQuery is returned on malformed predicates or bad query input.
var ErrQuery = errors.New("query error")

// Kind classifies an error for the retry/breaker/job-boundary policy.
type Kind int

const (
	// KindTransient covers network blips, connection resets, and
	// deadline overruns. Retryable and breaker-monitored.
	KindTransient Kind = iota
	// KindRemoteUnavailable means the remote is down or its breaker is
	// open. Only the orchestrator's recovery action retries these.
	KindRemoteUnavailable
	// KindInputInvalid means caller-supplied parameters violate the
	// schema. Never retried; surfaced as a 4xx equivalent.
	KindInputInvalid
	// KindRecordRejected means validation failed after healing. Scoped
	// to one record; never fatal to the job.
	KindRecordRejected
	// KindConflictUnresolved marks a MANUAL-strategy conflict awaiting
	// human review. The record still counts as succeeded.
	KindConflictUnresolved
	// KindInternal is a bug or invariant violation. Fails the job and
	// is never silently swallowed.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRemoteUnavailable:
		return "remote_unavailable"
	case KindInputInvalid:
		return "input_invalid"
	case KindRecordRejected:
		return "record_rejected"
	case KindConflictUnresolved:
		return "conflict_unresolved"
	case KindInternal:
		return "internal"
	}
	return "unknown"
}

// Error carries an error kind through the retry/breaker stack. The kind
// discriminant drives the propagation policy: transient errors bubble
// through retry and breaker, record-scoped errors are absorbed at the
// record boundary, everything else reaches the job boundary.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with an operation name and kind.
func E(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from err, defaulting to KindInternal for
// unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

// IsTransient reports whether err should be retried inline and counted
// by circuit breakers.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// UpsertOutcome says whether an upsert created or updated the target row.
type UpsertOutcome string

const (
	Created UpsertOutcome = "created"
	Updated UpsertOutcome = "updated"
)

// SourceAdapter reads assessment records from the legacy PACS store.
type SourceAdapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Healthy(ctx context.Context) error

	// GetChanged returns one page of records strictly newer than since
	// (nil since means all records), ordered LastModified descending
	// with SourceID ascending tie-break, plus a total count estimate.
	GetChanged(ctx context.Context, entity types.EntityType, since *time.Time, batchSize, offset int) ([]*types.SourceRecord, int, error)

	// GetRelated fetches dependent records for a set of parent IDs,
	// keyed by related entity type. Empty parentIDs yields empty maps.
	GetRelated(ctx context.Context, parent types.EntityType, parentIDs []string, related []types.EntityType) (map[types.EntityType][]*types.SourceRecord, error)

	GetCount(ctx context.Context, entity types.EntityType) (int, error)
}

// TargetAdapter reads and writes the modern CAMA store. Upsert is
// idempotent keyed on (entity, source_id): redelivering a batch is safe.
type TargetAdapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Healthy(ctx context.Context) error

	Get(ctx context.Context, entity types.EntityType, sourceID string) (*types.TransformedRecord, error)
	LookupTargetIDs(ctx context.Context, entity types.EntityType, sourceIDs []string) (map[string]string, error)
	Upsert(ctx context.Context, entity types.EntityType, record *types.TransformedRecord) (string, UpsertOutcome, error)
	Delete(ctx context.Context, entity types.EntityType, targetID string) (bool, error)
}

// AuditSink records job lifecycle events, conflicts, and healing actions.
// Sinks must tolerate concurrent writers.
type AuditSink interface {
	RecordJob(ctx context.Context, job *types.Job) error
	RecordEvent(ctx context.Context, jobID, kind string, payload map[string]interface{}) error
	RecordConflict(ctx context.Context, jobID string, conflict *types.Conflict) error
}

// MetricsSink exposes counters, gauges, and histograms keyed by name and
// label set.
type MetricsSink interface {
	Counter(name string, labels map[string]string) Counter
	Gauge(name string, labels map[string]string) Gauge
	Histogram(name string, labels map[string]string) Histogram
}

// Counter is a monotonically increasing metric.
type Counter interface {
	Inc(n int64)
}

// Gauge is a point-in-time metric.
type Gauge interface {
	Set(v float64)
}

// Histogram records a distribution of observations.
type Histogram interface {
	Observe(v float64)
}
