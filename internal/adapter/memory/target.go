package memory

import (
	"context"
	"sync"

	"github.com/camatools/pacsync/internal/adapter"
	"github.com/camatools/pacsync/internal/idgen"
	"github.com/camatools/pacsync/internal/types"
)

// Target is an in-memory TargetAdapter. Upserts are keyed on
// (entity, source_id); target IDs are stable across re-upserts so
// redelivery is idempotent.
type Target struct {
	mu      sync.RWMutex
	rows    map[types.EntityType]map[string]*types.TransformedRecord
	upserts int

	// failUpserts makes the next n Upsert calls fail transiently.
	failUpserts int
	// FailAllUpserts makes every Upsert fail until cleared.
	FailAllUpserts bool
}

// NewTarget creates an empty in-memory target.
func NewTarget() *Target {
	return &Target{rows: make(map[types.EntityType]map[string]*types.TransformedRecord)}
}

// Seed installs an existing target record, assigning it a target ID.
// Used by tests to set up conflict scenarios.
func (t *Target) Seed(entity types.EntityType, sourceID string, data map[string]interface{}) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := idgen.NewTargetID(string(entity), sourceID)
	if t.rows[entity] == nil {
		t.rows[entity] = make(map[string]*types.TransformedRecord)
	}
	t.rows[entity][sourceID] = &types.TransformedRecord{
		EntityType: entity,
		SourceID:   sourceID,
		TargetID:   id,
		TargetData: data,
	}
	return id
}

// FailNextUpserts makes the next n Upsert calls return a transient error.
func (t *Target) FailNextUpserts(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failUpserts = n
}

// UpsertCount returns how many upserts actually executed (fault-injected
// failures excluded).
func (t *Target) UpsertCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.upserts
}

func (t *Target) Connect(ctx context.Context) error    { return nil }
func (t *Target) Disconnect(ctx context.Context) error { return nil }
func (t *Target) Healthy(ctx context.Context) error    { return nil }

func (t *Target) Get(ctx context.Context, entity types.EntityType, sourceID string) (*types.TransformedRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rows[entity][sourceID]
	if !ok {
		return nil, adapter.E("memory.target.get", adapter.KindInternal, adapter.ErrNotFound)
	}
	return r.Clone(), nil
}

func (t *Target) LookupTargetIDs(ctx context.Context, entity types.EntityType, sourceIDs []string) (map[string]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string)
	for _, sid := range sourceIDs {
		if r, ok := t.rows[entity][sid]; ok {
			out[sid] = r.TargetID
		}
	}
	return out, nil
}

func (t *Target) Upsert(ctx context.Context, entity types.EntityType, record *types.TransformedRecord) (string, adapter.UpsertOutcome, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.FailAllUpserts {
		return "", "", adapter.E("memory.target.upsert", adapter.KindTransient, adapter.ErrTargetUnavailable)
	}
	if t.failUpserts > 0 {
		t.failUpserts--
		return "", "", adapter.E("memory.target.upsert", adapter.KindTransient, adapter.ErrTargetUnavailable)
	}

	t.upserts++
	if t.rows[entity] == nil {
		t.rows[entity] = make(map[string]*types.TransformedRecord)
	}
	existing, ok := t.rows[entity][record.SourceID]
	if ok {
		stored := record.Clone()
		stored.TargetID = existing.TargetID
		t.rows[entity][record.SourceID] = stored
		return existing.TargetID, adapter.Updated, nil
	}
	id := idgen.NewTargetID(string(entity), record.SourceID)
	stored := record.Clone()
	stored.TargetID = id
	t.rows[entity][record.SourceID] = stored
	return id, adapter.Created, nil
}

func (t *Target) Delete(ctx context.Context, entity types.EntityType, targetID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sid, r := range t.rows[entity] {
		if r.TargetID == targetID {
			delete(t.rows[entity], sid)
			return true, nil
		}
	}
	return false, nil
}
