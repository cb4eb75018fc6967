// Package memory provides in-memory source and target adapters.
//
// They back the dev-mode service and the pipeline tests. Both adapters
// support fault injection so resilience paths can be exercised without a
// real database.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/camatools/pacsync/internal/adapter"
	"github.com/camatools/pacsync/internal/types"
)

// parentRefField maps a child entity type to the payload field that
// carries its parent property ID.
var parentRefField = map[types.EntityType]string{
	types.EntityOwner:     "property_id",
	types.EntityValue:     "property_id",
	types.EntityStructure: "property_id",
}

// Source is an in-memory SourceAdapter.
type Source struct {
	mu      sync.RWMutex
	records map[types.EntityType][]*types.SourceRecord

	// Fault injection. FailConnect makes Connect/Healthy fail;
	// FailChanged makes the next n GetChanged calls fail transiently.
	FailConnect bool
	failChanged int
}

// NewSource creates an empty in-memory source.
func NewSource() *Source {
	return &Source{records: make(map[types.EntityType][]*types.SourceRecord)}
}

// Add inserts records into the source store.
func (s *Source) Add(records ...*types.SourceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.EntityType] = append(s.records[r.EntityType], r)
	}
}

// FailNextChanged makes the next n GetChanged calls return a transient
// error.
func (s *Source) FailNextChanged(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failChanged = n
}

func (s *Source) Connect(ctx context.Context) error {
	if s.FailConnect {
		return adapter.E("memory.source.connect", adapter.KindRemoteUnavailable, adapter.ErrSourceUnavailable)
	}
	return nil
}

func (s *Source) Disconnect(ctx context.Context) error { return nil }

func (s *Source) Healthy(ctx context.Context) error {
	if s.FailConnect {
		return adapter.E("memory.source.healthy", adapter.KindRemoteUnavailable, adapter.ErrSourceUnavailable)
	}
	return nil
}

func (s *Source) GetChanged(ctx context.Context, entity types.EntityType, since *time.Time, batchSize, offset int) ([]*types.SourceRecord, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	if s.failChanged > 0 {
		s.failChanged--
		s.mu.Unlock()
		return nil, 0, adapter.E("memory.source.get_changed", adapter.KindTransient, adapter.ErrSourceUnavailable)
	}
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*types.SourceRecord
	for _, r := range s.records[entity] {
		// Strict > so records stamped exactly at the watermark are not
		// re-delivered forever.
		if since != nil && !r.LastModified.After(*since) {
			continue
		}
		matched = append(matched, r)
	}
	types.SortRecords(matched)

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + batchSize
	if end > total {
		end = total
	}
	page := make([]*types.SourceRecord, end-offset)
	copy(page, matched[offset:end])
	return page, total, nil
}

func (s *Source) GetRelated(ctx context.Context, parent types.EntityType, parentIDs []string, related []types.EntityType) (map[types.EntityType][]*types.SourceRecord, error) {
	out := make(map[types.EntityType][]*types.SourceRecord, len(related))
	for _, rt := range related {
		out[rt] = nil
	}
	if len(parentIDs) == 0 {
		return out, nil
	}
	idSet := make(map[string]bool, len(parentIDs))
	for _, id := range parentIDs {
		idSet[id] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rt := range related {
		field := parentRefField[rt]
		if field == "" {
			continue
		}
		for _, r := range s.records[rt] {
			if pid, ok := r.Payload[field].(string); ok && idSet[pid] {
				out[rt] = append(out[rt], r)
			}
		}
		types.SortRecords(out[rt])
	}
	return out, nil
}

func (s *Source) GetCount(ctx context.Context, entity types.EntityType) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[entity]), nil
}
