// Package transform maps PACS source records into the CAMA target
// schema using the declarative field-mapping catalog.
package transform

import (
	"context"
	"fmt"

	"github.com/camatools/pacsync/internal/mapping"
	"github.com/camatools/pacsync/internal/types"
)

// Transformer applies a field-mapping catalog version. Construct one per
// job so the catalog stays consistent for the job's duration.
type Transformer struct {
	catalog *mapping.Catalog
}

// New creates a Transformer over a catalog snapshot.
func New(catalog *mapping.Catalog) *Transformer {
	return &Transformer{catalog: catalog}
}

// Transform maps one source record. parentIDs maps parent source IDs to
// target IDs for parent_ref mappings (property references on child
// entities). Transform never rejects a record: failures keep the
// pre-transform value and append a note for the audit trail.
func (t *Transformer) Transform(rec *types.SourceRecord, parentIDs map[string]string) *types.TransformedRecord {
	out := &types.TransformedRecord{
		EntityType: rec.EntityType,
		SourceID:   rec.SourceID,
		TargetData: make(map[string]interface{}),
	}

	for _, m := range t.catalog.Mappings(rec.EntityType) {
		val, present := rec.Payload[m.Source]

		if m.ParentRef != "" {
			// Swap the parent's source ID for its target ID. Without a
			// resolvable target ID the field is dropped; the validator
			// decides whether that sinks the record.
			sid, _ := val.(string)
			if sid == "" {
				out.Notes = append(out.Notes, fmt.Sprintf("%s: parent ref missing source value", m.Source))
				continue
			}
			tid, ok := parentIDs[sid]
			if !ok {
				out.Notes = append(out.Notes, fmt.Sprintf("%s: no target ID for parent %s %q", m.Source, m.ParentRef, sid))
				continue
			}
			out.TargetData[m.Target] = tid
			continue
		}

		if !present && !m.HasDefault {
			continue
		}
		if (!present || val == nil) && m.HasDefault {
			out.TargetData[m.Target] = m.Default
			continue
		}

		for _, spec := range m.Transforms {
			next, err := apply(spec, val)
			if err != nil {
				// Keep the pre-transform value; never throw out the
				// whole record over one bad field.
				out.Notes = append(out.Notes, fmt.Sprintf("%s: %v", m.Source, err))
				continue
			}
			val = next
		}
		out.TargetData[m.Target] = val
	}
	return out
}

// BatchTransform maps a batch, preserving input order.
func (t *Transformer) BatchTransform(ctx context.Context, records []*types.SourceRecord, parentIDs map[string]string) ([]*types.TransformedRecord, error) {
	out := make([]*types.TransformedRecord, 0, len(records))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, t.Transform(rec, parentIDs))
	}
	return out, nil
}
