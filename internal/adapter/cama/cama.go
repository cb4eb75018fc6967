// Package cama implements the target adapter over a SQLite database.
//
// Records are stored one row per (entity_type, source_id) with the
// mapped data as JSON. Target IDs are idgen hash IDs, so upserting the
// same record twice yields the same identity.
package cama

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/camatools/pacsync/internal/adapter"
	"github.com/camatools/pacsync/internal/idgen"
	"github.com/camatools/pacsync/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS cama_records (
    entity_type TEXT NOT NULL,
    source_id   TEXT NOT NULL,
    target_id   TEXT NOT NULL,
    data_json   TEXT NOT NULL,
    updated_at  TEXT NOT NULL,
    PRIMARY KEY (entity_type, source_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_cama_target ON cama_records(entity_type, target_id);
`

// Adapter is the SQLite-backed CAMA target.
type Adapter struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

// New creates an unconnected adapter for the database at path.
func New(path string) *Adapter {
	return &Adapter{path: path}
}

// Connect opens the database and applies the schema. Idempotent.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return nil
	}

	var connStr string
	isMemory := a.path == ":memory:"
	if isMemory {
		connStr = "file:camadb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=busy_timeout(30000)"
	} else {
		if err := os.MkdirAll(filepath.Dir(a.path), 0o750); err != nil {
			return adapter.E("cama.connect", adapter.KindRemoteUnavailable, err)
		}
		connStr = "file:" + a.path + "?_pragma=busy_timeout(30000)"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return adapter.E("cama.connect", adapter.KindRemoteUnavailable, errors.Join(adapter.ErrTargetUnavailable, err))
	}
	if isMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return adapter.E("cama.connect", adapter.KindRemoteUnavailable, err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return adapter.E("cama.connect", adapter.KindRemoteUnavailable, errors.Join(adapter.ErrTargetUnavailable, err))
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return adapter.E("cama.connect", adapter.KindRemoteUnavailable, err)
	}
	a.db = db
	return nil
}

// Disconnect closes the database.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

// Healthy pings the database.
func (a *Adapter) Healthy(ctx context.Context) error {
	db, err := a.conn()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return adapter.E("cama.healthy", adapter.KindTransient, errors.Join(adapter.ErrTargetUnavailable, err))
	}
	return nil
}

func (a *Adapter) conn() (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil, adapter.E("cama", adapter.KindRemoteUnavailable, adapter.ErrTargetUnavailable)
	}
	return a.db, nil
}

// Get loads one record by source ID.
func (a *Adapter) Get(ctx context.Context, entity types.EntityType, sourceID string) (*types.TransformedRecord, error) {
	db, err := a.conn()
	if err != nil {
		return nil, err
	}
	var (
		targetID string
		dataJSON string
	)
	err = db.QueryRowContext(ctx,
		"SELECT target_id, data_json FROM cama_records WHERE entity_type = ? AND source_id = ?",
		string(entity), sourceID).Scan(&targetID, &dataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapter.E("cama.get", adapter.KindInternal, adapter.ErrNotFound)
	}
	if err != nil {
		return nil, adapter.E("cama.get", adapter.KindTransient, err)
	}
	rec := &types.TransformedRecord{EntityType: entity, SourceID: sourceID, TargetID: targetID}
	if err := json.Unmarshal([]byte(dataJSON), &rec.TargetData); err != nil {
		return nil, adapter.E("cama.get", adapter.KindInternal, fmt.Errorf("corrupt data for %s/%s: %w", entity, sourceID, err))
	}
	return rec, nil
}

// LookupTargetIDs maps source IDs to existing target IDs. Missing
// sources are simply absent from the result.
func (a *Adapter) LookupTargetIDs(ctx context.Context, entity types.EntityType, sourceIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(sourceIDs))
	if len(sourceIDs) == 0 {
		return out, nil
	}
	db, err := a.conn()
	if err != nil {
		return nil, err
	}

	// Chunk to stay under sqlite's bound-parameter limit.
	const chunk = 500
	for start := 0; start < len(sourceIDs); start += chunk {
		end := start + chunk
		if end > len(sourceIDs) {
			end = len(sourceIDs)
		}
		ids := sourceIDs[start:end]
		query := "SELECT source_id, target_id FROM cama_records WHERE entity_type = ? AND source_id IN (?" +
			repeat(",?", len(ids)-1) + ")"
		args := make([]interface{}, 0, len(ids)+1)
		args = append(args, string(entity))
		for _, id := range ids {
			args = append(args, id)
		}
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, adapter.E("cama.lookup", adapter.KindTransient, err)
		}
		for rows.Next() {
			var sid, tid string
			if err := rows.Scan(&sid, &tid); err != nil {
				rows.Close()
				return nil, adapter.E("cama.lookup", adapter.KindInternal, err)
			}
			out[sid] = tid
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, adapter.E("cama.lookup", adapter.KindTransient, err)
		}
		rows.Close()
	}
	return out, nil
}

// Upsert writes one record, creating or updating by (entity, source_id).
func (a *Adapter) Upsert(ctx context.Context, entity types.EntityType, record *types.TransformedRecord) (string, adapter.UpsertOutcome, error) {
	db, err := a.conn()
	if err != nil {
		return "", "", err
	}
	data, err := json.Marshal(record.TargetData)
	if err != nil {
		return "", "", adapter.E("cama.upsert", adapter.KindInternal, err)
	}

	// The stored target_id wins if the row already exists; identity is
	// assigned once and survives redelivery.
	var stored string
	err = db.QueryRowContext(ctx,
		"SELECT target_id FROM cama_records WHERE entity_type = ? AND source_id = ?",
		string(entity), record.SourceID).Scan(&stored)
	targetID := stored
	outcome := adapter.Updated
	if errors.Is(err, sql.ErrNoRows) {
		targetID = record.TargetID
		if targetID == "" {
			targetID = idgen.NewTargetID(string(entity), record.SourceID)
		}
		outcome = adapter.Created
	} else if err != nil {
		return "", "", adapter.E("cama.upsert", adapter.KindTransient, err)
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO cama_records (entity_type, source_id, target_id, data_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, source_id) DO UPDATE SET
			data_json = excluded.data_json,
			updated_at = excluded.updated_at`,
		string(entity), record.SourceID, targetID, string(data),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", "", adapter.E("cama.upsert", adapter.KindTransient, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", "", adapter.E("cama.upsert", adapter.KindInternal, fmt.Errorf("no row written for %s/%s", entity, record.SourceID))
	}
	return targetID, outcome, nil
}

// Delete removes a record by target ID.
func (a *Adapter) Delete(ctx context.Context, entity types.EntityType, targetID string) (bool, error) {
	db, err := a.conn()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx,
		"DELETE FROM cama_records WHERE entity_type = ? AND target_id = ?",
		string(entity), targetID)
	if err != nil {
		return false, adapter.E("cama.delete", adapter.KindTransient, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func repeat(s string, n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
