// Package pacs implements the source adapter over the legacy PACS
// MySQL database.
//
// The extract views expose one table per entity type with the record
// payload as JSON plus indexed source_id / last_modified / property_id
// columns for change and relation queries.
package pacs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"

	"github.com/camatools/pacsync/internal/adapter"
	"github.com/camatools/pacsync/internal/types"
)

// entityTables maps entity types to their PACS extract views.
var entityTables = map[types.EntityType]string{
	types.EntityProperty:  "pacs_property_extract",
	types.EntityOwner:     "pacs_owner_extract",
	types.EntityValue:     "pacs_value_extract",
	types.EntityStructure: "pacs_structure_extract",
}

// Config holds the PACS connection settings.
type Config struct {
	// DSN is a go-sql-driver DSN, e.g.
	// "sync:pw@tcp(pacs-db:3306)/pacs?parseTime=true".
	DSN string
	// ConnectTimeout bounds the backoff loop in Connect.
	ConnectTimeout time.Duration
	// QueryTimeout is the per-call deadline applied to every query.
	QueryTimeout time.Duration
	// MaxOpenConns caps the pool.
	MaxOpenConns int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 30 * time.Second
	}
	if out.QueryTimeout <= 0 {
		out.QueryTimeout = 30 * time.Second
	}
	if out.MaxOpenConns <= 0 {
		out.MaxOpenConns = 8
	}
	return out
}

// Adapter is the MySQL-backed PACS source.
type Adapter struct {
	cfg Config

	mu sync.Mutex
	db *sql.DB
}

// New creates an unconnected adapter.
func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg.withDefaults()}
}

// Connect opens the pool and pings it under exponential backoff. The
// legacy database restarts nightly for batch loads; retrying here keeps
// a sync submitted during the window from failing outright.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return nil
	}

	db, err := sql.Open("mysql", a.cfg.DSN)
	if err != nil {
		return adapter.E("pacs.connect", adapter.KindInputInvalid, err)
	}
	db.SetMaxOpenConns(a.cfg.MaxOpenConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = a.cfg.ConnectTimeout

	err = backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
		defer cancel()
		return db.PingContext(pingCtx)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		_ = db.Close()
		return adapter.E("pacs.connect", adapter.KindRemoteUnavailable, errors.Join(adapter.ErrSourceUnavailable, err))
	}
	a.db = db
	return nil
}

// Disconnect closes the pool.
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

// Healthy pings the database within the query timeout.
func (a *Adapter) Healthy(ctx context.Context) error {
	db, err := a.conn()
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return adapter.E("pacs.healthy", adapter.KindTransient, errors.Join(adapter.ErrSourceUnavailable, err))
	}
	return nil
}

func (a *Adapter) conn() (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil, adapter.E("pacs", adapter.KindRemoteUnavailable, adapter.ErrSourceUnavailable)
	}
	return a.db, nil
}

// GetChanged returns a page of records strictly newer than since.
func (a *Adapter) GetChanged(ctx context.Context, entity types.EntityType, since *time.Time, batchSize, offset int) ([]*types.SourceRecord, int, error) {
	table, ok := entityTables[entity]
	if !ok {
		return nil, 0, adapter.E("pacs.get_changed", adapter.KindInputInvalid,
			fmt.Errorf("%w: unknown entity type %q", adapter.ErrQuery, entity))
	}
	db, err := a.conn()
	if err != nil {
		return nil, 0, err
	}

	qctx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()

	where := ""
	var args []interface{}
	if since != nil {
		where = " WHERE last_modified > ?"
		args = append(args, since.UTC())
	}

	var total int
	if err := db.QueryRowContext(qctx, "SELECT COUNT(*) FROM "+table+where, args...).Scan(&total); err != nil {
		return nil, 0, a.classify("pacs.get_changed", err)
	}

	query := "SELECT source_id, payload_json, last_modified FROM " + table + where +
		" ORDER BY last_modified DESC, source_id ASC LIMIT ? OFFSET ?"
	args = append(args, batchSize, offset)

	rows, err := db.QueryContext(qctx, query, args...)
	if err != nil {
		return nil, 0, a.classify("pacs.get_changed", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows, entity)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// GetRelated fetches child records of the given parent properties.
func (a *Adapter) GetRelated(ctx context.Context, parent types.EntityType, parentIDs []string, related []types.EntityType) (map[types.EntityType][]*types.SourceRecord, error) {
	out := make(map[types.EntityType][]*types.SourceRecord, len(related))
	for _, rt := range related {
		out[rt] = nil
	}
	if len(parentIDs) == 0 {
		return out, nil
	}
	if parent != types.EntityProperty {
		return nil, adapter.E("pacs.get_related", adapter.KindInputInvalid,
			fmt.Errorf("%w: unsupported parent type %q", adapter.ErrQuery, parent))
	}
	db, err := a.conn()
	if err != nil {
		return nil, err
	}

	qctx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()

	placeholders := "?" + strings.Repeat(",?", len(parentIDs)-1)
	args := make([]interface{}, len(parentIDs))
	for i, id := range parentIDs {
		args[i] = id
	}

	for _, rt := range related {
		table, ok := entityTables[rt]
		if !ok || rt == types.EntityProperty {
			continue
		}
		query := "SELECT source_id, payload_json, last_modified FROM " + table +
			" WHERE property_id IN (" + placeholders + ") ORDER BY last_modified DESC, source_id ASC"
		rows, err := db.QueryContext(qctx, query, args...)
		if err != nil {
			return nil, a.classify("pacs.get_related", err)
		}
		records, err := scanRecords(rows, rt)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out[rt] = records
	}
	return out, nil
}

// GetCount returns the total record count for an entity type.
func (a *Adapter) GetCount(ctx context.Context, entity types.EntityType) (int, error) {
	table, ok := entityTables[entity]
	if !ok {
		return 0, adapter.E("pacs.get_count", adapter.KindInputInvalid,
			fmt.Errorf("%w: unknown entity type %q", adapter.ErrQuery, entity))
	}
	db, err := a.conn()
	if err != nil {
		return 0, err
	}
	qctx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()
	var n int
	if err := db.QueryRowContext(qctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, a.classify("pacs.get_count", err)
	}
	return n, nil
}

func (a *Adapter) classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return adapter.E(op, adapter.KindTransient, err)
	}
	return adapter.E(op, adapter.KindTransient, errors.Join(adapter.ErrSourceUnavailable, err))
}

func scanRecords(rows *sql.Rows, entity types.EntityType) ([]*types.SourceRecord, error) {
	var out []*types.SourceRecord
	for rows.Next() {
		var (
			sourceID string
			payload  string
			modified time.Time
		)
		if err := rows.Scan(&sourceID, &payload, &modified); err != nil {
			return nil, adapter.E("pacs.scan", adapter.KindInternal, err)
		}
		rec := &types.SourceRecord{EntityType: entity, SourceID: sourceID, LastModified: modified}
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, adapter.E("pacs.scan", adapter.KindInternal,
				fmt.Errorf("corrupt payload for %s/%s: %w", entity, sourceID, err))
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, adapter.E("pacs.scan", adapter.KindTransient, err)
	}
	return out, nil
}
