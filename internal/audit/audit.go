// Package audit writes the append-only sync audit trail.
//
// The primary sink appends one JSON object per line to a log file, so
// the trail survives process restarts and can be tailed or shipped
// as-is. The jobs store is itself an AuditSink (it persists events and
// conflicts relationally); Multi fans writes out to both.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/camatools/pacsync/internal/adapter"
	"github.com/camatools/pacsync/internal/types"
)

// entry is the JSONL wire form. One line per event.
type entry struct {
	Timestamp string                 `json:"ts"`
	JobID     string                 `json:"job_id"`
	Kind      string                 `json:"kind"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// FileSink appends audit entries to a JSONL file. Safe for concurrent
// writers; each entry is written with a single locked Write call so
// lines never interleave.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenFile opens (creating if needed) the audit log at path.
func OpenFile(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f, path: path}, nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *FileSink) append(e entry) error {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	_, err = s.f.Write(line)
	return err
}

// RecordJob logs a job lifecycle snapshot.
func (s *FileSink) RecordJob(ctx context.Context, job *types.Job) error {
	return s.append(entry{
		JobID: job.ID,
		Kind:  "job",
		Payload: map[string]interface{}{
			"kind":   string(job.Kind),
			"tenant": job.TenantID,
			"status": string(job.Status),
		},
	})
}

// RecordEvent logs an arbitrary job event.
func (s *FileSink) RecordEvent(ctx context.Context, jobID, kind string, payload map[string]interface{}) error {
	return s.append(entry{JobID: jobID, Kind: kind, Payload: payload})
}

// RecordConflict logs a field conflict and its resolution.
func (s *FileSink) RecordConflict(ctx context.Context, jobID string, c *types.Conflict) error {
	return s.append(entry{
		JobID: jobID,
		Kind:  "conflict",
		Payload: map[string]interface{}{
			"entity_type": string(c.EntityType),
			"source_id":   c.SourceID,
			"field":       c.Field,
			"source":      c.SourceValue,
			"target":      c.TargetValue,
			"strategy":    string(c.Resolution),
			"resolved":    c.ResolvedValue,
		},
	})
}

// Multi fans audit writes out to several sinks. The first error wins
// but all sinks are attempted.
func Multi(sinks ...adapter.AuditSink) adapter.AuditSink {
	return multiSink(sinks)
}

type multiSink []adapter.AuditSink

func (m multiSink) RecordJob(ctx context.Context, job *types.Job) error {
	var first error
	for _, s := range m {
		if err := s.RecordJob(ctx, job); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multiSink) RecordEvent(ctx context.Context, jobID, kind string, payload map[string]interface{}) error {
	var first error
	for _, s := range m {
		if err := s.RecordEvent(ctx, jobID, kind, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multiSink) RecordConflict(ctx context.Context, jobID string, c *types.Conflict) error {
	var first error
	for _, s := range m {
		if err := s.RecordConflict(ctx, jobID, c); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Event is what the memory sink retains, for assertions in tests.
type Event struct {
	JobID   string
	Kind    string
	Payload map[string]interface{}
}

// Memory is an in-memory AuditSink for tests.
type Memory struct {
	mu        sync.Mutex
	events    []Event
	conflicts []*types.Conflict
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) RecordJob(ctx context.Context, job *types.Job) error {
	return m.RecordEvent(ctx, job.ID, "job", map[string]interface{}{"status": string(job.Status)})
}

func (m *Memory) RecordEvent(ctx context.Context, jobID, kind string, payload map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{JobID: jobID, Kind: kind, Payload: payload})
	return nil
}

func (m *Memory) RecordConflict(ctx context.Context, jobID string, c *types.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts = append(m.conflicts, c)
	return nil
}

// Events returns a copy of recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// EventsOfKind filters recorded events by kind.
func (m *Memory) EventsOfKind(kind string) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Conflicts returns a copy of recorded conflicts.
func (m *Memory) Conflicts() []*types.Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Conflict, len(m.conflicts))
	copy(out, m.conflicts)
	return out
}
