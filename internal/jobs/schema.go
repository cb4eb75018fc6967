package jobs

// schema is applied on open. CREATE IF NOT EXISTS keeps reopening a
// populated database cheap.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id           TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    tenant_id    TEXT NOT NULL,
    status       TEXT NOT NULL,
    created_at   TEXT NOT NULL,
    started_at   TEXT,
    completed_at TEXT,
    params_json  TEXT,
    result_json  TEXT,
    error        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON jobs(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS job_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id       TEXT NOT NULL,
    ts           TEXT NOT NULL,
    kind         TEXT NOT NULL,
    payload_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, id);

CREATE TABLE IF NOT EXISTS watermarks (
    tenant_id      TEXT NOT NULL,
    entity_type    TEXT NOT NULL,
    last_cutoff_ts TEXT NOT NULL,
    PRIMARY KEY (tenant_id, entity_type)
);

CREATE TABLE IF NOT EXISTS conflicts (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id              TEXT NOT NULL,
    entity_type         TEXT NOT NULL,
    source_id           TEXT NOT NULL,
    field               TEXT NOT NULL,
    source_value_json   TEXT,
    target_value_json   TEXT,
    strategy            TEXT NOT NULL,
    resolved_value_json TEXT,
    ts                  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conflicts_job ON conflicts(job_id, id);
`
