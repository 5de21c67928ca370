package runstore

const schema = `
CREATE TABLE IF NOT EXISTS backup_runs (
    id TEXT PRIMARY KEY,
    run_timestamp TIMESTAMP NOT NULL,
    working_dir TEXT NOT NULL,
    archive_path TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    snapshots TEXT,
    documents INTEGER DEFAULT 0,
    archive_bytes INTEGER DEFAULT 0,
    bucket TEXT,
    object_key TEXT,
    error TEXT,
    failed_stage TEXT,
    failed_collection TEXT,
    cleanup_error TEXT,
    started_at TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_backup_runs_status ON backup_runs(status);
CREATE INDEX IF NOT EXISTS idx_backup_runs_started_at ON backup_runs(started_at);
`
