package observability

import "database/sql"

// Schema is the DDL for the engine's operational record: lifecycle events,
// process heartbeats and metric samples. These tables live in their own
// database, separate from the message store, so operational writes never
// contend with message traffic. Timestamps are seconds since the Unix epoch.
const Schema = `
CREATE TABLE IF NOT EXISTS engine_events (
    event_id TEXT PRIMARY KEY,
    occurred_at INTEGER NOT NULL,
    project_id TEXT NOT NULL,
    item_name TEXT,
    event_type TEXT NOT NULL,
    severity TEXT NOT NULL DEFAULT 'info',
    detail TEXT,
    error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_project_time
    ON engine_events(project_id, occurred_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_type
    ON engine_events(event_type, occurred_at DESC);

CREATE TABLE IF NOT EXISTS engine_heartbeats (
    heartbeat_id TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    process_name TEXT NOT NULL,
    hostname TEXT NOT NULL,
    pid INTEGER NOT NULL,
    beat_at INTEGER NOT NULL,
    goroutines INTEGER,
    memory_alloc_mb REAL,
    memory_sys_mb REAL,
    gc_count INTEGER
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_name_time
    ON engine_heartbeats(process_name, beat_at DESC);

CREATE TABLE IF NOT EXISTS metrics_timeseries (
    sample_id TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    sampled_at INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, sampled_at DESC);
`

// Init applies the observability schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
