package observability

import (
	"context"
	"database/sql"
)

// Schema is the DDL of the observability database. It lives in its own file,
// apart from the documents database, so metric flushes never contend with
// record transitions.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id   INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS business_events (
    event_id    TEXT PRIMARY KEY,
    event_type  TEXT NOT NULL,
    tenant_id   TEXT NOT NULL DEFAULT '',
    document_id TEXT NOT NULL DEFAULT '',
    batch_id    TEXT NOT NULL DEFAULT '',
    details     TEXT,
    success     INTEGER NOT NULL DEFAULT 1,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type_time ON business_events(event_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_document ON business_events(document_id);
`

// Init applies Schema to db.
func Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}
