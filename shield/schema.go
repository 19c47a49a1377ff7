package shield

import "database/sql"

// Schema holds the DDL for both shield tables. Idempotent; apply with
// Init(db) or fold into the caller's own schema pipeline.
//
// rate_limits drives RateLimiter: one row per "METHOD /path" endpoint.
// maintenance drives MaintenanceMode: a single row (id=1) toggled by
// operators.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS maintenance (
    id      INTEGER PRIMARY KEY CHECK (id = 1),
    active  INTEGER NOT NULL DEFAULT 0,
    message TEXT NOT NULL DEFAULT 'Down for maintenance, back shortly.'
);

INSERT OR IGNORE INTO maintenance (id, active, message)
VALUES (1, 0, 'Down for maintenance, back shortly.');
`

// Init creates the shield tables if they don't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
