package tuning

const initSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id               TEXT PRIMARY KEY,
    profile_id       TEXT NOT NULL UNIQUE,
    phase            TEXT NOT NULL,
    created_at       TIMESTAMP NOT NULL,
    updated_at       TIMESTAMP NOT NULL,
    pre_snapshot_id  TEXT,
    post_snapshot_id TEXT,
    timeline         TEXT,
    applied_changes  TEXT,
    metrics          TEXT
);

CREATE TABLE IF NOT EXISTS records (
    id              TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL,
    profile_id      TEXT NOT NULL,
    outcome         TEXT NOT NULL,
    started_at      TIMESTAMP NOT NULL,
    finished_at     TIMESTAMP NOT NULL,
    timeline        TEXT,
    applied_changes TEXT,
    metrics         TEXT
);

CREATE INDEX IF NOT EXISTS idx_records_profile ON records (profile_id, finished_at);
`

const (
	insertSessionSQL = `
INSERT INTO sessions (
                      id,
                      profile_id,
                      phase,
                      created_at,
                      updated_at,
                      pre_snapshot_id,
                      post_snapshot_id,
                      timeline,
                      applied_changes,
                      metrics)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectSessionSQL = `
SELECT
    id,
    profile_id,
    phase,
    created_at,
    updated_at,
    pre_snapshot_id,
    post_snapshot_id,
    timeline,
    applied_changes,
    metrics
FROM sessions
WHERE
    profile_id = ?`

	updateSessionSQL = `
UPDATE sessions
SET phase            = ?,
    updated_at       = ?,
    pre_snapshot_id  = ?,
    post_snapshot_id = ?,
    timeline         = ?,
    applied_changes  = ?,
    metrics          = ?
WHERE
    id = ?`

	deleteSessionSQL = `
DELETE FROM sessions
WHERE
    profile_id = ?`

	insertRecordSQL = `
INSERT INTO records (
                     id,
                     session_id,
                     profile_id,
                     outcome,
                     started_at,
                     finished_at,
                     timeline,
                     applied_changes,
                     metrics)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectRecordsSQL = `
SELECT
    id,
    session_id,
    profile_id,
    outcome,
    started_at,
    finished_at,
    timeline,
    applied_changes,
    metrics
FROM records
WHERE
    profile_id = ?
ORDER BY finished_at`
)
