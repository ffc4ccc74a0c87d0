package learn

// Schema versioning follows the usual pattern: a schema_version table with a
// single row, checked on open.
const schemaVersionV1 = 1

const schemaV1 = `
CREATE TABLE schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE quality_assessments (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	prompt_id     TEXT NOT NULL UNIQUE,
	artifact_path TEXT,
	score         REAL NOT NULL,
	passes        INTEGER NOT NULL,
	reasons       TEXT,
	metrics       TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE successful_workflows (
	prompt_hash   TEXT PRIMARY KEY,
	parameters    TEXT NOT NULL,
	quality_score REAL NOT NULL,
	sample_count  INTEGER NOT NULL DEFAULT 1,
	updated_at    TEXT NOT NULL
);

CREATE TABLE failed_workflows (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	prompt_hash TEXT NOT NULL,
	parameters  TEXT NOT NULL,
	reasons     TEXT,
	created_at  TEXT NOT NULL
);
CREATE INDEX idx_failed_workflows_hash ON failed_workflows(prompt_hash);

CREATE TABLE workflow_corrections (
	id                    TEXT PRIMARY KEY,
	original_artifact_id  TEXT NOT NULL,
	corrected_artifact_id TEXT NOT NULL,
	parameters            TEXT NOT NULL,
	applied_at            TEXT NOT NULL
);
CREATE INDEX idx_corrections_original ON workflow_corrections(original_artifact_id);

CREATE TABLE performance_alerts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	alert_type TEXT NOT NULL,
	message    TEXT NOT NULL,
	snapshot   TEXT,
	created_at TEXT NOT NULL
);
`
