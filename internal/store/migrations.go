package store

type migration struct {
	version int
	sql     string
}

// migrations must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
	execution_id    TEXT PRIMARY KEY,
	pipeline_id     TEXT NOT NULL,
	message_id      TEXT NOT NULL,
	stage           TEXT NOT NULL DEFAULT 'pending',
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	document_id     TEXT NOT NULL DEFAULT '',
	started_at      DATETIME NOT NULL,
	finished_at     DATETIME,
	next_attempt_at DATETIME,
	UNIQUE (pipeline_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(pipeline_id, status);
CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE executions ADD COLUMN updated_at DATETIME;

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
ALTER TABLE executions ADD COLUMN write_started_at DATETIME;

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
