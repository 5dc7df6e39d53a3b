package store

// Schema is applied by Migrate. Every statement is idempotent.
var Schema = []string{
	`CREATE SCHEMA IF NOT EXISTS harborfanout`,
	`CREATE TABLE IF NOT EXISTS harborfanout.fanouts (
		id          TEXT PRIMARY KEY,
		attempt     INT NOT NULL DEFAULT 0,
		status      TEXT NOT NULL,
		endpoints   INT NOT NULL,
		attempted   INT NOT NULL DEFAULT 0,
		last_error  TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		dead_at     TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS harborfanout.fanout_attempts (
		id          BIGSERIAL PRIMARY KEY,
		fanout_id   TEXT NOT NULL REFERENCES harborfanout.fanouts(id) ON DELETE CASCADE,
		attempt     INT NOT NULL,
		position    INT NOT NULL,
		endpoint    TEXT NOT NULL,
		http_status INT,
		latency_ms  INT NOT NULL DEFAULT 0,
		reason      TEXT,
		error       TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS fanout_attempts_fanout_idx ON harborfanout.fanout_attempts(fanout_id)`,
	`CREATE TABLE IF NOT EXISTS harborfanout.dlq (
		fanout_id   TEXT PRIMARY KEY REFERENCES harborfanout.fanouts(id) ON DELETE CASCADE,
		reason      TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}
