// Package store persists masters, overrides and instances in SQLite or
// Postgres behind a transactional unit-of-work API.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS masters (
	id           TEXT PRIMARY KEY,
	col_path     TEXT NOT NULL,
	uid          TEXT NOT NULL,
	name         TEXT NOT NULL,
	summary      TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	location     TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT '',
	transparency TEXT NOT NULL DEFAULT '',
	floating     INTEGER NOT NULL DEFAULT 0,
	tzid         TEXT NOT NULL DEFAULT '',
	start_at     BIGINT,
	end_at       BIGINT,
	float_start  BIGINT,
	float_end    BIGINT,
	fixed_start  BIGINT,
	fixed_end    BIGINT,
	rrule        TEXT NOT NULL DEFAULT '',
	rdates       TEXT NOT NULL DEFAULT '[]',
	exdates      TEXT NOT NULL DEFAULT '[]',
	recurring    INTEGER NOT NULL DEFAULT 0,
	tombstoned   INTEGER NOT NULL DEFAULT 0,
	modified_at  BIGINT NOT NULL,
	seq          BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_masters_col_uid ON masters(col_path, uid);
CREATE UNIQUE INDEX IF NOT EXISTS idx_masters_live_name ON masters(col_path, name) WHERE tombstoned = 0;
CREATE INDEX IF NOT EXISTS idx_masters_col_seq ON masters(col_path, seq);
CREATE INDEX IF NOT EXISTS idx_masters_float ON masters(float_start, float_end);
CREATE INDEX IF NOT EXISTS idx_masters_fixed ON masters(fixed_start, fixed_end);

CREATE TABLE IF NOT EXISTS overrides (
	id            TEXT PRIMARY KEY,
	master_id     TEXT NOT NULL REFERENCES masters(id) ON DELETE CASCADE,
	recurrence_id TEXT NOT NULL,
	is_override   INTEGER NOT NULL DEFAULT 1,
	tombstoned    INTEGER NOT NULL DEFAULT 0,
	fields        TEXT NOT NULL DEFAULT '{}',
	floating      INTEGER NOT NULL DEFAULT 0,
	float_start   BIGINT,
	float_end     BIGINT,
	fixed_start   BIGINT,
	fixed_end     BIGINT,
	modified_at   BIGINT NOT NULL,
	seq           BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_overrides_master ON overrides(master_id, recurrence_id);
CREATE INDEX IF NOT EXISTS idx_overrides_float ON overrides(float_start, float_end);
CREATE INDEX IF NOT EXISTS idx_overrides_fixed ON overrides(fixed_start, fixed_end);

CREATE TABLE IF NOT EXISTS instances (
	id            TEXT PRIMARY KEY,
	master_id     TEXT NOT NULL REFERENCES masters(id) ON DELETE CASCADE,
	recurrence_id TEXT NOT NULL,
	floating      INTEGER NOT NULL DEFAULT 0,
	float_start   BIGINT,
	float_end     BIGINT,
	fixed_start   BIGINT,
	fixed_end     BIGINT,
	override_id   TEXT,
	UNIQUE(master_id, recurrence_id)
);

CREATE INDEX IF NOT EXISTS idx_instances_float ON instances(float_start, float_end);
CREATE INDEX IF NOT EXISTS idx_instances_fixed ON instances(fixed_start, fixed_end);

CREATE TABLE IF NOT EXISTS sync_state (
	name  TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);

INSERT INTO sync_state (name, value) VALUES ('seq', 0) ON CONFLICT (name) DO NOTHING;
INSERT INTO sync_state (name, value) VALUES ('purge_watermark', 0) ON CONFLICT (name) DO NOTHING;
`

// dialect captures the differences between the supported SQL engines.
type dialect struct {
	name   string
	driver string
}

var (
	sqliteDialect   = dialect{name: "sqlite", driver: "sqlite3"}
	postgresDialect = dialect{name: "postgres", driver: "postgres"}
)

// rebind rewrites ? placeholders into the dialect's native form.
func (d dialect) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DB wraps a sql.DB with calendar persistence operations.
type DB struct {
	conn    *sql.DB
	dialect dialect
}

// Open parses dsn, opens (or creates) the database and applies the schema.
//
// Accepted forms:
//   - postgres://… or postgresql://… for Postgres
//   - sqlite:///path/to/file.db, sqlite3://…, or a bare file path for SQLite
func Open(dsn string) (*DB, error) {
	d, driverDSN, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := sql.Open(d.driver, driverDSN)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := conn.ExecContext(ctx, coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &DB{conn: conn, dialect: d}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Dialect names the SQL engine behind db.
func (db *DB) Dialect() string {
	return db.dialect.name
}

func parseDSN(dsn string) (dialect, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return dialect{}, "", fmt.Errorf("store: empty dsn")
	}
	scheme := ""
	if i := strings.Index(dsn, "://"); i > 0 {
		scheme = strings.ToLower(dsn[:i])
	}
	switch scheme {
	case "postgres", "postgresql":
		return postgresDialect, dsn, nil
	case "sqlite", "sqlite3":
		parsed, err := url.Parse(dsn)
		if err != nil {
			return dialect{}, "", fmt.Errorf("store: parse dsn: %w", err)
		}
		path := parsed.Host + parsed.Path
		if path == "" {
			return dialect{}, "", fmt.Errorf("store: sqlite dsn has no path: %s", dsn)
		}
		return sqliteDialect, sqliteDSN(path), nil
	case "":
		return sqliteDialect, sqliteDSN(dsn), nil
	default:
		return dialect{}, "", fmt.Errorf("store: unsupported dsn scheme %q", scheme)
	}
}

func sqliteDSN(path string) string {
	return path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
}
