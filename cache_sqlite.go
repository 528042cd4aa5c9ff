package tenantsync

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteDialect = sqlDialect{
	name:        "sqlite",
	placeholder: questionPlaceholder,
	createRecords: `CREATE TABLE IF NOT EXISTS tenantsync_records (
	tenant_id   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	payload     TEXT,
	version     INTEGER NOT NULL,
	cached_at   TEXT NOT NULL,
	PRIMARY KEY (tenant_id, entity_type, record_id)
)`,
	createMarks: `CREATE TABLE IF NOT EXISTS tenantsync_watermarks (
	tenant_id    TEXT NOT NULL,
	entity_type  TEXT NOT NULL,
	last_sync_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, entity_type)
)`,
}

// NewSQLiteCacheStore opens a cache store backed by a SQLite database
// file. The schema is created on first use.
func NewSQLiteCacheStore(path string) (CacheStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite cache path is empty", ErrInvalidInput)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &CacheError{Op: "open", Err: err}
	}
	// SQLite serializes writers; more than one connection just queues
	// behind the file lock.
	db.SetMaxOpenConns(1)
	return newSQLCacheStore(db, sqliteDialect), nil
}
