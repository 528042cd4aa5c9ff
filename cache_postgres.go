package tenantsync

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	name:        "postgres",
	placeholder: dollarPlaceholder,
	createRecords: `CREATE TABLE IF NOT EXISTS tenantsync_records (
	tenant_id   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	payload     TEXT,
	version     BIGINT NOT NULL,
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

// NewPostgresCacheStore opens a cache store backed by PostgreSQL. The
// DSN is any connection string accepted by lib/pq. The schema is created
// lazily so construction succeeds even while the database is unreachable.
func NewPostgresCacheStore(dsn string) (CacheStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres DSN is empty", ErrInvalidInput)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &CacheError{Op: "open", Err: err}
	}
	return newSQLCacheStore(db, postgresDialect), nil
}
