package tenantsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const sqlOpTimeout = 5 * time.Second

// sqlDialect captures the differences between the SQL backends: the
// placeholder style and the upsert / DDL syntax.
type sqlDialect struct {
	name          string
	placeholder   func(n int) string
	createRecords string
	createMarks   string
}

// sqlCacheStore is the shared database/sql implementation behind the
// SQLite and Postgres backends. Schema creation is lazy so opening a
// store against an unreachable database does not fail until first use.
type sqlCacheStore struct {
	db       *sql.DB
	dialect  sqlDialect
	initOnce sync.Once
	initErr  error
}

func newSQLCacheStore(db *sql.DB, dialect sqlDialect) *sqlCacheStore {
	return &sqlCacheStore{db: db, dialect: dialect}
}

func (s *sqlCacheStore) init(ctx context.Context) error {
	s.initOnce.Do(func() {
		for _, stmt := range []string{s.dialect.createRecords, s.dialect.createMarks} {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				s.initErr = &CacheError{Op: "init", Err: fmt.Errorf("%s schema: %w", s.dialect.name, err)}
				return
			}
		}
	})
	return s.initErr
}

func (s *sqlCacheStore) ph(n int) string {
	return s.dialect.placeholder(n)
}

func (s *sqlCacheStore) Put(ctx context.Context, record CachedRecord, authoritative bool) (CachedRecord, error) {
	if err := validateRecord(record); err != nil {
		return CachedRecord{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOpTimeout)
	defer cancel()
	if err := s.init(ctx); err != nil {
		return CachedRecord{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CachedRecord{}, &CacheError{Op: "put", Err: err}
	}
	defer tx.Rollback()
	stored, err := s.putTx(ctx, tx, record, authoritative, time.Now().UTC())
	if err != nil {
		return CachedRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return CachedRecord{}, &CacheError{Op: "put", Err: err}
	}
	return stored, nil
}

func (s *sqlCacheStore) putTx(ctx context.Context, tx *sql.Tx, record CachedRecord, authoritative bool, now time.Time) (CachedRecord, error) {
	query := fmt.Sprintf(
		"SELECT payload, version, cached_at FROM tenantsync_records WHERE tenant_id = %s AND entity_type = %s AND record_id = %s",
		s.ph(1), s.ph(2), s.ph(3),
	)
	var (
		existing CachedRecord
		payload  sql.NullString
		cachedAt string
		exists   = true
	)
	err := tx.QueryRowContext(ctx, query, record.TenantID, record.EntityType, record.ID).
		Scan(&payload, &existing.Version, &cachedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		exists = false
	case err != nil:
		return CachedRecord{}, &CacheError{Op: "put", Err: err}
	}
	if exists {
		existing.TenantID = record.TenantID
		existing.EntityType = record.EntityType
		existing.ID = record.ID
		if payload.Valid && payload.String != "" {
			existing.Payload = []byte(payload.String)
		}
		existing.CachedAt, err = time.Parse(time.RFC3339Nano, cachedAt)
		if err != nil {
			return CachedRecord{}, &CacheError{Op: "put", Err: fmt.Errorf("parsing cached_at %q: %w", cachedAt, err)}
		}
	}
	next, err := resolvePut(existing, exists, record, authoritative, now)
	if err != nil {
		return CachedRecord{}, err
	}
	upsert := fmt.Sprintf(`INSERT INTO tenantsync_records (tenant_id, entity_type, record_id, payload, version, cached_at)
VALUES (%s, %s, %s, %s, %s, %s)
ON CONFLICT (tenant_id, entity_type, record_id)
DO UPDATE SET payload = %s, version = %s, cached_at = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9))
	_, err = tx.ExecContext(ctx, upsert,
		next.TenantID, next.EntityType, next.ID,
		string(next.Payload), int64(next.Version), next.CachedAt.Format(time.RFC3339Nano),
		string(next.Payload), int64(next.Version), next.CachedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return CachedRecord{}, &CacheError{Op: "put", Err: err}
	}
	return next, nil
}

func (s *sqlCacheStore) BulkPut(ctx context.Context, records []CachedRecord, authoritative bool) error {
	for _, record := range records {
		if err := validateRecord(record); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOpTimeout)
	defer cancel()
	if err := s.init(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &CacheError{Op: "bulkPut", Err: err}
	}
	defer tx.Rollback()
	now := time.Now().UTC()
	for _, record := range records {
		if _, err := s.putTx(ctx, tx, record, authoritative, now); err != nil {
			var conflict *ConflictDiscardedError
			if errors.As(err, &conflict) {
				continue
			}
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return &CacheError{Op: "bulkPut", Err: err}
	}
	return nil
}

func (s *sqlCacheStore) Delete(ctx context.Context, tenantID, entityType, id string) error {
	if tenantID == "" || entityType == "" || id == "" {
		return ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOpTimeout)
	defer cancel()
	if err := s.init(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(
		"DELETE FROM tenantsync_records WHERE tenant_id = %s AND entity_type = %s AND record_id = %s",
		s.ph(1), s.ph(2), s.ph(3),
	)
	if _, err := s.db.ExecContext(ctx, query, tenantID, entityType, id); err != nil {
		return &CacheError{Op: "delete", Err: err}
	}
	return nil
}

func (s *sqlCacheStore) Get(ctx context.Context, tenantID, entityType, id string) (CachedRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, sqlOpTimeout)
	defer cancel()
	if err := s.init(ctx); err != nil {
		return CachedRecord{}, err
	}
	query := fmt.Sprintf(
		"SELECT payload, version, cached_at FROM tenantsync_records WHERE tenant_id = %s AND entity_type = %s AND record_id = %s",
		s.ph(1), s.ph(2), s.ph(3),
	)
	record := CachedRecord{TenantID: tenantID, EntityType: entityType, ID: id}
	var (
		payload  sql.NullString
		cachedAt string
	)
	err := s.db.QueryRowContext(ctx, query, tenantID, entityType, id).
		Scan(&payload, &record.Version, &cachedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return CachedRecord{}, ErrNotFound
	case err != nil:
		return CachedRecord{}, &CacheError{Op: "get", Err: err}
	}
	if payload.Valid && payload.String != "" {
		record.Payload = []byte(payload.String)
	}
	record.CachedAt, err = time.Parse(time.RFC3339Nano, cachedAt)
	if err != nil {
		return CachedRecord{}, &CacheError{Op: "get", Err: fmt.Errorf("parsing cached_at %q: %w", cachedAt, err)}
	}
	return record, nil
}

func (s *sqlCacheStore) GetForTenant(ctx context.Context, tenantID, entityType string) ([]CachedRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, sqlOpTimeout)
	defer cancel()
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT record_id, payload, version, cached_at FROM tenantsync_records WHERE tenant_id = %s AND entity_type = %s ORDER BY cached_at DESC, record_id ASC",
		s.ph(1), s.ph(2),
	)
	rows, err := s.db.QueryContext(ctx, query, tenantID, entityType)
	if err != nil {
		return nil, &CacheError{Op: "getForTenant", Err: err}
	}
	defer rows.Close()
	var records []CachedRecord
	for rows.Next() {
		record := CachedRecord{TenantID: tenantID, EntityType: entityType}
		var (
			payload  sql.NullString
			cachedAt string
		)
		if err := rows.Scan(&record.ID, &payload, &record.Version, &cachedAt); err != nil {
			return nil, &CacheError{Op: "getForTenant", Err: err}
		}
		if payload.Valid && payload.String != "" {
			record.Payload = []byte(payload.String)
		}
		record.CachedAt, err = time.Parse(time.RFC3339Nano, cachedAt)
		if err != nil {
			return nil, &CacheError{Op: "getForTenant", Err: fmt.Errorf("parsing cached_at %q: %w", cachedAt, err)}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, &CacheError{Op: "getForTenant", Err: err}
	}
	return records, nil
}

func (s *sqlCacheStore) Watermark(ctx context.Context, tenantID, entityType string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, sqlOpTimeout)
	defer cancel()
	if err := s.init(ctx); err != nil {
		return time.Time{}, err
	}
	query := fmt.Sprintf(
		"SELECT last_sync_at FROM tenantsync_watermarks WHERE tenant_id = %s AND entity_type = %s",
		s.ph(1), s.ph(2),
	)
	var raw string
	err := s.db.QueryRowContext(ctx, query, tenantID, entityType).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, nil
	case err != nil:
		return time.Time{}, &CacheError{Op: "watermark", Err: err}
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, &CacheError{Op: "watermark", Err: fmt.Errorf("parsing last_sync_at %q: %w", raw, err)}
	}
	return at, nil
}

func (s *sqlCacheStore) SetWatermark(ctx context.Context, tenantID, entityType string, at time.Time) error {
	if tenantID == "" || entityType == "" {
		return ErrInvalidInput
	}
	current, err := s.Watermark(ctx, tenantID, entityType)
	if err != nil {
		return err
	}
	if at.Before(current) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOpTimeout)
	defer cancel()
	upsert := fmt.Sprintf(`INSERT INTO tenantsync_watermarks (tenant_id, entity_type, last_sync_at)
VALUES (%s, %s, %s)
ON CONFLICT (tenant_id, entity_type)
DO UPDATE SET last_sync_at = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	raw := at.UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, upsert, tenantID, entityType, raw, raw); err != nil {
		return &CacheError{Op: "setWatermark", Err: err}
	}
	return nil
}

func (s *sqlCacheStore) ClearTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOpTimeout)
	defer cancel()
	if err := s.init(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &CacheError{Op: "clearTenant", Err: err}
	}
	defer tx.Rollback()
	for _, table := range []string{"tenantsync_records", "tenantsync_watermarks"} {
		query := fmt.Sprintf("DELETE FROM %s WHERE tenant_id = %s", table, s.ph(1))
		if _, err := tx.ExecContext(ctx, query, tenantID); err != nil {
			return &CacheError{Op: "clearTenant", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &CacheError{Op: "clearTenant", Err: err}
	}
	return nil
}

func (s *sqlCacheStore) Close() error {
	return s.db.Close()
}

func questionPlaceholder(int) string { return "?" }

func dollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }
