package tenantsync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileCacheStore is a MemoryCacheStore whose full contents are persisted
// to a JSON file after every mutation. Writes go through a temp file and
// rename so a crash never leaves a torn snapshot behind.
type FileCacheStore struct {
	mem  *MemoryCacheStore
	path string
}

func NewFileCacheStore(path string) (*FileCacheStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: file cache path is empty", ErrInvalidInput)
	}
	store := &FileCacheStore{mem: NewMemoryCacheStore(), path: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *FileCacheStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &CacheError{Op: "load", Err: err}
	}
	if len(data) == 0 {
		return nil
	}
	var snapshot persistedCache
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return &CacheError{Op: "load", Err: fmt.Errorf("decoding %s: %w", s.path, err)}
	}
	s.mem.restoreSnapshot(snapshot)
	return nil
}

func (s *FileCacheStore) persist() error {
	data, err := json.MarshalIndent(s.mem.exportSnapshot(), "", "  ")
	if err != nil {
		return &CacheError{Op: "persist", Err: err}
	}
	if err := writeFileAtomic(s.path, append(data, '\n'), 0o600); err != nil {
		return &CacheError{Op: "persist", Err: err}
	}
	return nil
}

func (s *FileCacheStore) Put(ctx context.Context, record CachedRecord, authoritative bool) (CachedRecord, error) {
	stored, err := s.mem.Put(ctx, record, authoritative)
	if err != nil {
		return CachedRecord{}, err
	}
	if err := s.persist(); err != nil {
		return CachedRecord{}, err
	}
	return stored, nil
}

func (s *FileCacheStore) BulkPut(ctx context.Context, records []CachedRecord, authoritative bool) error {
	if err := s.mem.BulkPut(ctx, records, authoritative); err != nil {
		return err
	}
	return s.persist()
}

func (s *FileCacheStore) Delete(ctx context.Context, tenantID, entityType, id string) error {
	if err := s.mem.Delete(ctx, tenantID, entityType, id); err != nil {
		return err
	}
	return s.persist()
}

func (s *FileCacheStore) Get(ctx context.Context, tenantID, entityType, id string) (CachedRecord, error) {
	return s.mem.Get(ctx, tenantID, entityType, id)
}

func (s *FileCacheStore) GetForTenant(ctx context.Context, tenantID, entityType string) ([]CachedRecord, error) {
	return s.mem.GetForTenant(ctx, tenantID, entityType)
}

func (s *FileCacheStore) Watermark(ctx context.Context, tenantID, entityType string) (time.Time, error) {
	return s.mem.Watermark(ctx, tenantID, entityType)
}

func (s *FileCacheStore) SetWatermark(ctx context.Context, tenantID, entityType string, at time.Time) error {
	if err := s.mem.SetWatermark(ctx, tenantID, entityType, at); err != nil {
		return err
	}
	return s.persist()
}

func (s *FileCacheStore) ClearTenant(ctx context.Context, tenantID string) error {
	if err := s.mem.ClearTenant(ctx, tenantID); err != nil {
		return err
	}
	return s.persist()
}

func (s *FileCacheStore) Close() error {
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
