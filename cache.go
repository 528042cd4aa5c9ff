package tenantsync

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// CachedRecord is one versioned replica row. Version resolves conflicts;
// CachedAt is an audit field only and never participates in conflict
// resolution, because wall clocks across clients cannot be compared.
type CachedRecord struct {
	TenantID   string          `json:"tenantId"`
	EntityType string          `json:"entityType"`
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Version    uint64          `json:"version"`
	CachedAt   time.Time       `json:"cachedAt"`
}

// CacheStore is the durable per-tenant record store. Writes are
// last-writer-wins by version; authoritative writes (pulls) always win
// over a stale live echo. Watermarks advance only after the records they
// cover are durably written, and never roll back.
type CacheStore interface {
	Put(ctx context.Context, record CachedRecord, authoritative bool) (CachedRecord, error)
	BulkPut(ctx context.Context, records []CachedRecord, authoritative bool) error
	Delete(ctx context.Context, tenantID, entityType, id string) error
	Get(ctx context.Context, tenantID, entityType, id string) (CachedRecord, error)
	GetForTenant(ctx context.Context, tenantID, entityType string) ([]CachedRecord, error)
	Watermark(ctx context.Context, tenantID, entityType string) (time.Time, error)
	SetWatermark(ctx context.Context, tenantID, entityType string, at time.Time) error
	ClearTenant(ctx context.Context, tenantID string) error
	Close() error
}

// resolvePut applies the version rule shared by every backend. It
// returns the record to store, or a ConflictDiscardedError when the
// incoming write loses.
func resolvePut(existing CachedRecord, exists bool, incoming CachedRecord, authoritative bool, now time.Time) (CachedRecord, error) {
	next := incoming
	if next.CachedAt.IsZero() {
		next.CachedAt = now
	}
	if !exists {
		if next.Version == 0 {
			next.Version = 1
		}
		return next, nil
	}
	if authoritative {
		// Pulls reflect server state after the live event's causal
		// point, so the payload always wins; the stored version still
		// never decreases.
		if next.Version < existing.Version {
			next.Version = existing.Version
		}
		return next, nil
	}
	if next.Version == 0 {
		next.Version = existing.Version + 1
		return next, nil
	}
	if next.Version == existing.Version {
		// A duplicate live echo. Keep the stored row as-is, including its
		// CachedAt, so listings do not reorder.
		return existing, nil
	}
	if next.Version < existing.Version {
		return CachedRecord{}, &ConflictDiscardedError{
			TenantID:        incoming.TenantID,
			EntityType:      incoming.EntityType,
			ID:              incoming.ID,
			IncomingVersion: incoming.Version,
			CachedVersion:   existing.Version,
		}
	}
	return next, nil
}

func validateRecord(record CachedRecord) error {
	if record.TenantID == "" || record.EntityType == "" || record.ID == "" {
		return ErrInvalidInput
	}
	return nil
}

// MemoryCacheStore keeps records in process memory. Writes to one tenant
// are serialized on that tenant's shard lock; different tenants write in
// parallel. It is the default backend and the in-memory core of the
// file-backed one.
type MemoryCacheStore struct {
	mu     sync.RWMutex
	shards map[string]*tenantShard
	now    func() time.Time
}

type tenantShard struct {
	mu         sync.Mutex
	records    map[string]map[string]CachedRecord
	watermarks map[string]time.Time
}

func NewMemoryCacheStore() *MemoryCacheStore {
	return &MemoryCacheStore{
		shards: map[string]*tenantShard{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryCacheStore) shard(tenantID string) *tenantShard {
	s.mu.Lock()
	defer s.mu.Unlock()
	shard, ok := s.shards[tenantID]
	if !ok {
		shard = &tenantShard{
			records:    map[string]map[string]CachedRecord{},
			watermarks: map[string]time.Time{},
		}
		s.shards[tenantID] = shard
	}
	return shard
}

func (s *MemoryCacheStore) Put(_ context.Context, record CachedRecord, authoritative bool) (CachedRecord, error) {
	if err := validateRecord(record); err != nil {
		return CachedRecord{}, err
	}
	shard := s.shard(record.TenantID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	stored, err := putShardLocked(shard, record, authoritative, s.now())
	if err != nil {
		return CachedRecord{}, err
	}
	return stored, nil
}

func (s *MemoryCacheStore) BulkPut(_ context.Context, records []CachedRecord, authoritative bool) error {
	byTenant := map[string][]CachedRecord{}
	for _, record := range records {
		if err := validateRecord(record); err != nil {
			return err
		}
		byTenant[record.TenantID] = append(byTenant[record.TenantID], record)
	}
	now := s.now()
	for tenantID, batch := range byTenant {
		shard := s.shard(tenantID)
		shard.mu.Lock()
		for _, record := range batch {
			// Losing records in a bulk pull are simply skipped; the
			// rest of the batch still lands.
			if _, err := putShardLocked(shard, record, authoritative, now); err != nil {
				continue
			}
		}
		shard.mu.Unlock()
	}
	return nil
}

func putShardLocked(shard *tenantShard, record CachedRecord, authoritative bool, now time.Time) (CachedRecord, error) {
	byID, ok := shard.records[record.EntityType]
	if !ok {
		byID = map[string]CachedRecord{}
		shard.records[record.EntityType] = byID
	}
	existing, exists := byID[record.ID]
	next, err := resolvePut(existing, exists, record, authoritative, now)
	if err != nil {
		return CachedRecord{}, err
	}
	byID[record.ID] = next
	return next, nil
}

func (s *MemoryCacheStore) Delete(_ context.Context, tenantID, entityType, id string) error {
	if tenantID == "" || entityType == "" || id == "" {
		return ErrInvalidInput
	}
	shard := s.shard(tenantID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if byID, ok := shard.records[entityType]; ok {
		delete(byID, id)
	}
	return nil
}

func (s *MemoryCacheStore) Get(_ context.Context, tenantID, entityType, id string) (CachedRecord, error) {
	shard := s.shard(tenantID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	byID, ok := shard.records[entityType]
	if !ok {
		return CachedRecord{}, ErrNotFound
	}
	record, ok := byID[id]
	if !ok {
		return CachedRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *MemoryCacheStore) GetForTenant(_ context.Context, tenantID, entityType string) ([]CachedRecord, error) {
	shard := s.shard(tenantID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	byID := shard.records[entityType]
	records := make([]CachedRecord, 0, len(byID))
	for _, record := range byID {
		records = append(records, record)
	}
	sortRecords(records)
	return records, nil
}

// sortRecords orders newest-cached first, ID ascending as the tiebreak,
// matching what list views expect.
func sortRecords(records []CachedRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CachedAt.Equal(records[j].CachedAt) {
			return records[i].CachedAt.After(records[j].CachedAt)
		}
		return records[i].ID < records[j].ID
	})
}

func (s *MemoryCacheStore) Watermark(_ context.Context, tenantID, entityType string) (time.Time, error) {
	shard := s.shard(tenantID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.watermarks[entityType], nil
}

func (s *MemoryCacheStore) SetWatermark(_ context.Context, tenantID, entityType string, at time.Time) error {
	if tenantID == "" || entityType == "" {
		return ErrInvalidInput
	}
	shard := s.shard(tenantID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if at.Before(shard.watermarks[entityType]) {
		// Watermarks never roll back.
		return nil
	}
	shard.watermarks[entityType] = at
	return nil
}

func (s *MemoryCacheStore) ClearTenant(_ context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shards, tenantID)
	return nil
}

func (s *MemoryCacheStore) Close() error {
	return nil
}

type persistedCache struct {
	Records    []CachedRecord   `json:"records"`
	Watermarks []watermarkEntry `json:"watermarks"`
}

type watermarkEntry struct {
	TenantID   string    `json:"tenantId"`
	EntityType string    `json:"entityType"`
	LastSyncAt time.Time `json:"lastSyncAt"`
}

func (s *MemoryCacheStore) exportSnapshot() persistedCache {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := persistedCache{}
	for tenantID, shard := range s.shards {
		shard.mu.Lock()
		for _, byID := range shard.records {
			for _, record := range byID {
				snapshot.Records = append(snapshot.Records, record)
			}
		}
		for entityType, at := range shard.watermarks {
			snapshot.Watermarks = append(snapshot.Watermarks, watermarkEntry{
				TenantID:   tenantID,
				EntityType: entityType,
				LastSyncAt: at,
			})
		}
		shard.mu.Unlock()
	}
	sort.Slice(snapshot.Records, func(i, j int) bool {
		left, right := snapshot.Records[i], snapshot.Records[j]
		if left.TenantID != right.TenantID {
			return left.TenantID < right.TenantID
		}
		if left.EntityType != right.EntityType {
			return left.EntityType < right.EntityType
		}
		return left.ID < right.ID
	})
	sort.Slice(snapshot.Watermarks, func(i, j int) bool {
		left, right := snapshot.Watermarks[i], snapshot.Watermarks[j]
		if left.TenantID != right.TenantID {
			return left.TenantID < right.TenantID
		}
		return left.EntityType < right.EntityType
	})
	return snapshot
}

func (s *MemoryCacheStore) restoreSnapshot(snapshot persistedCache) {
	for _, record := range snapshot.Records {
		if validateRecord(record) != nil {
			continue
		}
		shard := s.shard(record.TenantID)
		shard.mu.Lock()
		byID, ok := shard.records[record.EntityType]
		if !ok {
			byID = map[string]CachedRecord{}
			shard.records[record.EntityType] = byID
		}
		byID[record.ID] = record
		shard.mu.Unlock()
	}
	for _, entry := range snapshot.Watermarks {
		if entry.TenantID == "" || entry.EntityType == "" {
			continue
		}
		shard := s.shard(entry.TenantID)
		shard.mu.Lock()
		shard.watermarks[entry.EntityType] = entry.LastSyncAt
		shard.mu.Unlock()
	}
}
