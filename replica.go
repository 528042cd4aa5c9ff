package tenantsync

import (
	"sort"
	"sync"
)

type replicaKey struct {
	tenantID   string
	entityType string
}

// ReplicaEntry is one row in the in-memory read view. Pending entries
// are optimistic local writes the server has not confirmed yet; they
// are invisible to the cache store and carry their correlation ID.
type ReplicaEntry struct {
	Record        CachedRecord
	Pending       bool
	CorrelationID string
}

// replica is the queryable merge of durable cache rows and optimistic
// pending writes, grouped per tenant and entity type.
type replica struct {
	mu      sync.RWMutex
	entries map[replicaKey]map[string]ReplicaEntry
}

func newReplica() *replica {
	return &replica{entries: map[replicaKey]map[string]ReplicaEntry{}}
}

func (r *replica) bucket(key replicaKey) map[string]ReplicaEntry {
	byID, ok := r.entries[key]
	if !ok {
		byID = map[string]ReplicaEntry{}
		r.entries[key] = byID
	}
	return byID
}

func (r *replica) upsert(record CachedRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := replicaKey{tenantID: record.TenantID, entityType: record.EntityType}
	r.bucket(key)[record.ID] = ReplicaEntry{Record: record}
}

func (r *replica) remove(tenantID, entityType, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := replicaKey{tenantID: tenantID, entityType: entityType}
	if byID, ok := r.entries[key]; ok {
		delete(byID, id)
	}
}

// insertPending adds an optimistic entry keyed by its record ID and
// tracked by correlation ID for later confirmation or retraction.
func (r *replica) insertPending(record CachedRecord, correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := replicaKey{tenantID: record.TenantID, entityType: record.EntityType}
	r.bucket(key)[record.ID] = ReplicaEntry{
		Record:        record,
		Pending:       true,
		CorrelationID: correlationID,
	}
}

// confirm replaces the pending entry for correlationID with the
// authoritative record. It reports whether a pending entry was found.
func (r *replica) confirm(correlationID string, record CachedRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := replicaKey{tenantID: record.TenantID, entityType: record.EntityType}
	byID, ok := r.entries[key]
	if !ok {
		return false
	}
	for id, entry := range byID {
		if !entry.Pending || entry.CorrelationID != correlationID {
			continue
		}
		// The server may have assigned a different canonical ID than the
		// optimistic one.
		if id != record.ID {
			delete(byID, id)
		}
		byID[record.ID] = ReplicaEntry{Record: record}
		return true
	}
	return false
}

// retract removes the pending entry for correlationID, returning the
// retracted record for the failure callback.
func (r *replica) retract(correlationID string) (CachedRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, byID := range r.entries {
		for id, entry := range byID {
			if entry.Pending && entry.CorrelationID == correlationID {
				delete(byID, id)
				return entry.Record, true
			}
		}
	}
	return CachedRecord{}, false
}

func (r *replica) clearTenant(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.entries {
		if key.tenantID == tenantID {
			delete(r.entries, key)
		}
	}
}

// replaceAll swaps the confirmed rows for one tenant and entity type
// with an authoritative pull result. Pending optimistic entries survive
// the swap; their retraction timers still govern them.
func (r *replica) replaceAll(tenantID, entityType string, records []CachedRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := replicaKey{tenantID: tenantID, entityType: entityType}
	next := map[string]ReplicaEntry{}
	for id, entry := range r.entries[key] {
		if entry.Pending {
			next[id] = entry
		}
	}
	// An authoritative row for the same ID outranks any optimistic
	// placeholder left in next.
	for _, record := range records {
		next[record.ID] = ReplicaEntry{Record: record}
	}
	r.entries[key] = next
}

// snapshot returns the entries for one tenant and entity type ordered
// newest-cached first, ID ascending on ties. Entries are copied.
func (r *replica) snapshot(tenantID, entityType string) []ReplicaEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := replicaKey{tenantID: tenantID, entityType: entityType}
	byID := r.entries[key]
	entries := make([]ReplicaEntry, 0, len(byID))
	for _, entry := range byID {
		entries = append(entries, entry)
	}
	sortReplicaEntries(entries)
	return entries
}

func sortReplicaEntries(entries []ReplicaEntry) {
	sort.Slice(entries, func(i, j int) bool {
		left, right := entries[i].Record, entries[j].Record
		if !left.CachedAt.Equal(right.CachedAt) {
			return left.CachedAt.After(right.CachedAt)
		}
		return left.ID < right.ID
	})
}
