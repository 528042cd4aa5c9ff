package tenantsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePuller struct {
	mu       sync.Mutex
	records  []CachedRecord
	syncedAt time.Time
	since    []time.Time
	err      error
}

func (p *fakePuller) FetchSince(_ context.Context, tenantID, entityType string, since time.Time) ([]CachedRecord, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.since = append(p.since, since)
	if p.err != nil {
		return nil, time.Time{}, p.err
	}
	return p.records, p.syncedAt, nil
}

func newTestOrchestrator(t *testing.T, sched Scheduler, puller PullClient) *Orchestrator {
	t.Helper()
	orch, err := NewOrchestrator(OrchestratorOptions{
		Store:     NewMemoryCacheStore(),
		Puller:    puller,
		Scheduler: sched,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("new orchestrator failed: %v", err)
	}
	t.Cleanup(orch.Close)
	return orch
}

func insertEvent(tenantID, id string, version uint64, payload string) ChangeEvent {
	return ChangeEvent{
		EventID:    "evt_" + id,
		TenantID:   tenantID,
		EntityType: "tickets",
		Op:         OpInserted,
		RecordID:   id,
		Record: &CachedRecord{
			TenantID:   tenantID,
			EntityType: "tickets",
			ID:         id,
			Payload:    []byte(payload),
			Version:    version,
		},
	}
}

func TestOrchestratorApplyLiveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	orch := newTestOrchestrator(t, NewManualScheduler(time.Now()), nil)

	event := insertEvent("acme", "T1", 1, `{"status":"open"}`)
	if err := orch.ApplyLive(ctx, event); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	if err := orch.ApplyLive(ctx, event); err != nil {
		t.Fatalf("duplicate apply must be a no-op, got %v", err)
	}
	entries := orch.Snapshot("acme", "tickets")
	if len(entries) != 1 || entries[0].Record.Version != 1 {
		t.Fatalf("expected single record at version 1, got %+v", entries)
	}
}

func TestOrchestratorStaleLiveEventLosesToPull(t *testing.T) {
	ctx := context.Background()
	orch := newTestOrchestrator(t, NewManualScheduler(time.Now()), nil)

	pulled := []CachedRecord{{
		TenantID:   "acme",
		EntityType: "tickets",
		ID:         "T1",
		Payload:    []byte(`{"status":"closed"}`),
		Version:    5,
	}}
	syncedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := orch.ApplyPull(ctx, "acme", "tickets", pulled, syncedAt); err != nil {
		t.Fatalf("apply pull failed: %v", err)
	}

	stale := insertEvent("acme", "T1", 3, `{"status":"open"}`)
	stale.Op = OpUpdated
	err := orch.ApplyLive(ctx, stale)
	if !errors.Is(err, ErrConflictDiscarded) {
		t.Fatalf("expected stale event discarded, got %v", err)
	}

	entries := orch.Snapshot("acme", "tickets")
	if len(entries) != 1 || entries[0].Record.Version != 5 {
		t.Fatalf("pulled version must survive, got %+v", entries)
	}
	if string(entries[0].Record.Payload) != `{"status":"closed"}` {
		t.Fatalf("pulled payload must survive, got %s", entries[0].Record.Payload)
	}
}

func TestOrchestratorApplyLiveDelete(t *testing.T) {
	ctx := context.Background()
	orch := newTestOrchestrator(t, NewManualScheduler(time.Now()), nil)

	if err := orch.ApplyLive(ctx, insertEvent("acme", "T1", 1, `{}`)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := orch.ApplyLive(ctx, ChangeEvent{
		EventID:    "evt_del",
		TenantID:   "acme",
		EntityType: "tickets",
		Op:         OpDeleted,
		RecordID:   "T1",
	}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if entries := orch.Snapshot("acme", "tickets"); len(entries) != 0 {
		t.Fatalf("expected empty view after delete, got %+v", entries)
	}
}

func TestOrchestratorOptimisticRetractionRunsOnce(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched := NewManualScheduler(start)
	orch := newTestOrchestrator(t, sched, nil)

	var failures []CachedRecord
	correlationID, err := orch.ApplyOptimistic(CachedRecord{
		TenantID:   "acme",
		EntityType: "tickets",
		ID:         "local_T9",
		Payload:    []byte(`{"status":"draft"}`),
	}, func(record CachedRecord, err error) {
		failures = append(failures, record)
	})
	if err != nil {
		t.Fatalf("apply optimistic failed: %v", err)
	}
	if correlationID == "" {
		t.Fatalf("expected a correlation ID")
	}

	entries := orch.Snapshot("acme", "tickets")
	if len(entries) != 1 || !entries[0].Pending {
		t.Fatalf("expected one pending entry, got %+v", entries)
	}
	if entries[0].CorrelationID != correlationID {
		t.Fatalf("pending entry must carry its correlation ID")
	}

	sched.Advance(10 * time.Second)
	if len(failures) != 1 || failures[0].ID != "local_T9" {
		t.Fatalf("expected exactly one retraction callback, got %+v", failures)
	}
	if entries := orch.Snapshot("acme", "tickets"); len(entries) != 0 {
		t.Fatalf("retracted entry must vanish, got %+v", entries)
	}

	sched.Advance(time.Minute)
	if len(failures) != 1 {
		t.Fatalf("retraction must run exactly once, got %d callbacks", len(failures))
	}
}

func TestOrchestratorOptimisticConfirmedByCorrelationID(t *testing.T) {
	ctx := context.Background()
	sched := NewManualScheduler(time.Now())
	orch := newTestOrchestrator(t, sched, nil)

	failed := false
	correlationID, err := orch.ApplyOptimistic(CachedRecord{
		TenantID:   "acme",
		EntityType: "tickets",
		ID:         "local_T9",
		Payload:    []byte(`{"status":"draft"}`),
	}, func(CachedRecord, error) { failed = true })
	if err != nil {
		t.Fatalf("apply optimistic failed: %v", err)
	}

	confirm := insertEvent("acme", "T9", 1, `{"status":"draft"}`)
	confirm.CorrelationID = correlationID
	if err := orch.ApplyLive(ctx, confirm); err != nil {
		t.Fatalf("confirming insert failed: %v", err)
	}

	entries := orch.Snapshot("acme", "tickets")
	if len(entries) != 1 || entries[0].Pending {
		t.Fatalf("expected confirmed entry, got %+v", entries)
	}
	if entries[0].Record.ID != "T9" {
		t.Fatalf("confirmation must adopt the canonical ID, got %q", entries[0].Record.ID)
	}

	sched.Advance(time.Minute)
	if failed {
		t.Fatalf("confirmed write must not be retracted")
	}
}

func TestOrchestratorOptimisticConfirmedByPayloadHeuristic(t *testing.T) {
	ctx := context.Background()
	sched := NewManualScheduler(time.Now())
	orch := newTestOrchestrator(t, sched, nil)

	failed := false
	if _, err := orch.ApplyOptimistic(CachedRecord{
		TenantID:   "acme",
		EntityType: "tickets",
		ID:         "local_T9",
		Payload:    []byte(`{"status":"draft"}`),
	}, func(CachedRecord, error) { failed = true }); err != nil {
		t.Fatalf("apply optimistic failed: %v", err)
	}

	// Server echo without a correlation ID still confirms via payload
	// equality.
	if err := orch.ApplyLive(ctx, insertEvent("acme", "T9", 1, `{"status":"draft"}`)); err != nil {
		t.Fatalf("confirming insert failed: %v", err)
	}

	entries := orch.Snapshot("acme", "tickets")
	if len(entries) != 1 || entries[0].Pending {
		t.Fatalf("expected confirmed entry, got %+v", entries)
	}
	sched.Advance(time.Minute)
	if failed {
		t.Fatalf("confirmed write must not be retracted")
	}
}

func TestOrchestratorPullOnceAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	syncedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	puller := &fakePuller{
		records: []CachedRecord{{
			TenantID:   "acme",
			EntityType: "tickets",
			ID:         "T1",
			Payload:    []byte(`{"status":"open"}`),
			Version:    2,
		}},
		syncedAt: syncedAt,
	}
	orch := newTestOrchestrator(t, NewManualScheduler(time.Now()), puller)

	if err := orch.PullOnce(ctx, "acme", "tickets"); err != nil {
		t.Fatalf("first pull failed: %v", err)
	}
	puller.mu.Lock()
	firstSince := puller.since[0]
	puller.mu.Unlock()
	if !firstSince.IsZero() {
		t.Fatalf("first pull must be a full pull, got since=%v", firstSince)
	}

	if err := orch.PullOnce(ctx, "acme", "tickets"); err != nil {
		t.Fatalf("second pull failed: %v", err)
	}
	puller.mu.Lock()
	secondSince := puller.since[1]
	puller.mu.Unlock()
	if !secondSince.Equal(syncedAt) {
		t.Fatalf("second pull must resume from the watermark %v, got %v", syncedAt, secondSince)
	}

	entries := orch.Snapshot("acme", "tickets")
	if len(entries) != 1 || entries[0].Record.Version != 2 {
		t.Fatalf("expected pulled record in view, got %+v", entries)
	}
}

// flakyStore fails a configurable number of writes with a CacheError and
// then behaves like the in-memory store.
type flakyStore struct {
	*MemoryCacheStore
	failMu       sync.Mutex
	putFailures  int
	bulkFailures int
}

func (s *flakyStore) Put(ctx context.Context, record CachedRecord, authoritative bool) (CachedRecord, error) {
	s.failMu.Lock()
	fail := s.putFailures > 0
	if fail {
		s.putFailures--
	}
	s.failMu.Unlock()
	if fail {
		return CachedRecord{}, &CacheError{Op: "put", Err: errors.New("database disk image is malformed")}
	}
	return s.MemoryCacheStore.Put(ctx, record, authoritative)
}

func (s *flakyStore) BulkPut(ctx context.Context, records []CachedRecord, authoritative bool) error {
	s.failMu.Lock()
	fail := s.bulkFailures > 0
	if fail {
		s.bulkFailures--
	}
	s.failMu.Unlock()
	if fail {
		return &CacheError{Op: "bulkPut", Err: errors.New("disk I/O error")}
	}
	return s.MemoryCacheStore.BulkPut(ctx, records, authoritative)
}

func TestOrchestratorCacheWriteFailureClearsTenantAndPullsFull(t *testing.T) {
	ctx := context.Background()
	syncedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	puller := &fakePuller{
		records: []CachedRecord{{
			TenantID:   "acme",
			EntityType: "tickets",
			ID:         "T1",
			Payload:    []byte(`{"status":"closed"}`),
			Version:    3,
		}},
		syncedAt: syncedAt,
	}
	store := &flakyStore{MemoryCacheStore: NewMemoryCacheStore(), putFailures: 1}
	orch, err := NewOrchestrator(OrchestratorOptions{
		Store:     store,
		Puller:    puller,
		Scheduler: NewManualScheduler(time.Now()),
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("new orchestrator failed: %v", err)
	}
	t.Cleanup(orch.Close)

	if err := orch.ApplyLive(ctx, insertEvent("acme", "T1", 1, `{"status":"open"}`)); err != nil {
		t.Fatalf("apply live must recover from the cache failure, got %v", err)
	}
	puller.mu.Lock()
	since := append([]time.Time(nil), puller.since...)
	puller.mu.Unlock()
	if len(since) != 1 || !since[0].IsZero() {
		t.Fatalf("expected one full recovery pull, got %v", since)
	}
	entries := orch.Snapshot("acme", "tickets")
	if len(entries) != 1 || entries[0].Record.Version != 3 {
		t.Fatalf("expected the pulled record after recovery, got %+v", entries)
	}
	if string(entries[0].Record.Payload) != `{"status":"closed"}` {
		t.Fatalf("expected the pulled payload after recovery, got %s", entries[0].Record.Payload)
	}
	mark, err := store.Watermark(ctx, "acme", "tickets")
	if err != nil {
		t.Fatalf("watermark after recovery failed: %v", err)
	}
	if !mark.Equal(syncedAt) {
		t.Fatalf("recovery must restore the watermark to %v, got %v", syncedAt, mark)
	}
}

func TestOrchestratorPullRecoversFromBulkPutFailure(t *testing.T) {
	ctx := context.Background()
	syncedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	puller := &fakePuller{
		records: []CachedRecord{{
			TenantID:   "acme",
			EntityType: "tickets",
			ID:         "T1",
			Payload:    []byte(`{"status":"open"}`),
			Version:    2,
		}},
		syncedAt: syncedAt,
	}
	store := &flakyStore{MemoryCacheStore: NewMemoryCacheStore(), bulkFailures: 1}
	orch, err := NewOrchestrator(OrchestratorOptions{
		Store:     store,
		Puller:    puller,
		Scheduler: NewManualScheduler(time.Now()),
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("new orchestrator failed: %v", err)
	}
	t.Cleanup(orch.Close)

	if err := orch.PullOnce(ctx, "acme", "tickets"); err != nil {
		t.Fatalf("pull must recover from the bulk write failure, got %v", err)
	}
	puller.mu.Lock()
	pulls := len(puller.since)
	puller.mu.Unlock()
	if pulls != 2 {
		t.Fatalf("expected the failed pull to be retried from scratch, got %d fetches", pulls)
	}
	entries := orch.Snapshot("acme", "tickets")
	if len(entries) != 1 || entries[0].Record.Version != 2 {
		t.Fatalf("expected pulled record after recovery, got %+v", entries)
	}
}
