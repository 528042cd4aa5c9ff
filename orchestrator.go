package tenantsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PullClient fetches authoritative record state from the backend. A zero
// since time means a full pull. The returned time is the server-side
// sync point to persist as the new watermark.
type PullClient interface {
	FetchSince(ctx context.Context, tenantID, entityType string, since time.Time) ([]CachedRecord, time.Time, error)
}

type OrchestratorOptions struct {
	Store     CacheStore
	Puller    PullClient
	Scheduler Scheduler
	Logger    *slog.Logger
	// OptimisticTimeout is how long an unconfirmed optimistic write may
	// stay visible before it is retracted.
	OptimisticTimeout time.Duration
}

// Orchestrator reconciles the three write paths into one converged local
// view: live events from the channel, authoritative pulls, and
// optimistic local writes. All writes for one tenant are serialized.
type Orchestrator struct {
	store     CacheStore
	puller    PullClient
	scheduler Scheduler
	log       *slog.Logger
	timeout   time.Duration
	replica   *replica

	mu       sync.Mutex
	tenantMu map[string]*sync.Mutex
	pending  map[string]*pendingWrite
	closed   bool
}

type pendingWrite struct {
	record CachedRecord
	cancel CancelFunc
	onFail func(record CachedRecord, err error)
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: orchestrator store is required", ErrInvalidInput)
	}
	if opts.Scheduler == nil {
		opts.Scheduler = NewScheduler()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OptimisticTimeout <= 0 {
		opts.OptimisticTimeout = 10 * time.Second
	}
	return &Orchestrator{
		store:     opts.Store,
		puller:    opts.Puller,
		scheduler: opts.Scheduler,
		log:       opts.Logger,
		timeout:   opts.OptimisticTimeout,
		replica:   newReplica(),
		tenantMu:  map[string]*sync.Mutex{},
		pending:   map[string]*pendingWrite{},
	}, nil
}

func (o *Orchestrator) lockTenant(tenantID string) func() {
	o.mu.Lock()
	mu, ok := o.tenantMu[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		o.tenantMu[tenantID] = mu
	}
	o.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// ApplyLive applies one classified change event from the channel. Stale
// events lose to the cached version and return a ConflictDiscardedError;
// duplicates are naturally idempotent under the same rule.
func (o *Orchestrator) ApplyLive(ctx context.Context, event ChangeEvent) error {
	if event.TenantID == "" || event.EntityType == "" || event.RecordID == "" {
		return ErrInvalidInput
	}
	unlock := o.lockTenant(event.TenantID)
	defer unlock()

	switch event.Op {
	case OpDeleted:
		if err := o.store.Delete(ctx, event.TenantID, event.EntityType, event.RecordID); err != nil {
			if isCacheError(err) {
				return o.recoverTenant(ctx, event.TenantID, event.EntityType, err)
			}
			return err
		}
		o.replica.remove(event.TenantID, event.EntityType, event.RecordID)
		return nil
	case OpInserted, OpUpdated:
		if event.Record == nil {
			return ErrInvalidInput
		}
		stored, err := o.store.Put(ctx, *event.Record, false)
		if err != nil {
			if isCacheError(err) {
				return o.recoverTenant(ctx, event.TenantID, event.EntityType, err)
			}
			return err
		}
		if event.Op == OpInserted && o.confirmOptimistic(event, stored) {
			return nil
		}
		o.replica.upsert(stored)
		return nil
	default:
		return fmt.Errorf("%w: unknown change op %q", ErrInvalidInput, event.Op)
	}
}

// confirmOptimistic matches an insert event against outstanding
// optimistic writes, by correlation ID when the server echoes it and by
// payload equality otherwise. Returns true when a pending entry was
// confirmed and replaced.
func (o *Orchestrator) confirmOptimistic(event ChangeEvent, stored CachedRecord) bool {
	o.mu.Lock()
	var match string
	if event.CorrelationID != "" {
		if _, ok := o.pending[event.CorrelationID]; ok {
			match = event.CorrelationID
		}
	} else {
		for correlationID, pw := range o.pending {
			if pw.record.TenantID == event.TenantID &&
				pw.record.EntityType == event.EntityType &&
				bytes.Equal(pw.record.Payload, stored.Payload) {
				match = correlationID
				break
			}
		}
	}
	var pw *pendingWrite
	if match != "" {
		pw = o.pending[match]
		delete(o.pending, match)
	}
	o.mu.Unlock()
	if pw == nil {
		return false
	}
	pw.cancel()
	o.replica.confirm(match, stored)
	o.log.Debug("optimistic write confirmed", "correlationId", match, "recordId", stored.ID)
	return true
}

// ApplyPull applies an authoritative batch: durable write first, then the
// watermark, then the in-memory view. A watermark is never advanced ahead
// of data it covers.
func (o *Orchestrator) ApplyPull(ctx context.Context, tenantID, entityType string, records []CachedRecord, syncedAt time.Time) error {
	if tenantID == "" || entityType == "" {
		return ErrInvalidInput
	}
	unlock := o.lockTenant(tenantID)
	defer unlock()

	if err := o.applyPullLocked(ctx, tenantID, entityType, records, syncedAt); err != nil {
		if isCacheError(err) {
			return o.recoverTenant(ctx, tenantID, entityType, err)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) applyPullLocked(ctx context.Context, tenantID, entityType string, records []CachedRecord, syncedAt time.Time) error {
	if err := o.store.BulkPut(ctx, records, true); err != nil {
		return err
	}
	if !syncedAt.IsZero() {
		if err := o.store.SetWatermark(ctx, tenantID, entityType, syncedAt); err != nil {
			return err
		}
	}
	canonical, err := o.store.GetForTenant(ctx, tenantID, entityType)
	if err != nil {
		return err
	}
	o.replica.replaceAll(tenantID, entityType, canonical)
	return nil
}

func isCacheError(err error) bool {
	var cacheErr *CacheError
	return errors.As(err, &cacheErr)
}

// recoverTenant is the fallback for a corrupted cache: drop everything
// the tenant has, watermark included, and rebuild from a full pull. The
// caller holds the tenant lock. A second cache failure during the
// rebuild is surfaced as-is.
func (o *Orchestrator) recoverTenant(ctx context.Context, tenantID, entityType string, cause error) error {
	o.log.Warn("cache failure, clearing tenant and falling back to a full pull",
		"tenant", tenantID, "entityType", entityType, "err", cause)
	if err := o.store.ClearTenant(ctx, tenantID); err != nil {
		return err
	}
	o.replica.clearTenant(tenantID)
	if o.puller == nil {
		return nil
	}
	records, syncedAt, err := o.puller.FetchSince(ctx, tenantID, entityType, time.Time{})
	if err != nil {
		return err
	}
	return o.applyPullLocked(ctx, tenantID, entityType, records, syncedAt)
}

// ApplyOptimistic records a local write immediately in the in-memory
// view, marked pending, and arms a retraction timer. If no confirming
// insert arrives in time the entry is removed and onFail runs exactly
// once. The durable cache is never touched by an unconfirmed write.
func (o *Orchestrator) ApplyOptimistic(record CachedRecord, onFail func(record CachedRecord, err error)) (string, error) {
	if err := validateRecord(record); err != nil {
		return "", err
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrChannelClosed
	}
	o.mu.Unlock()

	correlationID := uuid.NewString()
	if record.CachedAt.IsZero() {
		record.CachedAt = o.scheduler.Now().UTC()
	}
	o.replica.insertPending(record, correlationID)

	o.mu.Lock()
	pw := &pendingWrite{record: record, onFail: onFail}
	pw.cancel = o.scheduler.After(o.timeout, func() {
		o.retract(correlationID)
	})
	o.pending[correlationID] = pw
	o.mu.Unlock()
	return correlationID, nil
}

func (o *Orchestrator) retract(correlationID string) {
	o.mu.Lock()
	pw, ok := o.pending[correlationID]
	if ok {
		delete(o.pending, correlationID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	record, _ := o.replica.retract(correlationID)
	o.log.Warn("optimistic write retracted", "correlationId", correlationID, "recordId", pw.record.ID)
	if pw.onFail != nil {
		if record.ID == "" {
			record = pw.record
		}
		pw.onFail(record, fmt.Errorf("optimistic write %s unconfirmed after %s", correlationID, o.timeout))
	}
}

// PullOnce performs one catch-up pull for a tenant and entity type. An
// unreadable watermark is treated as cache corruption: the tenant's rows
// are cleared and a full pull rebuilds them.
func (o *Orchestrator) PullOnce(ctx context.Context, tenantID, entityType string) error {
	if o.puller == nil {
		return nil
	}
	since, err := o.store.Watermark(ctx, tenantID, entityType)
	if err != nil {
		if !isCacheError(err) {
			return err
		}
		unlock := o.lockTenant(tenantID)
		defer unlock()
		return o.recoverTenant(ctx, tenantID, entityType, err)
	}
	records, syncedAt, err := o.puller.FetchSince(ctx, tenantID, entityType, since)
	if err != nil {
		return err
	}
	return o.ApplyPull(ctx, tenantID, entityType, records, syncedAt)
}

// Snapshot returns the merged read view for one tenant and entity type,
// confirmed rows plus pending optimistic entries, newest first.
func (o *Orchestrator) Snapshot(tenantID, entityType string) []ReplicaEntry {
	return o.replica.snapshot(tenantID, entityType)
}

// Close cancels outstanding retraction timers. Pending entries are
// dropped without running their failure callbacks.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	pending := o.pending
	o.pending = map[string]*pendingWrite{}
	o.mu.Unlock()
	for _, pw := range pending {
		pw.cancel()
	}
}
