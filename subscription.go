package tenantsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// HandleState is the lifecycle state of one subscription handle.
type HandleState int

const (
	HandlePending HandleState = iota
	HandleSubscribed
	HandleSuspended
	HandleReleased
)

func (s HandleState) String() string {
	switch s {
	case HandlePending:
		return "pending"
	case HandleSubscribed:
		return "subscribed"
	case HandleSuspended:
		return "suspended"
	case HandleReleased:
		return "released"
	default:
		return fmt.Sprintf("handleState(%d)", int(s))
	}
}

// EventApplier consumes classified change events. The sync orchestrator
// is the production implementation.
type EventApplier interface {
	ApplyLive(ctx context.Context, event ChangeEvent) error
}

// SubscriptionHandle is one caller-held registration. Events for it are
// dispatched on a dedicated goroutine so one slow consumer cannot stall
// the channel receive loop.
type SubscriptionHandle struct {
	id         string
	tenantID   string
	entityType string
	filter     map[string]string
	createdAt  time.Time

	mu    sync.Mutex
	state HandleState

	queue   chan Notification
	done    chan struct{}
	dropped atomic.Uint64
}

func (h *SubscriptionHandle) ID() string         { return h.id }
func (h *SubscriptionHandle) TenantID() string   { return h.tenantID }
func (h *SubscriptionHandle) EntityType() string { return h.entityType }

func (h *SubscriptionHandle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Dropped reports how many notifications were discarded because this
// handle's queue was full.
func (h *SubscriptionHandle) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *SubscriptionHandle) setState(state HandleState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == HandleReleased {
		return
	}
	h.state = state
}

func (h *SubscriptionHandle) wireSubscription() Subscription {
	filter := make(map[string]string, len(h.filter)+1)
	for k, v := range h.filter {
		filter[k] = v
	}
	// The tenant filter is mandatory on the wire regardless of what the
	// caller passed.
	filter["tenant_id"] = h.tenantID
	return Subscription{
		ID:         h.id,
		TenantID:   h.tenantID,
		EntityType: h.entityType,
		Filter:     filter,
	}
}

type RegistryOptions struct {
	Channel *ChannelManager
	Applier EventApplier
	Logger  *slog.Logger
	// QueueSize is the per-handle notification buffer. Overflow drops the
	// newest notification; a later pull repairs the gap.
	QueueSize int
}

// Registry owns all subscription handles: it routes raw envelopes from
// the channel to matching handles, enforces tenant scoping on both the
// wire filter and every delivered event, and resubscribes everything
// after a reconnect.
type Registry struct {
	channel   *ChannelManager
	applier   EventApplier
	log       *slog.Logger
	queueSize int
	events    *eventLog

	droppedTotal     atomic.Uint64
	tenantMismatches atomic.Uint64

	mu      sync.Mutex
	handles map[string]*SubscriptionHandle
	closed  bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Channel == nil {
		return nil, fmt.Errorf("%w: registry channel is required", ErrInvalidInput)
	}
	if opts.Applier == nil {
		return nil, fmt.Errorf("%w: registry applier is required", ErrInvalidInput)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	r := &Registry{
		channel:   opts.Channel,
		applier:   opts.Applier,
		log:       opts.Logger,
		queueSize: opts.QueueSize,
		events:    newEventLog(),
		handles:   map[string]*SubscriptionHandle{},
		runCtx:    runCtx,
		runCancel: runCancel,
	}
	opts.Channel.SetNotificationHandler(r.dispatchRaw)
	opts.Channel.OnStateChange(r.onStateChange)
	return r, nil
}

// Subscribe registers interest in one entity type for one tenant. The
// tenant must match the channel credential; a filter that names a
// different tenant_id is rejected outright.
func (r *Registry) Subscribe(ctx context.Context, tenantID, entityType string, filter map[string]string) (*SubscriptionHandle, error) {
	if tenantID == "" || entityType == "" {
		return nil, fmt.Errorf("%w: tenant and entity type are required", ErrInvalidInput)
	}
	if channelTenant := r.channel.TenantID(); channelTenant != "" && channelTenant != tenantID {
		return nil, fmt.Errorf("%w: subscription tenant %q does not match credential tenant %q",
			ErrTenantMismatch, tenantID, channelTenant)
	}
	if want, ok := filter["tenant_id"]; ok && want != tenantID {
		return nil, fmt.Errorf("%w: filter tenant_id %q does not match subscription tenant %q",
			ErrTenantMismatch, want, tenantID)
	}

	handle := &SubscriptionHandle{
		id:         uuid.NewString(),
		tenantID:   tenantID,
		entityType: entityType,
		filter:     filter,
		createdAt:  time.Now().UTC(),
		state:      HandlePending,
		queue:      make(chan Notification, r.queueSize),
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrChannelClosed
	}
	r.handles[handle.id] = handle
	r.mu.Unlock()

	r.wg.Add(1)
	go r.consume(handle)

	if r.channel.State() == StateConnected {
		if err := r.channel.Subscribe(ctx, handle.wireSubscription()); err != nil {
			r.log.Warn("subscribe send failed, handle stays pending", "subscription", handle.id, "err", err)
		} else {
			handle.setState(HandleSubscribed)
		}
	}
	return handle, nil
}

// Unsubscribe releases a handle. Unknown or already released handles are
// a no-op.
func (r *Registry) Unsubscribe(ctx context.Context, handleID string) error {
	r.mu.Lock()
	handle, ok := r.handles[handleID]
	if ok {
		delete(r.handles, handleID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.release(handle)
	if r.channel.State() == StateConnected {
		if err := r.channel.Unsubscribe(ctx, handleID); err != nil {
			r.log.Debug("unsubscribe send failed", "subscription", handleID, "err", err)
		}
	}
	return nil
}

func (r *Registry) release(handle *SubscriptionHandle) {
	handle.mu.Lock()
	if handle.state == HandleReleased {
		handle.mu.Unlock()
		return
	}
	handle.state = HandleReleased
	handle.mu.Unlock()
	close(handle.done)
}

// dispatchRaw is installed as the channel's notification handler. It
// validates the envelope once, then routes it to every matching handle
// with a per-event tenant check, trusting no upstream filter.
func (r *Registry) dispatchRaw(raw []byte) {
	notification, err := decodeNotification(raw)
	if err != nil {
		r.log.Warn("dropping malformed notification", "err", err)
		return
	}

	r.mu.Lock()
	handles := make([]*SubscriptionHandle, 0, len(r.handles))
	for _, handle := range r.handles {
		handles = append(handles, handle)
	}
	r.mu.Unlock()

	for _, handle := range handles {
		if handle.entityType != notification.EntityType {
			continue
		}
		if handle.State() == HandleReleased {
			continue
		}
		if notification.TenantID != handle.tenantID {
			// The server filter should make this impossible; treat it as
			// a cross-tenant leak and surface it in the event log.
			r.tenantMismatches.Add(1)
			r.log.Error("cross-tenant notification discarded",
				"eventId", notification.EventID,
				"notificationTenant", notification.TenantID,
				"subscriptionTenant", handle.tenantID)
			if event, cerr := classifyNotification(notification, time.Now().UTC()); cerr == nil {
				r.events.append(EventLogEntry{Event: event, Note: logNoteTenantMismatch})
			}
			continue
		}
		select {
		case handle.queue <- notification:
		default:
			handle.dropped.Add(1)
			r.droppedTotal.Add(1)
			r.log.Warn("subscription queue full, dropping notification",
				"subscription", handle.id, "eventId", notification.EventID)
		}
	}
}

func (r *Registry) consume(handle *SubscriptionHandle) {
	defer r.wg.Done()
	for {
		select {
		case <-handle.done:
			return
		case <-r.runCtx.Done():
			return
		case notification := <-handle.queue:
			r.apply(handle, notification)
		}
	}
}

func (r *Registry) apply(handle *SubscriptionHandle, notification Notification) {
	event, err := classifyNotification(notification, time.Now().UTC())
	if err != nil {
		r.log.Warn("dropping unclassifiable notification", "eventId", notification.EventID, "err", err)
		return
	}
	note := ""
	if err := r.applier.ApplyLive(r.runCtx, event); err != nil {
		if errors.Is(err, ErrConflictDiscarded) {
			note = logNoteConflictDiscarded
			r.log.Debug("stale live event discarded", "subscription", handle.id, "eventId", event.EventID)
		} else {
			r.log.Warn("applying live event failed", "subscription", handle.id, "eventId", event.EventID, "err", err)
		}
	}
	r.events.append(EventLogEntry{Event: event, Note: note})
}

// onStateChange reacts to channel transitions: a fresh connection
// resubscribes every live handle with its original filter, an errored
// channel suspends them, and a closed channel releases everything.
func (r *Registry) onStateChange(change StateChange) {
	switch change.State {
	case StateConnected:
		r.resubscribeAll()
	case StateError:
		r.eachHandle(func(handle *SubscriptionHandle) {
			handle.setState(HandleSuspended)
		})
	case StateClosed:
		r.Close()
	case StateConnecting:
		r.eachHandle(func(handle *SubscriptionHandle) {
			handle.setState(HandlePending)
		})
	}
}

func (r *Registry) resubscribeAll() {
	r.eachHandle(func(handle *SubscriptionHandle) {
		if handle.State() == HandleReleased {
			return
		}
		if err := r.channel.Subscribe(r.runCtx, handle.wireSubscription()); err != nil {
			r.log.Warn("resubscribe failed", "subscription", handle.id, "err", err)
			handle.setState(HandlePending)
			return
		}
		handle.setState(HandleSubscribed)
	})
}

func (r *Registry) eachHandle(fn func(*SubscriptionHandle)) {
	r.mu.Lock()
	handles := make([]*SubscriptionHandle, 0, len(r.handles))
	for _, handle := range r.handles {
		handles = append(handles, handle)
	}
	r.mu.Unlock()
	for _, handle := range handles {
		fn(handle)
	}
}

// Handles returns the live handles, newest first.
func (r *Registry) Handles() []*SubscriptionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := make([]*SubscriptionHandle, 0, len(r.handles))
	for _, handle := range r.handles {
		handles = append(handles, handle)
	}
	return handles
}

// RecentEvents returns the bounded log of recently observed change
// events, oldest first.
func (r *Registry) RecentEvents() []EventLogEntry {
	return r.events.snapshot()
}

// DroppedTotal reports notifications discarded across all handles because
// their queues were full.
func (r *Registry) DroppedTotal() uint64 {
	return r.droppedTotal.Load()
}

// TenantMismatches reports cross-tenant notifications discarded by the
// per-event tenant check.
func (r *Registry) TenantMismatches() uint64 {
	return r.tenantMismatches.Load()
}

// Close releases every handle and stops dispatch. Idempotent.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	handles := make([]*SubscriptionHandle, 0, len(r.handles))
	for _, handle := range r.handles {
		handles = append(handles, handle)
	}
	r.handles = map[string]*SubscriptionHandle{}
	r.mu.Unlock()
	for _, handle := range handles {
		r.release(handle)
	}
	r.runCancel()
	r.wg.Wait()
}
