package tenantsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type Options struct {
	// TokenSource is required; every connection and pull authenticates
	// through it.
	TokenSource TokenSource

	// Transport carries the push channel. When nil, ChannelURL must name
	// a websocket endpoint and the default transport is used.
	Transport  Transport
	ChannelURL string
	// Header is sent with the websocket handshake when the default
	// transport is built from ChannelURL.
	Header http.Header

	// Store is the durable cache. When nil, CacheDSN is consulted; when
	// that is empty too, records live in memory only.
	Store    CacheStore
	CacheDSN string

	// Puller fetches authoritative state. When nil, PullBaseURL must
	// name the REST API, or pulls are disabled entirely.
	Puller      PullClient
	PullBaseURL string

	Scheduler Scheduler
	Logger    *slog.Logger

	// PullInterval enables periodic catch-up pulls for every subscribed
	// entity type. Zero disables them; reconnects still trigger pulls.
	PullInterval time.Duration

	OptimisticTimeout time.Duration
	RefreshMargin     time.Duration
	MinRefreshDelay   time.Duration
	QueueSize         int
}

// Client is the assembled subsystem: one push channel, a subscription
// registry, a durable cache, and the orchestrator reconciling them.
type Client struct {
	channel      *ChannelManager
	registry     *Registry
	orchestrator *Orchestrator
	store        CacheStore
	scheduler    Scheduler
	log          *slog.Logger
	pullInterval time.Duration

	mu          sync.Mutex
	pullTargets map[replicaKey]int
	started     bool
	stopped     bool
	cancelPull  CancelFunc

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(opts Options) (*Client, error) {
	if opts.TokenSource == nil {
		return nil, fmt.Errorf("%w: token source is required", ErrInvalidInput)
	}
	if opts.Transport == nil {
		if opts.ChannelURL == "" {
			return nil, fmt.Errorf("%w: a transport or channel URL is required", ErrInvalidInput)
		}
		opts.Transport = NewWebsocketTransport(opts.ChannelURL, opts.Header)
	}
	if opts.Scheduler == nil {
		opts.Scheduler = NewScheduler()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	store := opts.Store
	if store == nil {
		built, err := BuildCacheStoreFromDSN(opts.CacheDSN)
		if err != nil {
			return nil, err
		}
		store = built
	}
	if store == nil {
		store = NewMemoryCacheStore()
	}

	puller := opts.Puller
	if puller == nil && opts.PullBaseURL != "" {
		built, err := NewHTTPPullClient(HTTPPullClientOptions{
			BaseURL:     opts.PullBaseURL,
			TokenSource: opts.TokenSource,
		})
		if err != nil {
			return nil, err
		}
		puller = built
	}

	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Store:             store,
		Puller:            puller,
		Scheduler:         opts.Scheduler,
		Logger:            opts.Logger,
		OptimisticTimeout: opts.OptimisticTimeout,
	})
	if err != nil {
		return nil, err
	}

	channel, err := NewChannelManager(ChannelOptions{
		Transport:       opts.Transport,
		TokenSource:     opts.TokenSource,
		Scheduler:       opts.Scheduler,
		Logger:          opts.Logger,
		RefreshMargin:   opts.RefreshMargin,
		MinRefreshDelay: opts.MinRefreshDelay,
	})
	if err != nil {
		return nil, err
	}

	registry, err := NewRegistry(RegistryOptions{
		Channel:   channel,
		Applier:   orchestrator,
		Logger:    opts.Logger,
		QueueSize: opts.QueueSize,
	})
	if err != nil {
		return nil, err
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	c := &Client{
		channel:      channel,
		registry:     registry,
		orchestrator: orchestrator,
		store:        store,
		scheduler:    opts.Scheduler,
		log:          opts.Logger,
		pullInterval: opts.PullInterval,
		pullTargets:  map[replicaKey]int{},
		runCtx:       runCtx,
		runCancel:    runCancel,
	}
	// Every reconnect may have missed events, so each transition to
	// Connected triggers a catch-up pull for everything subscribed.
	channel.OnStateChange(func(change StateChange) {
		if change.State != StateConnected {
			return
		}
		c.pullAllAsync()
	})
	return c, nil
}

// Start connects the push channel and arms the periodic pull loop. It
// blocks until the first connection is authenticated.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := c.channel.Connect(ctx); err != nil {
		return err
	}
	if c.pullInterval > 0 {
		c.schedulePull()
	}
	return nil
}

func (c *Client) schedulePull() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.cancelPull = c.scheduler.After(c.pullInterval, func() {
		c.pullAllAsync()
		c.schedulePull()
	})
}

func (c *Client) pullAllAsync() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	targets := make([]replicaKey, 0, len(c.pullTargets))
	for key := range c.pullTargets {
		targets = append(targets, key)
	}
	c.mu.Unlock()
	if len(targets) == 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for _, key := range targets {
			if err := c.orchestrator.PullOnce(c.runCtx, key.tenantID, key.entityType); err != nil {
				if c.runCtx.Err() != nil {
					return
				}
				c.log.Warn("catch-up pull failed", "tenant", key.tenantID, "entityType", key.entityType, "err", err)
			}
		}
	}()
}

// Subscribe registers a tenant-scoped subscription and immediately pulls
// current state for the entity type so the local view starts warm.
func (c *Client) Subscribe(ctx context.Context, tenantID, entityType string, filter map[string]string) (*SubscriptionHandle, error) {
	handle, err := c.registry.Subscribe(ctx, tenantID, entityType, filter)
	if err != nil {
		return nil, err
	}
	key := replicaKey{tenantID: tenantID, entityType: entityType}
	c.mu.Lock()
	c.pullTargets[key]++
	c.mu.Unlock()
	if err := c.orchestrator.PullOnce(ctx, tenantID, entityType); err != nil {
		c.log.Warn("initial pull failed, relying on live events", "tenant", tenantID, "entityType", entityType, "err", err)
	}
	return handle, nil
}

// Unsubscribe releases a handle. The entity type stops being pulled once
// no handle references it.
func (c *Client) Unsubscribe(ctx context.Context, handle *SubscriptionHandle) error {
	if handle == nil {
		return nil
	}
	if err := c.registry.Unsubscribe(ctx, handle.ID()); err != nil {
		return err
	}
	key := replicaKey{tenantID: handle.TenantID(), entityType: handle.EntityType()}
	c.mu.Lock()
	if n := c.pullTargets[key]; n <= 1 {
		delete(c.pullTargets, key)
	} else {
		c.pullTargets[key] = n - 1
	}
	c.mu.Unlock()
	return nil
}

// ApplyOptimistic makes a local write visible before the server confirms
// it. See Orchestrator.ApplyOptimistic for the retraction contract.
func (c *Client) ApplyOptimistic(record CachedRecord, onFail func(record CachedRecord, err error)) (string, error) {
	return c.orchestrator.ApplyOptimistic(record, onFail)
}

// Records returns the merged local view for one tenant and entity type.
func (c *Client) Records(tenantID, entityType string) []ReplicaEntry {
	return c.orchestrator.Snapshot(tenantID, entityType)
}

// RecentEvents returns the bounded log of recently observed changes.
func (c *Client) RecentEvents() []EventLogEntry {
	return c.registry.RecentEvents()
}

func (c *Client) State() ConnectionState {
	return c.channel.State()
}

// Stop shuts the subsystem down: channel, registry, pending optimistic
// timers, then the store. Idempotent.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	if c.cancelPull != nil {
		c.cancelPull()
		c.cancelPull = nil
	}
	c.mu.Unlock()

	c.channel.Disconnect()
	c.registry.Close()
	c.runCancel()
	c.wg.Wait()
	c.orchestrator.Close()
	return c.store.Close()
}
