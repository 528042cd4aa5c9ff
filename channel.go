package tenantsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ConnectionState is the lifecycle state of the push channel.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateChange is delivered to OnStateChange listeners on every
// transition. Reason is a short machine-readable cause.
type StateChange struct {
	State  ConnectionState
	Reason string
	At     time.Time
}

// Subscription describes one server-side notification route. Filter
// always carries the tenant_id key by the time it reaches the wire.
type Subscription struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenantId"`
	EntityType string            `json:"entityType"`
	Filter     map[string]string `json:"filter,omitempty"`
}

// Transport is the wire connection beneath the channel manager. Dial
// authenticates; Receive blocks for the next raw notification envelope
// and returns ErrAuthRejected when the server revokes the session.
type Transport interface {
	Dial(ctx context.Context, authToken string) error
	UpdateAuth(ctx context.Context, authToken string) error
	Subscribe(ctx context.Context, sub Subscription) error
	Unsubscribe(ctx context.Context, subscriptionID string) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

type ChannelOptions struct {
	Transport   Transport
	TokenSource TokenSource
	Scheduler   Scheduler
	Logger      *slog.Logger

	// RefreshMargin is how far before token expiry a refresh fires.
	RefreshMargin time.Duration
	// MinRefreshDelay floors the refresh timer so near-expired tokens do
	// not spin.
	MinRefreshDelay time.Duration
	// ParseFallback is the refresh interval used when the token cannot be
	// decoded at all.
	ParseFallback time.Duration
	// AuthRetryLimit bounds reconnect attempts after the server rejects
	// credentials.
	AuthRetryLimit int
	// BackoffBase and BackoffCap shape the reconnect backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.Scheduler == nil {
		o.Scheduler = NewScheduler()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.RefreshMargin <= 0 {
		o.RefreshMargin = 5 * time.Minute
	}
	if o.MinRefreshDelay <= 0 {
		o.MinRefreshDelay = time.Second
	}
	if o.ParseFallback <= 0 {
		o.ParseFallback = 50 * time.Minute
	}
	if o.AuthRetryLimit <= 0 {
		o.AuthRetryLimit = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	return o
}

// ChannelManager owns the single authenticated push connection: it
// dials, keeps credentials fresh ahead of expiry, reconnects with
// backoff, and hands raw notification envelopes to the registry.
type ChannelManager struct {
	opts ChannelOptions
	log  *slog.Logger

	mu              sync.Mutex
	state           ConnectionState
	token           Token
	generation      int
	cancelRefresh   CancelFunc
	refreshFailures int
	runCtx          context.Context
	runCancel       context.CancelFunc
	listeners       []func(StateChange)
	handler         func(raw []byte)
}

func NewChannelManager(opts ChannelOptions) (*ChannelManager, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: channel transport is required", ErrInvalidInput)
	}
	if opts.TokenSource == nil {
		return nil, fmt.Errorf("%w: channel token source is required", ErrInvalidInput)
	}
	opts = opts.withDefaults()
	runCtx, runCancel := context.WithCancel(context.Background())
	return &ChannelManager{
		opts:      opts,
		log:       opts.Logger,
		state:     StateDisconnected,
		runCtx:    runCtx,
		runCancel: runCancel,
	}, nil
}

// OnStateChange registers a listener. Listeners run outside the manager
// lock, in registration order, on the goroutine performing the
// transition.
func (c *ChannelManager) OnStateChange(fn func(StateChange)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// SetNotificationHandler installs the consumer of raw envelopes. The
// registry calls this once during construction.
func (c *ChannelManager) SetNotificationHandler(fn func(raw []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

func (c *ChannelManager) setState(state ConnectionState, reason string) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	listeners := make([]func(StateChange), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()
	change := StateChange{State: state, Reason: reason, At: c.opts.Scheduler.Now()}
	c.log.Debug("channel state change", "state", state.String(), "reason", reason)
	for _, fn := range listeners {
		fn(change)
	}
}

func (c *ChannelManager) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TenantID returns the tenant of the current credential, or "" before the
// first successful parse.
func (c *ChannelManager) TenantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token.TenantID
}

// Connect dials the channel. It blocks until the first connection is
// authenticated or a hard failure occurs; transient token fetch errors
// retry with backoff inside the call.
func (c *ChannelManager) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.mu.Unlock()
	c.setState(StateConnecting, "connect")
	if err := c.connectOnce(ctx); err != nil {
		c.setState(StateError, connectFailureReason(err))
		return err
	}
	return nil
}

// connectFailureReason names the cause of a failed connect for state
// listeners: a missing credential, a rejected or invalid one, or a
// transport fault.
func connectFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrNoToken):
		return "no-token"
	case errors.Is(err, ErrAuthRejected) || hardAuthFailure(err):
		return "auth-failed"
	default:
		return "connect-failed"
	}
}

// connectOnce fetches and parses a credential, dials the transport, and
// starts the receive loop for the new connection generation.
func (c *ChannelManager) connectOnce(ctx context.Context) error {
	raw, err := c.fetchToken(ctx)
	if err != nil {
		return err
	}
	token, parseErr := ParseToken(raw)
	if parseErr != nil && hardAuthFailure(parseErr) {
		return parseErr
	}
	if parseErr != nil {
		// Structurally opaque tokens still authenticate; the server is
		// the authority. Refresh falls back to a fixed interval.
		c.log.Warn("token parse failed, using fallback refresh interval", "err", parseErr)
		token = Token{Raw: raw}
	}
	if err := c.opts.Transport.Dial(ctx, raw); err != nil {
		return &ChannelError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	c.token = token
	c.generation++
	generation := c.generation
	c.refreshFailures = 0
	c.mu.Unlock()

	c.setState(StateConnected, "connected")
	c.scheduleRefresh(token)
	go c.receiveLoop(generation)
	return nil
}

func (c *ChannelManager) fetchToken(ctx context.Context) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffBase
	b.Multiplier = 2
	b.MaxInterval = c.opts.BackoffCap
	return backoff.Retry(ctx, func() (string, error) {
		raw, err := c.opts.TokenSource(ctx)
		if err != nil {
			return "", err
		}
		if raw == "" {
			// No credential means unauthenticated, not transient.
			return "", backoff.Permanent(ErrNoToken)
		}
		return raw, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(c.opts.AuthRetryLimit)))
}

// scheduleRefresh arms the proactive credential refresh. The timer fires
// RefreshMargin before expiry but never sooner than MinRefreshDelay from
// now; undecodable tokens refresh on the fixed fallback interval.
func (c *ChannelManager) scheduleRefresh(token Token) {
	now := c.opts.Scheduler.Now()
	var delay time.Duration
	if token.ExpiresAt.IsZero() {
		delay = c.opts.ParseFallback
	} else {
		delay = token.ExpiresAt.Add(-c.opts.RefreshMargin).Sub(now)
		if delay < c.opts.MinRefreshDelay {
			delay = c.opts.MinRefreshDelay
		}
	}
	c.mu.Lock()
	if c.cancelRefresh != nil {
		c.cancelRefresh()
	}
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.cancelRefresh = c.opts.Scheduler.After(delay, c.refresh)
	c.mu.Unlock()
}

// refresh swaps the credential on the live connection. Fetch or parse
// failures keep the connection up and re-arm a retry; the server will
// reject us if the old credential actually lapses, and the auth-failure
// path takes over from there.
func (c *ChannelManager) refresh() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	ctx := c.runCtx
	c.mu.Unlock()

	raw, err := c.opts.TokenSource(ctx)
	if err == nil && raw == "" {
		err = ErrNoToken
	}
	if err != nil {
		c.retryRefresh(err)
		return
	}
	token, parseErr := ParseToken(raw)
	if parseErr != nil && hardAuthFailure(parseErr) {
		c.retryRefresh(parseErr)
		return
	}
	if parseErr != nil {
		token = Token{Raw: raw}
	}
	if err := c.opts.Transport.UpdateAuth(ctx, raw); err != nil {
		c.retryRefresh(err)
		return
	}
	c.mu.Lock()
	c.token = token
	c.refreshFailures = 0
	c.mu.Unlock()
	c.log.Debug("credential refreshed", "tenant", token.TenantID, "expiresAt", token.ExpiresAt)
	c.scheduleRefresh(token)
}

func (c *ChannelManager) retryRefresh(cause error) {
	c.mu.Lock()
	c.refreshFailures++
	failures := c.refreshFailures
	c.mu.Unlock()
	delay := c.opts.BackoffBase << (failures - 1)
	if delay > c.opts.BackoffCap || delay <= 0 {
		delay = c.opts.BackoffCap
	}
	c.log.Warn("credential refresh failed", "err", cause, "retryIn", delay)
	c.mu.Lock()
	if c.cancelRefresh != nil {
		c.cancelRefresh()
	}
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.cancelRefresh = c.opts.Scheduler.After(delay, c.refresh)
	c.mu.Unlock()
}

// receiveLoop pumps raw envelopes from the transport to the handler for
// one connection generation. It exits when a newer generation supersedes
// it or the manager closes.
func (c *ChannelManager) receiveLoop(generation int) {
	for {
		c.mu.Lock()
		if c.state == StateClosed || c.generation != generation {
			c.mu.Unlock()
			return
		}
		ctx := c.runCtx
		handler := c.handler
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		frame, rerr := c.opts.Transport.Receive(ctx)
		if rerr != nil {
			if ctx.Err() != nil || errors.Is(rerr, ErrChannelClosed) {
				return
			}
			c.mu.Lock()
			stale := c.generation != generation || c.state == StateClosed
			c.mu.Unlock()
			if stale {
				return
			}
			if errors.Is(rerr, ErrAuthRejected) {
				c.handleAuthFailure(rerr)
			} else {
				c.log.Warn("channel receive failed, reconnecting", "err", rerr)
				c.reconnect("transport-error")
			}
			return
		}
		if handler != nil {
			handler(frame)
		}
	}
}

// handleAuthFailure responds to a server-side credential rejection:
// tear the connection down and retry a bounded number of times with a
// freshly fetched token before giving up.
func (c *ChannelManager) handleAuthFailure(cause error) {
	c.log.Warn("server rejected credentials", "err", cause)
	c.opts.Transport.Close()
	c.setState(StateConnecting, "auth-rejected")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffBase
	b.Multiplier = 2
	b.MaxInterval = c.opts.BackoffCap
	_, err := backoff.Retry(c.runCtx, func() (struct{}, error) {
		if err := c.connectOnce(c.runCtx); err != nil {
			if hardAuthFailure(err) || errors.Is(err, ErrNoToken) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(c.opts.AuthRetryLimit)))
	if err != nil {
		c.log.Error("reauthentication failed", "err", err)
		c.setState(StateError, "auth-failed")
	}
}

// reconnect retries the connection indefinitely with exponential backoff
// until it succeeds or the manager closes.
func (c *ChannelManager) reconnect(reason string) {
	c.opts.Transport.Close()
	c.setState(StateConnecting, reason)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffBase
	b.Multiplier = 2
	b.MaxInterval = c.opts.BackoffCap
	_, err := backoff.Retry(c.runCtx, func() (struct{}, error) {
		c.mu.Lock()
		closed := c.state == StateClosed
		c.mu.Unlock()
		if closed {
			return struct{}{}, backoff.Permanent(ErrChannelClosed)
		}
		if err := c.connectOnce(c.runCtx); err != nil {
			if hardAuthFailure(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b))
	if err != nil && !errors.Is(err, ErrChannelClosed) && c.runCtx.Err() == nil {
		c.setState(StateError, "reconnect-failed")
	}
}

// Subscribe forwards a subscription to the server. The channel must be
// connected; the registry retries pending handles on the next reconnect.
func (c *ChannelManager) Subscribe(ctx context.Context, sub Subscription) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateClosed {
		return ErrChannelClosed
	}
	if state != StateConnected {
		return &ChannelError{Op: "subscribe", Err: fmt.Errorf("channel is %s", state)}
	}
	return c.opts.Transport.Subscribe(ctx, sub)
}

func (c *ChannelManager) Unsubscribe(ctx context.Context, subscriptionID string) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateClosed {
		return ErrChannelClosed
	}
	if state != StateConnected {
		return &ChannelError{Op: "unsubscribe", Err: fmt.Errorf("channel is %s", state)}
	}
	return c.opts.Transport.Unsubscribe(ctx, subscriptionID)
}

// Disconnect closes the channel permanently. It is idempotent; a closed
// manager cannot be reconnected.
func (c *ChannelManager) Disconnect() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	if c.cancelRefresh != nil {
		c.cancelRefresh()
		c.cancelRefresh = nil
	}
	c.generation++
	c.mu.Unlock()
	c.runCancel()
	c.opts.Transport.Close()
	c.setState(StateClosed, "disconnect")
	return nil
}
