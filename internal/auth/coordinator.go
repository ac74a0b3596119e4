package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/errs"
	"github.com/matheus3301/msync/internal/store"
	"go.uber.org/zap"
)

// RefreshFunc exchanges a refresh token for a new credential pair. It is
// the only network call the Coordinator makes; the gateway supplies it.
type RefreshFunc func(ctx context.Context, refreshToken string) (*store.Credential, error)

// Coordinator owns the credential lifecycle and the single-flight refresh
// gate: at most one refresh request is in flight process-wide, and every
// concurrent caller waits on that one outcome.
type Coordinator struct {
	store   Store
	refresh RefreshFunc
	margin  time.Duration
	timeout time.Duration
	bus     *bus.Bus
	logger  *zap.Logger

	mu       sync.Mutex
	cached   *store.Credential
	loaded   bool
	inflight *refreshCall
	expired  bool
}

type refreshCall struct {
	done chan struct{}
	cred *store.Credential
	err  error
}

// NewCoordinator creates a coordinator. margin is how much access-token
// lifetime must remain for the cached token to be returned without I/O;
// timeout bounds each refresh network call.
func NewCoordinator(s Store, refresh RefreshFunc, margin, timeout time.Duration, b *bus.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:   s,
		refresh: refresh,
		margin:  margin,
		timeout: timeout,
		bus:     b,
		logger:  logger,
	}
}

// Token returns a valid bearer token. If the cached access token has more
// than the safety margin remaining it is returned without any I/O.
// Otherwise a single-flight refresh runs; a transient refresh failure
// falls back to the previously-known (possibly stale) token so that
// offline-tolerant reads can still be attempted.
func (c *Coordinator) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.expired {
		c.mu.Unlock()
		return "", errs.ErrAuthExpired
	}
	if err := c.loadLocked(); err != nil {
		c.mu.Unlock()
		return "", err
	}
	if c.cached == nil {
		c.mu.Unlock()
		return "", errs.ErrAuthExpired
	}
	if c.freshLocked() {
		tok := c.cached.AccessToken
		c.mu.Unlock()
		return tok, nil
	}
	stale := c.cached.AccessToken
	call := c.joinRefreshLocked()
	c.mu.Unlock()

	cred, err := c.wait(ctx, call)
	if err == nil {
		return cred.AccessToken, nil
	}
	if errs.IsTransient(err) && stale != "" {
		c.logger.Warn("refresh failed transiently, returning stale token", zap.Error(err))
		return stale, nil
	}
	return "", err
}

// ForceRefresh refreshes unconditionally. Used by the gateway when a
// request came back 401: a stale token is of no use there, so transient
// failures propagate instead of falling back.
func (c *Coordinator) ForceRefresh(ctx context.Context) (*store.Credential, error) {
	c.mu.Lock()
	if c.expired {
		c.mu.Unlock()
		return nil, errs.ErrAuthExpired
	}
	if err := c.loadLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.cached == nil {
		c.mu.Unlock()
		return nil, errs.ErrAuthExpired
	}
	call := c.joinRefreshLocked()
	c.mu.Unlock()

	return c.wait(ctx, call)
}

// Adopt installs a credential obtained out of band (login, verification)
// and clears any terminal state from a previous session.
func (c *Coordinator) Adopt(cred *store.Credential) error {
	FillExpiries(cred)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.SetCredential(cred); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	c.cached = cred
	c.loaded = true
	c.expired = false
	return nil
}

// Logout clears the stored credential and puts the coordinator in the
// terminal unauthenticated state.
func (c *Coordinator) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
	c.expired = true
	return c.store.ClearCredential()
}

// Authenticated reports whether a usable credential is present.
func (c *Coordinator) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired {
		return false
	}
	_ = c.loadLocked()
	return c.cached != nil
}

func (c *Coordinator) loadLocked() error {
	if c.loaded {
		return nil
	}
	cred, err := c.store.GetCredential()
	if err != nil {
		return fmt.Errorf("read credential store: %w", err)
	}
	c.cached = cred
	c.loaded = true
	return nil
}

func (c *Coordinator) freshLocked() bool {
	return c.cached.AccessExpiresAt-time.Now().UnixMilli() > c.margin.Milliseconds()
}

// joinRefreshLocked returns the in-flight refresh call, starting one if
// none is outstanding. Callers must hold c.mu. The refresh runs detached
// from the triggering caller's context so that a cancelled caller does
// not fail every waiter.
func (c *Coordinator) joinRefreshLocked() *refreshCall {
	if c.inflight != nil {
		return c.inflight
	}
	call := &refreshCall{done: make(chan struct{})}
	c.inflight = call
	go c.runRefresh(call)
	return call
}

func (c *Coordinator) runRefresh(call *refreshCall) {
	c.mu.Lock()
	prev := c.cached
	c.mu.Unlock()

	cred, err := c.doRefresh(prev)

	c.mu.Lock()
	if err == nil {
		// The store is updated before any waiter is released.
		if serr := c.store.SetCredential(cred); serr != nil {
			err = fmt.Errorf("persist refreshed credential: %w", serr)
		} else {
			c.cached = cred
		}
	} else if errs.IsAuthExpired(err) && !c.expired {
		c.expired = true
		c.cached = nil
		if cerr := c.store.ClearCredential(); cerr != nil {
			c.logger.Error("failed to clear credential store", zap.Error(cerr))
		}
		// Surfaced once process-wide, not per caller.
		if c.bus != nil {
			c.bus.Publish(bus.Event{Kind: "session.auth_expired", Timestamp: time.Now()})
		}
	}
	call.cred = cred
	call.err = err
	c.inflight = nil
	c.mu.Unlock()

	close(call.done)
}

func (c *Coordinator) doRefresh(prev *store.Credential) (*store.Credential, error) {
	if prev == nil {
		return nil, errs.ErrAuthExpired
	}
	now := time.Now().UnixMilli()
	if prev.RefreshExpiresAt > 0 && now >= prev.RefreshExpiresAt {
		return nil, fmt.Errorf("refresh token expired: %w", errs.ErrAuthExpired)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	cred, err := c.refresh(ctx, prev.RefreshToken)
	if err != nil {
		var authz *errs.Authorization
		var conflict *errs.Conflict
		if errors.As(err, &authz) || errors.As(err, &conflict) {
			// The token endpoint rejected the refresh token itself.
			return nil, fmt.Errorf("refresh rejected: %w", errs.ErrAuthExpired)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &errs.Transient{Err: err}
		}
		if errs.IsTransient(err) {
			return nil, err
		}
		return nil, &errs.Transient{Err: err}
	}

	FillExpiries(cred)
	// Expiries are monotonically non-decreasing within a session.
	if cred.AccessExpiresAt < prev.AccessExpiresAt {
		cred.AccessExpiresAt = prev.AccessExpiresAt
	}
	if cred.RefreshExpiresAt < prev.RefreshExpiresAt {
		cred.RefreshExpiresAt = prev.RefreshExpiresAt
	}
	return cred, nil
}

func (c *Coordinator) wait(ctx context.Context, call *refreshCall) (*store.Credential, error) {
	select {
	case <-call.done:
		return call.cred, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
