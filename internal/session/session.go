// Package session owns the portal credential pair: acquisition through the
// login client, freshness tracking, proactive background refresh, and
// single-flight coalescing of concurrent refresh demands.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wirebot-io/wirebot/internal/retry"
)

const (
	// DefaultTTL is how long a credential pair is trusted after acquisition.
	DefaultTTL = 297 * time.Second
	// DefaultRefreshThreshold is when the proactive refresh fires, strictly
	// before the TTL so callers normally never observe a stale pair.
	DefaultRefreshThreshold = 285 * time.Second
)

// ErrAuthFailed is returned when the login handshake exhausts its retry budget.
var ErrAuthFailed = errors.New("session: authentication failed")

// Cookie is one named session token.
type Cookie struct {
	Name  string
	Value string
}

// CredentialPair is the two cookies required on every authenticated portal
// call. A pair is only usable when both halves are present.
type CredentialPair struct {
	Primary Cookie // carries the CSRF token value reused in form posts
	Session Cookie
}

// Valid reports whether both cookies are present.
func (p CredentialPair) Valid() bool {
	return p.Primary.Value != "" && p.Session.Value != ""
}

// Header renders the pair as a Cookie request header value.
func (p CredentialPair) Header() string {
	return fmt.Sprintf("%s=%s; %s=%s", p.Primary.Name, p.Primary.Value, p.Session.Name, p.Session.Value)
}

// LoginClient performs one full login handshake and returns a fresh pair.
type LoginClient interface {
	Login(ctx context.Context) (CredentialPair, error)
}

// flight is one in-progress refresh. Every caller that arrives while it runs
// waits on done and shares its outcome.
type flight struct {
	done chan struct{}
	pair CredentialPair
	err  error
}

// Manager caches the credential pair and guarantees at most one login
// handshake is in flight at any time.
type Manager struct {
	login  LoginClient
	clock  Clock
	ttl    time.Duration
	thresh time.Duration
	policy retry.Policy
	logger *slog.Logger

	mu         sync.Mutex
	pair       CredentialPair
	acquiredAt time.Time
	current    *flight
	timer      Timer
	baseCtx    context.Context
	stopped    bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock substitutes the wall clock (tests).
func WithClock(c Clock) Option { return func(m *Manager) { m.clock = c } }

// WithTTL overrides the freshness window.
func WithTTL(d time.Duration) Option { return func(m *Manager) { m.ttl = d } }

// WithRefreshThreshold overrides when the proactive refresh fires.
func WithRefreshThreshold(d time.Duration) Option { return func(m *Manager) { m.thresh = d } }

// WithRetryPolicy overrides the login retry policy.
func WithRetryPolicy(p retry.Policy) Option { return func(m *Manager) { m.policy = p } }

// NewManager creates a Manager around the given login client.
func NewManager(login LoginClient, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		login:   login,
		clock:   SystemClock{},
		ttl:     DefaultTTL,
		thresh:  DefaultRefreshThreshold,
		policy:  retry.Default,
		logger:  logger,
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start records the context used for background refreshes. It does not log in
// eagerly; the first caller of Credentials pays for the first handshake.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

// Stop cancels the proactive refresh timer. The cached pair is discarded.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pair = CredentialPair{}
}

// Credentials returns a fresh credential pair. A cached fresh pair is
// returned immediately; otherwise the caller joins the single in-flight
// refresh (starting one if needed) and shares its result or failure.
func (m *Manager) Credentials(ctx context.Context) (CredentialPair, error) {
	m.mu.Lock()
	if m.pair.Valid() && m.clock.Now().Sub(m.acquiredAt) < m.ttl {
		pair := m.pair
		m.mu.Unlock()
		return pair, nil
	}
	f := m.startRefreshLocked()
	m.mu.Unlock()

	select {
	case <-f.done:
	case <-ctx.Done():
		return CredentialPair{}, ctx.Err()
	}
	if f.err != nil {
		return CredentialPair{}, f.err
	}
	return f.pair, nil
}

// Age returns how long ago the cached pair was acquired, and whether a valid
// pair is cached at all.
func (m *Manager) Age() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pair.Valid() {
		return 0, false
	}
	return m.clock.Now().Sub(m.acquiredAt), true
}

// startRefreshLocked returns the current flight, creating one when none is
// running. Callers must hold m.mu.
func (m *Manager) startRefreshLocked() *flight {
	if m.current != nil {
		return m.current
	}
	f := &flight{done: make(chan struct{})}
	m.current = f
	ctx := m.baseCtx
	go m.refresh(ctx, f)
	return f
}

func (m *Manager) refresh(ctx context.Context, f *flight) {
	var pair CredentialPair
	err := m.policy.Do(ctx, func(ctx context.Context) error {
		p, err := m.login.Login(ctx)
		if err != nil {
			m.logger.Warn("login attempt failed", "error", err)
			return err
		}
		if !p.Valid() {
			return errors.New("session: login returned partial credential pair")
		}
		pair = p
		return nil
	})

	m.mu.Lock()
	m.current = nil
	if err != nil {
		f.err = fmt.Errorf("%w: %v", ErrAuthFailed, err)
		m.mu.Unlock()
		close(f.done)
		return
	}
	m.pair = pair
	m.acquiredAt = m.clock.Now()
	m.scheduleRefreshLocked()
	m.mu.Unlock()

	f.pair = pair
	close(f.done)
}

// scheduleRefreshLocked arms the proactive refresh timer, replacing any
// previous one so duplicate timers never accumulate. Callers must hold m.mu.
func (m *Manager) scheduleRefreshLocked() {
	if m.stopped {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	elapsed := m.clock.Now().Sub(m.acquiredAt)
	delay := m.thresh - elapsed
	if delay < 0 {
		delay = 0
	}
	m.timer = m.clock.AfterFunc(delay, m.proactiveRefresh)
}

// proactiveRefresh runs when the timer fires. A failure here must not bring
// the process down: it logs and leaves the stale cache for the next
// demand-driven attempt.
func (m *Manager) proactiveRefresh() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	f := m.startRefreshLocked()
	m.mu.Unlock()

	<-f.done
	if f.err != nil {
		m.logger.Error("proactive credential refresh failed", "error", f.err)
	} else {
		m.logger.Debug("credentials refreshed proactively")
	}
}
