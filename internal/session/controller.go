// Package session drives the QR login session shown on the terminal: it
// rotates the displayed credential, watches the remote status, and counts
// down to the next rotation.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/smartatm/internal/clock"
	"github.com/ent0n29/smartatm/internal/iam"
	"github.com/ent0n29/smartatm/internal/observability"
	"github.com/ent0n29/smartatm/internal/policy"
	"github.com/ent0n29/smartatm/internal/polling"
	"github.com/ent0n29/smartatm/internal/protocol"
	"github.com/ent0n29/smartatm/internal/reliability"
)

// State is the local lifecycle state. It only moves forward:
// PENDING -> VERIFIED or PENDING -> EXPIRED.
type State string

const (
	StatePending  State = "PENDING"
	StateVerified State = "VERIFIED"
	StateExpired  State = "EXPIRED"
)

func (s State) Terminal() bool {
	return s == StateVerified || s == StateExpired
}

var (
	ErrInvalidCustomer = errors.New("customer id is required")
	// ErrSuperseded is returned by Start when another Start or a Cancel
	// happened while the session was being issued.
	ErrSuperseded = errors.New("session start superseded")
)

type Session struct {
	ID                  string
	CustomerID          string
	Credential          string
	IssuedAt            time.Time
	SessionExpiresAt    time.Time
	CredentialExpiresAt time.Time
	RefreshInterval     time.Duration
	StatusPollInterval  time.Duration
	State               State
	CountdownSec        int
	Cancelled           bool
	EndedAt             *time.Time
}

type Config struct {
	RefreshInterval    time.Duration
	StatusPollInterval time.Duration
	CountdownTick      time.Duration
	// MaxLifetime bounds status polling when the issuer reports no expiry.
	MaxLifetime time.Duration
}

func DefaultConfig() Config {
	return Config{
		RefreshInterval:    60 * time.Second,
		StatusPollInterval: 10 * time.Second,
		CountdownTick:      time.Second,
		MaxLifetime:        5 * time.Minute,
	}
}

// Publisher receives display events.
type Publisher interface {
	Publish(msg any)
}

// VerifiedHook runs after a session verifies, outside the controller lock.
type VerifiedHook func(Session, iam.SessionStatus)

type entry struct {
	s     Session
	token *clock.Token
}

// Controller owns at most one live login session per terminal.
type Controller struct {
	cfg     Config
	issuer  iam.SessionIssuer
	sched   *clock.Scheduler
	events  Publisher
	metrics *observability.Metrics
	logger  *zap.Logger

	mu         sync.Mutex
	gen        uint64
	current    *entry
	last       *Session
	onVerified VerifiedHook
}

func NewController(cfg Config, issuer iam.SessionIssuer, sched *clock.Scheduler, events Publisher, metrics *observability.Metrics, logger *zap.Logger) *Controller {
	def := DefaultConfig()
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = def.StatusPollInterval
	}
	if cfg.CountdownTick <= 0 {
		cfg.CountdownTick = def.CountdownTick
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = def.MaxLifetime
	}
	if sched == nil {
		sched = clock.NewScheduler(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:     cfg,
		issuer:  issuer,
		sched:   sched,
		events:  events,
		metrics: metrics,
		logger:  logger,
	}
}

func (c *Controller) SetVerifiedHook(hook VerifiedHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onVerified = hook
}

// Start replaces any current session with a freshly issued one.
func (c *Controller) Start(ctx context.Context, customerID string) (Session, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return Session{}, ErrInvalidCustomer
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.releaseLocked()
	c.mu.Unlock()

	started := c.sched.Now()
	grant, err := c.issuer.StartSession(ctx, customerID)
	c.metrics.ObserveStage("session_start", c.sched.Clock().Since(started))
	if err != nil {
		c.metrics.ObserveRemoteError("session_start", err)
		return Session{}, fmt.Errorf("start session: %w", err)
	}
	if grant.SessionID == "" || grant.Credential == "" {
		return Session{}, fmt.Errorf("start session: %w: empty session id or credential", reliability.ErrProtocol)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return Session{}, ErrSuperseded
	}

	now := c.sched.Now().UTC()
	expiresAt := grant.SessionExpiresAt
	if expiresAt.IsZero() || !expiresAt.After(now) {
		expiresAt = now.Add(c.cfg.MaxLifetime)
	}
	s := Session{
		ID:                  grant.SessionID,
		CustomerID:          customerID,
		Credential:          grant.Credential,
		IssuedAt:            now,
		SessionExpiresAt:    expiresAt,
		CredentialExpiresAt: grant.CredentialExpiresAt,
		RefreshInterval:     c.cfg.RefreshInterval,
		StatusPollInterval:  c.cfg.StatusPollInterval,
		State:               StatePending,
		CountdownSec:        c.countdownReset(),
	}
	tok := clock.NewToken(context.Background(), s.ID)
	c.current = &entry{s: s, token: tok}

	c.sched.Every(tok, c.cfg.RefreshInterval, c.refresh)
	c.sched.Every(tok, c.cfg.CountdownTick, c.tick)
	// The first status check waits one poll interval, like every later one.
	c.sched.At(tok, now.Add(c.cfg.StatusPollInterval), c.watchStatus)

	c.metrics.SetActiveSessions(1)
	c.publishLocked(protocol.SessionStarted, s, "")
	c.logger.Info("login session started",
		zap.String("session_id", s.ID),
		zap.String("customer_id", customerID),
		zap.String("credential", policy.MaskSecret(s.Credential)),
		zap.Time("expires_at", s.SessionExpiresAt),
	)
	return s, nil
}

// Cancel releases the session with the given id. An empty id cancels
// whatever is current, including a Start still waiting on the issuer.
// Unknown or already finished ids are a no-op.
func (c *Controller) Cancel(sessionID string) bool {
	sessionID = strings.TrimSpace(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if sessionID == "" {
		c.gen++
	} else if c.current == nil || c.current.s.ID != sessionID {
		return false
	}
	return c.releaseLocked()
}

// Snapshot returns a copy of the current session, or of the last one after
// it ended.
func (c *Controller) Snapshot() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return c.current.s, true
	}
	if c.last != nil {
		return *c.last, true
	}
	return Session{}, false
}

// Close cancels the current session and waits for its timers to stop.
func (c *Controller) Close() {
	c.Cancel("")
	c.sched.Wait()
}

func (c *Controller) releaseLocked() bool {
	e := c.current
	if e == nil {
		return false
	}
	e.token.Cancel()
	now := c.sched.Now().UTC()
	snap := e.s
	snap.Cancelled = true
	snap.EndedAt = &now
	c.last = &snap
	c.current = nil
	c.metrics.SetActiveSessions(0)
	c.publishLocked(protocol.SessionCancelled, snap, "")
	c.logger.Info("login session cancelled", zap.String("session_id", snap.ID))
	return true
}

// liveLocked returns the entry owned by tok if it may still be mutated.
func (c *Controller) liveLocked(tok *clock.Token) *entry {
	if c.current == nil || c.current.token != tok || !tok.Live() || c.current.s.State.Terminal() {
		return nil
	}
	return c.current
}

func (c *Controller) refresh(tok *clock.Token) {
	started := c.sched.Now()
	grant, err := c.issuer.NextCredential(tok.Context(), tok.ID())
	c.metrics.ObserveStage("credential_refresh", c.sched.Clock().Since(started))
	if err == nil && grant.Credential == "" {
		err = fmt.Errorf("%w: empty credential", reliability.ErrProtocol)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.liveLocked(tok)
	if e == nil {
		return
	}
	if err != nil {
		c.metrics.ObserveRemoteError("credential_refresh", err)
		c.publishLocked(protocol.SessionRefreshFailed, e.s, policy.RedactAll(err.Error()))
		c.logger.Warn("credential refresh failed", zap.String("session_id", e.s.ID), zap.Error(err))
		return
	}
	e.s.Credential = grant.Credential
	e.s.CredentialExpiresAt = grant.CredentialExpiresAt
	e.s.CountdownSec = c.countdownReset()
	c.publishLocked(protocol.SessionCredentialRotated, e.s, "")
	c.logger.Debug("credential rotated",
		zap.String("session_id", e.s.ID),
		zap.String("credential", policy.MaskSecret(grant.Credential)),
	)
}

func (c *Controller) tick(tok *clock.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.liveLocked(tok)
	if e == nil {
		return
	}
	if e.s.CountdownSec > 0 {
		e.s.CountdownSec--
	}
	c.publishLocked(protocol.SessionCountdown, e.s, "")
}

func (c *Controller) watchStatus(tok *clock.Token) {
	c.mu.Lock()
	e := c.liveLocked(tok)
	if e == nil {
		c.mu.Unlock()
		return
	}
	budget := e.s.SessionExpiresAt.Sub(c.sched.Now())
	c.mu.Unlock()
	if budget <= 0 {
		c.finish(tok, StateExpired, iam.SessionStatus{})
		return
	}

	var last iam.SessionStatus
	fetch := func(ctx context.Context) (iam.SessionState, error) {
		started := c.sched.Now()
		st, err := c.issuer.SessionStatus(ctx, tok.ID())
		c.metrics.ObserveStage("session_status", c.sched.Clock().Since(started))
		if err != nil {
			return "", err
		}
		if !st.State.Known() {
			return "", fmt.Errorf("%w: unexpected session status %q", reliability.ErrProtocol, st.State)
		}
		last = st
		return st.State, nil
	}
	isTerminal := func(s iam.SessionState) bool {
		return s == iam.SessionVerified || s == iam.SessionExpired
	}

	res, err := polling.Poll(tok.Context(), polling.Config[iam.SessionState]{
		Interval: c.cfg.StatusPollInterval,
		Timeout:  budget,
		Clock:    c.sched.Clock(),
		OnAttempt: func(a polling.Attempt[iam.SessionState]) {
			c.metrics.ObservePollAttempt("session", a.Err)
			if a.Err != nil {
				c.statusCheckFailed(tok, a.Err)
			}
		},
	}, fetch, isTerminal)
	if err != nil {
		c.logger.Error("session status polling aborted", zap.String("session_id", tok.ID()), zap.Error(err))
		return
	}

	switch res.Status {
	case iam.SessionVerified:
		c.finish(tok, StateVerified, last)
	case iam.SessionExpired, polling.StatusTimeout:
		c.finish(tok, StateExpired, last)
	}
}

func (c *Controller) statusCheckFailed(tok *clock.Token, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.liveLocked(tok)
	if e == nil {
		return
	}
	c.metrics.ObserveRemoteError("session_status", err)
	c.publishLocked(protocol.SessionStatusCheckFailed, e.s, policy.RedactAll(err.Error()))
	c.logger.Warn("session status check failed", zap.String("session_id", e.s.ID), zap.Error(err))
}

func (c *Controller) finish(tok *clock.Token, state State, status iam.SessionStatus) {
	c.mu.Lock()
	e := c.liveLocked(tok)
	if e == nil {
		c.mu.Unlock()
		return
	}
	tok.Cancel()
	now := c.sched.Now().UTC()
	e.s.State = state
	e.s.EndedAt = &now
	e.s.CountdownSec = 0
	snap := e.s
	c.last = &snap
	c.current = nil
	c.metrics.SetActiveSessions(0)

	code := protocol.SessionExpired
	if state == StateVerified {
		code = protocol.SessionVerified
	}
	c.publishLocked(code, snap, "")
	hook := c.onVerified
	c.mu.Unlock()

	c.logger.Info("login session finished", zap.String("session_id", snap.ID), zap.String("state", string(state)))
	if state == StateVerified && hook != nil {
		hook(snap, status)
	}
}

func (c *Controller) countdownReset() int {
	return int(c.cfg.RefreshInterval / time.Second)
}

func (c *Controller) publishLocked(code string, s Session, detail string) {
	c.metrics.IncSessionEvent(code)
	if c.events == nil {
		return
	}
	evt := protocol.SessionEvent{
		Type:         protocol.TypeSessionEvent,
		SessionID:    s.ID,
		Code:         code,
		State:        string(s.State),
		CountdownSec: s.CountdownSec,
		Detail:       detail,
		At:           c.sched.Now().UTC(),
	}
	if code == protocol.SessionStarted || code == protocol.SessionCredentialRotated {
		evt.Credential = s.Credential
	}
	c.events.Publish(evt)
}
