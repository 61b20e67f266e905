package iam

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/ent0n29/smartatm/internal/reliability"
)

// MockOptions shape the deterministic behaviour of Mock.
type MockOptions struct {
	Clock         clockwork.Clock
	SessionTTL    time.Duration
	CredentialTTL time.Duration
	// VerifyAfterPolls verifies a login session on the Nth status poll.
	// Zero keeps sessions pending until VerifySession is called.
	VerifyAfterPolls int
	ApprovalTTL      time.Duration
	// DecideAfterPolls answers an approval with Decision on the Nth poll.
	// Zero keeps approvals pending until Decide is called.
	DecideAfterPolls int
	Decision         ApprovalState
	OpeningBalance   decimal.Decimal
	Currency         string
}

type mockSession struct {
	customerID string
	expiresAt  time.Time
	credential int
	polls      int
	state      SessionState
}

type mockApproval struct {
	amount    decimal.Decimal
	expiresAt time.Time
	polls     int
	state     ApprovalState
}

// Mock is an in-process Backend for local runs without an IAM server.
type Mock struct {
	mu          sync.Mutex
	opts        MockOptions
	clock       clockwork.Clock
	sessions    map[string]*mockSession
	approvals   map[string]*mockApproval
	balance     decimal.Decimal
	withdrawals int
	failNext    map[string]error
}

func NewMock(opts MockOptions) *Mock {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 5 * time.Minute
	}
	if opts.CredentialTTL <= 0 {
		opts.CredentialTTL = time.Minute
	}
	if opts.ApprovalTTL <= 0 {
		opts.ApprovalTTL = 5 * time.Minute
	}
	if opts.Decision == "" {
		opts.Decision = ApprovalApproved
	}
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	return &Mock{
		opts:      opts,
		clock:     opts.Clock,
		sessions:  make(map[string]*mockSession),
		approvals: make(map[string]*mockApproval),
		balance:   opts.OpeningBalance,
		failNext:  make(map[string]error),
	}
}

// FailNext makes the next call of op ("start", "refresh", "status", "notify",
// "approval", "withdraw", "wallet") return err.
func (m *Mock) FailNext(op string, err error) {
	m.mu.Lock()
	m.failNext[op] = err
	m.mu.Unlock()
}

func (m *Mock) takeFailureLocked(op string) error {
	err, ok := m.failNext[op]
	if !ok {
		return nil
	}
	delete(m.failNext, op)
	return err
}

func (m *Mock) VerifySession(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.state != SessionPending {
		return false
	}
	s.state = SessionVerified
	return true
}

func (m *Mock) Decide(approvalID string, state ApprovalState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[approvalID]
	if !ok || a.state != ApprovalPending {
		return false
	}
	a.state = state
	return true
}

func (m *Mock) Withdrawals() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.withdrawals
}

func (m *Mock) credentialLocked(id string, s *mockSession) (string, time.Time) {
	s.credential++
	return fmt.Sprintf("mock.%s.%d", id, s.credential), m.clock.Now().Add(m.opts.CredentialTTL).UTC()
}

func (m *Mock) StartSession(ctx context.Context, customerID string) (SessionGrant, error) {
	if err := ctx.Err(); err != nil {
		return SessionGrant{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailureLocked("start"); err != nil {
		return SessionGrant{}, err
	}
	id := uuid.NewString()
	s := &mockSession{
		customerID: strings.TrimSpace(customerID),
		expiresAt:  m.clock.Now().Add(m.opts.SessionTTL).UTC(),
		state:      SessionPending,
	}
	m.sessions[id] = s
	cred, credExp := m.credentialLocked(id, s)
	return SessionGrant{
		SessionID:           id,
		Credential:          cred,
		SessionExpiresAt:    s.expiresAt,
		CredentialExpiresAt: credExp,
	}, nil
}

func (m *Mock) NextCredential(ctx context.Context, sessionID string) (CredentialGrant, error) {
	if err := ctx.Err(); err != nil {
		return CredentialGrant{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailureLocked("refresh"); err != nil {
		return CredentialGrant{}, err
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return CredentialGrant{}, fmt.Errorf("%w: unknown session %s", reliability.ErrRejected, sessionID)
	}
	cred, credExp := m.credentialLocked(sessionID, s)
	return CredentialGrant{Credential: cred, CredentialExpiresAt: credExp}, nil
}

func (m *Mock) SessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	if err := ctx.Err(); err != nil {
		return SessionStatus{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailureLocked("status"); err != nil {
		return SessionStatus{}, err
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return SessionStatus{}, fmt.Errorf("%w: unknown session %s", reliability.ErrRejected, sessionID)
	}
	s.polls++
	if s.state == SessionPending {
		switch {
		case !m.clock.Now().Before(s.expiresAt):
			s.state = SessionExpired
		case m.opts.VerifyAfterPolls > 0 && s.polls >= m.opts.VerifyAfterPolls:
			s.state = SessionVerified
		}
	}
	out := SessionStatus{State: s.state}
	if s.state == SessionVerified {
		out.AccessToken = "mock-access-" + sessionID
	}
	return out, nil
}

func (m *Mock) NotifyApproval(ctx context.Context, customerID string, amount decimal.Decimal) (ApprovalTicket, error) {
	if err := ctx.Err(); err != nil {
		return ApprovalTicket{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailureLocked("notify"); err != nil {
		return ApprovalTicket{}, err
	}
	id := uuid.NewString()
	a := &mockApproval{
		amount:    amount,
		expiresAt: m.clock.Now().Add(m.opts.ApprovalTTL).UTC(),
		state:     ApprovalPending,
	}
	m.approvals[id] = a
	return ApprovalTicket{ApprovalID: id, ExpiresAt: a.expiresAt}, nil
}

func (m *Mock) ApprovalStatus(ctx context.Context, approvalID string) (ApprovalState, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailureLocked("approval"); err != nil {
		return "", err
	}
	a, ok := m.approvals[approvalID]
	if !ok {
		return "", fmt.Errorf("%w: unknown approval %s", reliability.ErrRejected, approvalID)
	}
	a.polls++
	if a.state == ApprovalPending {
		switch {
		case !m.clock.Now().Before(a.expiresAt):
			a.state = ApprovalExpired
		case m.opts.DecideAfterPolls > 0 && a.polls >= m.opts.DecideAfterPolls:
			a.state = m.opts.Decision
		}
	}
	return a.state, nil
}

func (m *Mock) ExecuteWithdraw(ctx context.Context, amount decimal.Decimal) (Settlement, error) {
	if err := ctx.Err(); err != nil {
		return Settlement{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailureLocked("withdraw"); err != nil {
		return Settlement{}, err
	}
	if amount.GreaterThan(m.balance) {
		return Settlement{}, fmt.Errorf("%w: insufficient funds", reliability.ErrRejected)
	}
	m.balance = m.balance.Sub(amount)
	m.withdrawals++
	return Settlement{NewBalance: m.balance, Currency: m.opts.Currency, Reported: true}, nil
}

func (m *Mock) GetWallet(ctx context.Context) (Wallet, error) {
	if err := ctx.Err(); err != nil {
		return Wallet{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailureLocked("wallet"); err != nil {
		return Wallet{}, err
	}
	return Wallet{Amount: m.balance, Currency: m.opts.Currency}, nil
}
