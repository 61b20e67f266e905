// Package withdrawal runs the cash withdrawal handshake: local validation,
// push approval, approval polling, and settlement. It also serves balance
// inquiries against the same ledger.
package withdrawal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ent0n29/smartatm/internal/clock"
	"github.com/ent0n29/smartatm/internal/iam"
	"github.com/ent0n29/smartatm/internal/observability"
	"github.com/ent0n29/smartatm/internal/policy"
	"github.com/ent0n29/smartatm/internal/polling"
	"github.com/ent0n29/smartatm/internal/protocol"
	"github.com/ent0n29/smartatm/internal/receipt"
	"github.com/ent0n29/smartatm/internal/reliability"
	"github.com/ent0n29/smartatm/internal/wallet"
)

var (
	ErrBusy            = errors.New("a withdrawal is already in progress")
	ErrInvalidCustomer = errors.New("customer id is required")
)

const receiptWriteTimeout = 5 * time.Second

type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Limits       policy.Limits
	Currency     string
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		Timeout:      5 * time.Minute,
		Limits:       policy.DefaultLimits(),
		Currency:     receipt.DefaultCurrency,
	}
}

// Backend is the part of the remote side a withdrawal needs.
type Backend interface {
	iam.ApprovalGateway
	iam.Ledger
}

// Publisher receives display events.
type Publisher interface {
	Publish(msg any)
}

type Deps struct {
	Backend   Backend
	Scheduler *clock.Scheduler
	Balance   *wallet.Display
	Store     receipt.Store
	Receipts  receipt.Publisher
	Events    Publisher
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

type active struct {
	view  Attempt
	token *clock.Token
}

// Service allows one withdrawal at a time per terminal.
type Service struct {
	cfg      Config
	backend  Backend
	sched    *clock.Scheduler
	balance  *wallet.Display
	store    receipt.Store
	receipts receipt.Publisher
	events   Publisher
	metrics  *observability.Metrics
	logger   *zap.Logger
	builder  *receipt.Builder
	newID    func() string

	mu      sync.Mutex
	current *active
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps) *Service {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Limits.Validate() != nil {
		cfg.Limits = def.Limits
	}
	cfg.Currency = strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	if deps.Scheduler == nil {
		deps.Scheduler = clock.NewScheduler(nil)
	}
	if deps.Balance == nil {
		deps.Balance = wallet.NewDisplay(deps.Scheduler.Clock(), cfg.Currency)
	}
	if deps.Receipts == nil {
		deps.Receipts = receipt.NopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	sched := deps.Scheduler
	return &Service{
		cfg:      cfg,
		backend:  deps.Backend,
		sched:    sched,
		balance:  deps.Balance,
		store:    deps.Store,
		receipts: deps.Receipts,
		events:   deps.Events,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		builder:  receipt.NewBuilder(sched.Now),
		newID:    uuid.NewString,
	}
}

func (s *Service) Limits() policy.Limits {
	return s.cfg.Limits
}

// Withdraw runs one withdrawal to completion and returns its receipt.
// Cancelling ctx before settlement ends the attempt with a CANCELLED receipt.
func (s *Service) Withdraw(ctx context.Context, req Request) (receipt.Receipt, error) {
	a, err := s.acquire(ctx, req)
	if err != nil {
		return receipt.Receipt{}, err
	}
	defer s.release(a)
	return s.run(a), nil
}

// Start runs a withdrawal in the background and returns its attempt id. The
// receipt is delivered through the event publisher and the receipt store.
func (s *Service) Start(req Request) (string, error) {
	a, err := s.acquire(context.Background(), req)
	if err != nil {
		return "", err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(a)
		s.run(a)
	}()
	return a.view.ID, nil
}

// Active returns the attempt in progress, if any.
func (s *Service) Active() (Attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Attempt{}, false
	}
	return s.current.view, true
}

// Cancel stops the approval wait of the attempt in progress. Once settlement
// has started the attempt can no longer be cancelled.
func (s *Service) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.current
	if a == nil || !a.token.Live() {
		return false
	}
	switch a.view.Stage {
	case protocol.StageSettling, protocol.StageCompleted:
		return false
	}
	a.token.Cancel()
	s.logger.Info("withdrawal cancelled", zap.String("attempt_id", a.view.ID))
	return true
}

// BalanceInquiry fetches the wallet, updates the displayed balance, and
// issues a balance receipt.
func (s *Service) BalanceInquiry(ctx context.Context, customerID string) (receipt.Receipt, error) {
	b, err := s.RefreshBalance(ctx, "inquiry")
	if err != nil {
		return receipt.Receipt{}, err
	}
	r := s.builder.Balance(strings.TrimSpace(customerID), b.Amount, b.Currency)
	s.issue("", r)
	return r, nil
}

// RefreshBalance loads the wallet from the ledger into the display.
func (s *Service) RefreshBalance(ctx context.Context, source string) (wallet.Balance, error) {
	started := s.sched.Now()
	w, err := s.backend.GetWallet(ctx)
	s.metrics.ObserveStage("wallet", s.sched.Clock().Since(started))
	if err != nil {
		s.metrics.ObserveRemoteError("wallet", err)
		return wallet.Balance{}, fmt.Errorf("get wallet: %w", err)
	}
	return s.balance.Update(source, w.Amount, w.Currency), nil
}

// Close cancels the attempt in progress and waits for background attempts.
func (s *Service) Close() {
	s.Cancel()
	s.wg.Wait()
}

func (s *Service) acquire(parent context.Context, req Request) (*active, error) {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.CustomerID == "" {
		return nil, ErrInvalidCustomer
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return nil, ErrBusy
	}
	id := s.newID()
	a := &active{
		view: Attempt{
			ID:         id,
			CustomerID: req.CustomerID,
			Amount:     req.Amount,
			Currency:   s.cfg.Currency,
			Stage:      protocol.StageValidating,
			StartedAt:  s.sched.Now().UTC(),
		},
		token: clock.NewToken(parent, id),
	}
	s.current = a
	return a, nil
}

func (s *Service) release(a *active) {
	a.token.Cancel()
	s.mu.Lock()
	if s.current == a {
		s.current = nil
	}
	s.mu.Unlock()
}

func (s *Service) run(a *active) receipt.Receipt {
	view := s.view(a)
	ctx := a.token.Context()
	w := receipt.Withdrawal{
		CustomerID: view.CustomerID,
		Amount:     view.Amount,
		Currency:   view.Currency,
	}
	logger := s.logger.With(zap.String("attempt_id", view.ID), zap.String("customer_id", view.CustomerID))

	s.setStage(a, protocol.StageValidating, "")
	check := policy.ValidateWithdrawal(view.Amount, s.balance.Current().Amount, s.cfg.Limits)
	if !check.OK {
		logger.Info("withdrawal rejected", zap.String("rule", string(check.Violated)))
		w.Rule = check.Violated
		w.Limits = s.cfg.Limits
		return s.complete(a, receipt.OutcomeRejected, w)
	}

	s.setStage(a, protocol.StageNotifying, "")
	started := s.sched.Now()
	ticket, err := s.backend.NotifyApproval(ctx, view.CustomerID, view.Amount)
	s.metrics.ObserveStage("approval_notify", s.sched.Clock().Since(started))
	if ctx.Err() != nil {
		return s.complete(a, receipt.OutcomeCancelled, w)
	}
	if err == nil && strings.TrimSpace(ticket.ApprovalID) == "" {
		err = fmt.Errorf("%w: empty approval id", reliability.ErrProtocol)
	}
	if err != nil {
		s.metrics.ObserveRemoteError("approval_notify", err)
		logger.Warn("approval notify failed", zap.Error(err))
		w.Detail = err.Error()
		return s.complete(a, receipt.OutcomeNotifyFailed, w)
	}
	w.ApprovalID = ticket.ApprovalID
	s.mu.Lock()
	a.view.ApprovalID = ticket.ApprovalID
	s.mu.Unlock()
	logger = logger.With(zap.String("approval_id", ticket.ApprovalID))

	s.setStage(a, protocol.StageAwaitingApproval, string(iam.ApprovalPending))
	res, err := s.awaitApproval(ctx, a, ticket.ApprovalID)
	s.metrics.ObserveApprovalWait(res.Elapsed)
	if err != nil {
		logger.Warn("approval polling aborted", zap.Error(err), zap.Int("polls", res.Attempts))
		w.Detail = err.Error()
		return s.complete(a, receipt.OutcomeUnknown, w)
	}
	logger.Info("approval finished", zap.String("status", string(res.Status)), zap.Int("polls", res.Attempts))

	switch res.Status {
	case iam.ApprovalApproved:
		if !s.claimSettlement(a) {
			logger.Info("approval arrived after cancel; not settling")
			return s.complete(a, receipt.OutcomeCancelled, w)
		}
		return s.settle(a, w, logger)
	case iam.ApprovalDeclined:
		return s.complete(a, receipt.OutcomeDeclined, w)
	case iam.ApprovalExpired, polling.StatusTimeout:
		return s.complete(a, receipt.OutcomeTimedOut, w)
	case polling.StatusCancelled:
		return s.complete(a, receipt.OutcomeCancelled, w)
	default:
		w.Detail = fmt.Sprintf("approval status %q", res.Status)
		return s.complete(a, receipt.OutcomeUnknown, w)
	}
}

func (s *Service) awaitApproval(ctx context.Context, a *active, approvalID string) (polling.Result[iam.ApprovalState], error) {
	fetch := func(ctx context.Context) (iam.ApprovalState, error) {
		started := s.sched.Now()
		st, err := s.backend.ApprovalStatus(ctx, approvalID)
		s.metrics.ObserveStage("approval_status", s.sched.Clock().Since(started))
		if err != nil {
			s.metrics.ObserveRemoteError("approval_status", err)
			// Only a malformed answer ends the wait early. Rejected statuses
			// (401, 404 while the approval propagates) are retried within budget.
			if reliability.Classify(err) == reliability.KindProtocol {
				return "", polling.Permanent(err)
			}
			return "", err
		}
		if !st.Known() {
			return st, polling.Permanent(fmt.Errorf("%w: unexpected approval status %q", reliability.ErrProtocol, st))
		}
		return st, nil
	}
	isTerminal := func(st iam.ApprovalState) bool {
		return st == iam.ApprovalApproved || st == iam.ApprovalDeclined || st == iam.ApprovalExpired
	}

	return polling.Poll(ctx, polling.Config[iam.ApprovalState]{
		Interval: s.cfg.PollInterval,
		Timeout:  s.cfg.Timeout,
		Clock:    s.sched.Clock(),
		OnAttempt: func(at polling.Attempt[iam.ApprovalState]) {
			s.metrics.ObservePollAttempt("approval", at.Err)
			s.mu.Lock()
			a.view.Polls = at.N
			if at.Err == nil {
				a.view.ApprovalStatus = string(at.Status)
			}
			s.mu.Unlock()
			if at.Err != nil {
				s.publishStage(a, reliability.Classify(at.Err), policy.RedactAll(at.Err.Error()))
			}
		},
	}, fetch, isTerminal)
}

// claimSettlement moves the attempt to the settling stage unless it was
// cancelled first. It holds the lock Cancel takes, so exactly one of them wins.
func (s *Service) claimSettlement(a *active) bool {
	s.mu.Lock()
	if !a.token.Live() {
		s.mu.Unlock()
		return false
	}
	a.view.Stage = protocol.StageSettling
	a.view.ApprovalStatus = string(iam.ApprovalApproved)
	s.mu.Unlock()
	s.publishStage(a, "", "")
	return true
}

// settle executes the withdrawal exactly once. The call is detached from the
// attempt's cancellation so an approved withdrawal is never abandoned midway.
func (s *Service) settle(a *active, w receipt.Withdrawal, logger *zap.Logger) receipt.Receipt {
	ctx := context.WithoutCancel(a.token.Context())

	started := s.sched.Now()
	settlement, err := s.backend.ExecuteWithdraw(ctx, w.Amount)
	s.metrics.ObserveStage("settlement", s.sched.Clock().Since(started))
	if err != nil {
		err = fmt.Errorf("%w: %w", reliability.ErrSettlement, err)
		s.metrics.ObserveRemoteError("settlement", err)
		logger.Error("settlement failed after approval", zap.Error(err))
		w.Detail = err.Error()
		return s.complete(a, receipt.OutcomeSettlementFailed, w)
	}

	var newBalance *decimal.Decimal
	if settlement.Reported {
		b := s.balance.Update("settlement", settlement.NewBalance, settlement.Currency)
		newBalance = &b.Amount
	}
	if b, err := s.RefreshBalance(ctx, "wallet"); err != nil {
		logger.Warn("wallet refresh after settlement failed", zap.Error(err))
	} else {
		newBalance = &b.Amount
	}
	w.NewBalance = newBalance
	return s.complete(a, receipt.OutcomeSuccess, w)
}

func (s *Service) complete(a *active, outcome receipt.Outcome, w receipt.Withdrawal) receipt.Receipt {
	r := s.builder.Withdrawal(outcome, w)
	s.setStage(a, protocol.StageCompleted, string(outcome))
	s.issue(s.view(a).ID, r)
	return r
}

// issue persists and broadcasts a receipt. Storage and audit failures are
// logged; the customer still gets the receipt.
func (s *Service) issue(attemptID string, r receipt.Receipt) {
	s.metrics.IncOutcome(string(r.Outcome))

	ctx, cancel := context.WithTimeout(context.Background(), receiptWriteTimeout)
	defer cancel()
	if s.store != nil {
		if err := s.store.Save(ctx, r); err != nil {
			s.logger.Error("receipt save failed", zap.String("receipt_id", r.ID), zap.Error(err))
		}
	}
	if err := s.receipts.Publish(ctx, r); err != nil {
		s.logger.Warn("receipt audit publish failed", zap.String("receipt_id", r.ID), zap.Error(err))
	}

	if s.events == nil {
		return
	}
	raw, err := json.Marshal(r)
	if err != nil {
		s.logger.Error("receipt encode failed", zap.String("receipt_id", r.ID), zap.Error(err))
		return
	}
	s.events.Publish(protocol.ReceiptIssued{
		Type:      protocol.TypeReceiptIssued,
		AttemptID: attemptID,
		Receipt:   raw,
	})
}

func (s *Service) view(a *active) Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return a.view
}

func (s *Service) setStage(a *active, stage, status string) {
	s.mu.Lock()
	a.view.Stage = stage
	if status != "" {
		a.view.ApprovalStatus = status
	}
	s.mu.Unlock()
	s.publishStage(a, "", "")
}

func (s *Service) publishStage(a *active, kind reliability.Kind, detail string) {
	if s.events == nil {
		return
	}
	v := s.view(a)
	evt := protocol.WithdrawalEvent{
		Type:       protocol.TypeWithdrawalEvent,
		AttemptID:  v.ID,
		ApprovalID: v.ApprovalID,
		Stage:      v.Stage,
		Status:     v.ApprovalStatus,
		Attempt:    v.Polls,
		Detail:     detail,
		At:         s.sched.Now().UTC(),
	}
	if kind != "" && detail != "" {
		evt.Detail = string(kind) + ": " + detail
	}
	s.events.Publish(evt)
}
