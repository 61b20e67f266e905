package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ent0n29/smartatm/internal/clock"
	"github.com/ent0n29/smartatm/internal/events"
	"github.com/ent0n29/smartatm/internal/iam"
	"github.com/ent0n29/smartatm/internal/policy"
	"github.com/ent0n29/smartatm/internal/protocol"
	"github.com/ent0n29/smartatm/internal/receipt"
	"github.com/ent0n29/smartatm/internal/reliability"
	"github.com/ent0n29/smartatm/internal/wallet"
)

type countingBackend struct {
	*iam.Mock
	notifies atomic.Int32
	settles  atomic.Int32
	// status, when set, replaces the mock's approval status.
	status func(approvalID string) (iam.ApprovalState, error)
}

func (b *countingBackend) NotifyApproval(ctx context.Context, customerID string, amount decimal.Decimal) (iam.ApprovalTicket, error) {
	b.notifies.Add(1)
	return b.Mock.NotifyApproval(ctx, customerID, amount)
}

func (b *countingBackend) ApprovalStatus(ctx context.Context, approvalID string) (iam.ApprovalState, error) {
	if b.status != nil {
		return b.status(approvalID)
	}
	return b.Mock.ApprovalStatus(ctx, approvalID)
}

func (b *countingBackend) ExecuteWithdraw(ctx context.Context, amount decimal.Decimal) (iam.Settlement, error) {
	b.settles.Add(1)
	return b.Mock.ExecuteWithdraw(ctx, amount)
}

type fixture struct {
	svc     *Service
	backend *countingBackend
	store   *receipt.InMemoryStore
	display *wallet.Display
	hub     *events.Hub
}

func newFixture(t *testing.T, opts iam.MockOptions, clk clockwork.Clock) *fixture {
	t.Helper()
	if opts.OpeningBalance.IsZero() {
		opts.OpeningBalance = decimal.NewFromInt(1000)
	}
	opts.Clock = clk
	backend := &countingBackend{Mock: iam.NewMock(opts)}
	sched := clock.NewScheduler(clk)
	display := wallet.NewDisplay(sched.Clock(), "USD")
	display.Update("test", opts.OpeningBalance, "USD")
	store := receipt.NewInMemoryStore(50)
	hub := events.NewHub(64, nil)

	svc := New(Config{
		PollInterval: time.Millisecond,
		Timeout:      time.Second,
		Limits:       policy.DefaultLimits(),
		Currency:     "USD",
	}, Deps{
		Backend:   backend,
		Scheduler: sched,
		Balance:   display,
		Store:     store,
		Events:    hub,
	})
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, backend: backend, store: store, display: display, hub: hub}
}

func req(amount int64) Request {
	return Request{CustomerID: "cust-1", Amount: decimal.NewFromInt(amount)}
}

func TestWithdrawRejectsDenominationWithoutNetwork(t *testing.T) {
	f := newFixture(t, iam.MockOptions{}, nil)

	r, err := f.svc.Withdraw(context.Background(), req(25))
	if err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if r.Outcome != receipt.OutcomeRejected || r.Rule != string(policy.RuleDenomination) {
		t.Fatalf("receipt = %s/%s, want REJECTED/DENOMINATION", r.Outcome, r.Rule)
	}
	if n := f.backend.notifies.Load(); n != 0 {
		t.Fatalf("notify calls = %d, want 0", n)
	}
}

func TestWithdrawRejectsInsufficientFunds(t *testing.T) {
	f := newFixture(t, iam.MockOptions{OpeningBalance: decimal.NewFromInt(10)}, nil)

	r, err := f.svc.Withdraw(context.Background(), req(20))
	if err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if r.Outcome != receipt.OutcomeRejected || r.Rule != string(policy.RuleInsufficientFunds) {
		t.Fatalf("receipt = %s/%s, want REJECTED/INSUFFICIENT_FUNDS", r.Outcome, r.Rule)
	}
	if n := f.backend.notifies.Load(); n != 0 {
		t.Fatalf("notify calls = %d, want 0", n)
	}
}

func TestWithdrawApprovedOnThirdPollSettlesOnce(t *testing.T) {
	f := newFixture(t, iam.MockOptions{DecideAfterPolls: 3, Decision: iam.ApprovalApproved}, nil)
	sub, unsubscribe := f.hub.Subscribe()
	defer unsubscribe()

	r, err := f.svc.Withdraw(context.Background(), req(100))
	if err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if r.Outcome != receipt.OutcomeSuccess {
		t.Fatalf("Outcome = %s, want SUCCESS (lines %v)", r.Outcome, r.Lines)
	}
	if n := f.backend.settles.Load(); n != 1 {
		t.Fatalf("settlement calls = %d, want 1", n)
	}
	if r.ApprovalID == "" {
		t.Fatalf("ApprovalID empty")
	}
	if got := r.Text(); !strings.Contains(got, "Dispensed:   $100.00") || !strings.Contains(got, "New Balance: $900.00") {
		t.Fatalf("receipt text = %q", got)
	}
	if b := f.display.Current(); !b.Amount.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("displayed balance = %s, want 900", b.Amount)
	}
	if _, err := f.store.Get(context.Background(), r.ID); err != nil {
		t.Fatalf("store.Get() error = %v", err)
	}

	var sawReceipt, sawAwaiting bool
	for len(sub) > 0 {
		switch msg := (<-sub).(type) {
		case protocol.ReceiptIssued:
			sawReceipt = strings.Contains(string(msg.Receipt), r.ID)
		case protocol.WithdrawalEvent:
			if msg.Stage == protocol.StageAwaitingApproval {
				sawAwaiting = true
			}
		}
	}
	if !sawReceipt || !sawAwaiting {
		t.Fatalf("events: receipt=%v awaiting=%v", sawReceipt, sawAwaiting)
	}
}

func TestWithdrawDeclined(t *testing.T) {
	f := newFixture(t, iam.MockOptions{DecideAfterPolls: 1, Decision: iam.ApprovalDeclined}, nil)

	r, err := f.svc.Withdraw(context.Background(), req(40))
	if err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if r.Outcome != receipt.OutcomeDeclined {
		t.Fatalf("Outcome = %s, want DECLINED", r.Outcome)
	}
	if n := f.backend.settles.Load(); n != 0 {
		t.Fatalf("settlement calls = %d, want 0", n)
	}
}

func TestWithdrawTimesOutWithoutSettlement(t *testing.T) {
	fc := clockwork.NewFakeClock()
	f := newFixture(t, iam.MockOptions{ApprovalTTL: time.Hour}, fc)
	f.svc.cfg.PollInterval = 2 * time.Second
	f.svc.cfg.Timeout = 300 * time.Second

	done := make(chan receipt.Receipt, 1)
	go func() {
		r, err := f.svc.Withdraw(context.Background(), req(40))
		if err != nil {
			t.Errorf("Withdraw() error = %v", err)
		}
		done <- r
	}()

	// Fetches happen at 0s, 2s, ..., 302s; the one at 302s is past the budget.
	for i := 0; i < 151; i++ {
		fc.BlockUntil(1)
		fc.Advance(2 * time.Second)
	}

	select {
	case r := <-done:
		if r.Outcome != receipt.OutcomeTimedOut {
			t.Fatalf("Outcome = %s, want TIMED_OUT", r.Outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Withdraw() did not return")
	}
	if n := f.backend.settles.Load(); n != 0 {
		t.Fatalf("settlement calls = %d, want 0", n)
	}
}

func TestWithdrawExpiredApprovalIsTimedOut(t *testing.T) {
	f := newFixture(t, iam.MockOptions{DecideAfterPolls: 2, Decision: iam.ApprovalExpired}, nil)

	r, err := f.svc.Withdraw(context.Background(), req(40))
	if err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if r.Outcome != receipt.OutcomeTimedOut {
		t.Fatalf("Outcome = %s, want TIMED_OUT", r.Outcome)
	}
}

func TestWithdrawNotifyFailure(t *testing.T) {
	f := newFixture(t, iam.MockOptions{DecideAfterPolls: 1}, nil)
	f.backend.FailNext("notify", fmt.Errorf("%w: push gateway down", reliability.ErrTransient))

	r, err := f.svc.Withdraw(context.Background(), req(40))
	if err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if r.Outcome != receipt.OutcomeNotifyFailed {
		t.Fatalf("Outcome = %s, want NOTIFY_FAILED", r.Outcome)
	}
	if r.ApprovalID != "" {
		t.Fatalf("ApprovalID = %q, want empty", r.ApprovalID)
	}
}

func TestWithdrawSettlementFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, iam.MockOptions{DecideAfterPolls: 1}, nil)
	f.backend.FailNext("withdraw", fmt.Errorf("%w: core banking 503", reliability.ErrTransient))

	r, err := f.svc.Withdraw(context.Background(), req(40))
	if err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if r.Outcome != receipt.OutcomeSettlementFailed {
		t.Fatalf("Outcome = %s, want SETTLEMENT_FAILED", r.Outcome)
	}
	if n := f.backend.settles.Load(); n != 1 {
		t.Fatalf("settlement calls = %d, want 1", n)
	}
	if f.backend.Withdrawals() != 0 {
		t.Fatalf("mock recorded a completed withdrawal")
	}
	if b := f.display.Current(); !b.Amount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("displayed balance = %s, want unchanged 1000", b.Amount)
	}
}

func TestWithdrawUnexpectedStatusIsUnknown(t *testing.T) {
	f := newFixture(t, iam.MockOptions{}, nil)
	f.backend.status = func(string) (iam.ApprovalState, error) { return "ON_HOLD", nil }

	r, err := f.svc.Withdraw(context.Background(), req(40))
	if err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if r.Outcome != receipt.OutcomeUnknown {
		t.Fatalf("Outcome = %s, want UNKNOWN", r.Outcome)
	}
	if n := f.backend.settles.Load(); n != 0 {
		t.Fatalf("settlement calls = %d, want 0", n)
	}
}

func TestWithdrawProtocolErrorIsUnknown(t *testing.T) {
	f := newFixture(t, iam.MockOptions{}, nil)
	f.backend.status = func(string) (iam.ApprovalState, error) {
		return "", fmt.Errorf("%w: body is not json", reliability.ErrProtocol)
	}

	r, err := f.svc.Withdraw(context.Background(), req(40))
	if err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if r.Outcome != receipt.OutcomeUnknown {
		t.Fatalf("Outcome = %s, want UNKNOWN", r.Outcome)
	}
}

func TestWithdrawRetriesTransientPollErrors(t *testing.T) {
	f := newFixture(t, iam.MockOptions{}, nil)
	var calls atomic.Int32
	f.backend.status = func(string) (iam.ApprovalState, error) {
		if calls.Add(1) <= 3 {
			return "", fmt.Errorf("%w: connection reset", reliability.ErrTransient)
		}
		return iam.ApprovalApproved, nil
	}

	r, err := f.svc.Withdraw(context.Background(), req(40))
	if err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if r.Outcome != receipt.OutcomeSuccess {
		t.Fatalf("Outcome = %s, want SUCCESS", r.Outcome)
	}
	if n := f.backend.settles.Load(); n != 1 {
		t.Fatalf("settlement calls = %d, want 1", n)
	}
}

func TestWithdrawRetriesRejectedPollStatuses(t *testing.T) {
	f := newFixture(t, iam.MockOptions{}, nil)
	var calls atomic.Int32
	f.backend.status = func(string) (iam.ApprovalState, error) {
		if calls.Add(1) <= 2 {
			return "", fmt.Errorf("%w: status 404", reliability.ErrRejected)
		}
		return iam.ApprovalApproved, nil
	}

	r, err := f.svc.Withdraw(context.Background(), req(40))
	if err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if r.Outcome != receipt.OutcomeSuccess {
		t.Fatalf("Outcome = %s, want SUCCESS", r.Outcome)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("status calls = %d, want 3", n)
	}
}

func TestWithdrawPersistentlyRejectedPollTimesOut(t *testing.T) {
	f := newFixture(t, iam.MockOptions{}, nil)
	f.svc.cfg.Timeout = 20 * time.Millisecond
	f.backend.status = func(string) (iam.ApprovalState, error) {
		return "", fmt.Errorf("%w: status 401", reliability.ErrRejected)
	}

	r, err := f.svc.Withdraw(context.Background(), req(40))
	if err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if r.Outcome != receipt.OutcomeTimedOut {
		t.Fatalf("Outcome = %s, want TIMED_OUT", r.Outcome)
	}
	if n := f.backend.settles.Load(); n != 0 {
		t.Fatalf("settlement calls = %d, want 0", n)
	}
}

func TestStartIsSingleFlightAndCancellable(t *testing.T) {
	f := newFixture(t, iam.MockOptions{}, nil)
	f.svc.cfg.Timeout = time.Minute

	id, err := f.svc.Start(req(40))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := f.svc.Start(req(40)); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start() error = %v, want ErrBusy", err)
	}
	if _, err := f.svc.Withdraw(context.Background(), req(40)); !errors.Is(err, ErrBusy) {
		t.Fatalf("Withdraw() error = %v, want ErrBusy", err)
	}

	waitFor(t, func() bool {
		a, ok := f.svc.Active()
		return ok && a.ID == id && a.Stage == protocol.StageAwaitingApproval
	})
	if !f.svc.Cancel() {
		t.Fatalf("Cancel() = false, want true")
	}
	waitFor(t, func() bool {
		_, ok := f.svc.Active()
		return !ok
	})
	if f.svc.Cancel() {
		t.Fatalf("Cancel() with nothing active = true")
	}

	list, err := f.store.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 || list[0].Outcome != receipt.OutcomeCancelled {
		t.Fatalf("receipts = %+v, want one CANCELLED", list)
	}
	if n := f.backend.settles.Load(); n != 0 {
		t.Fatalf("settlement calls = %d, want 0", n)
	}
}

func TestCancelAfterApprovalBeforeSettlementIsHonoured(t *testing.T) {
	f := newFixture(t, iam.MockOptions{DecideAfterPolls: 1, Decision: iam.ApprovalApproved}, nil)

	var cancelled atomic.Bool
	core, logs := observer.New(zapcore.InfoLevel)
	hooked := zapcore.RegisterHooks(core, func(e zapcore.Entry) error {
		if e.Message == "approval finished" {
			cancelled.Store(f.svc.Cancel())
		}
		return nil
	})
	f.svc.logger = zap.New(hooked)

	r, err := f.svc.Withdraw(context.Background(), req(100))
	if err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if !cancelled.Load() {
		t.Fatalf("Cancel() between approval and settlement = false, want true")
	}
	if r.Outcome != receipt.OutcomeCancelled {
		t.Fatalf("Outcome = %s, want CANCELLED", r.Outcome)
	}
	if n := f.backend.settles.Load(); n != 0 {
		t.Fatalf("settlement calls = %d, want 0", n)
	}
	if b := f.display.Current(); !b.Amount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("displayed balance = %s, want 1000", b.Amount)
	}
	if logs.FilterMessage("approval arrived after cancel; not settling").Len() != 1 {
		t.Fatalf("missing cancel-before-settle log")
	}
}

func TestCancelRefusedOnceSettling(t *testing.T) {
	f := newFixture(t, iam.MockOptions{DecideAfterPolls: 1, Decision: iam.ApprovalApproved}, nil)

	var cancelled atomic.Bool
	f.svc.backend = &settleHookBackend{countingBackend: f.backend, onSettle: func() {
		cancelled.Store(f.svc.Cancel())
	}}

	r, err := f.svc.Withdraw(context.Background(), req(100))
	if err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if cancelled.Load() {
		t.Fatalf("Cancel() during settlement = true, want false")
	}
	if r.Outcome != receipt.OutcomeSuccess {
		t.Fatalf("Outcome = %s, want SUCCESS", r.Outcome)
	}
}

type settleHookBackend struct {
	*countingBackend
	onSettle func()
}

func (b *settleHookBackend) ExecuteWithdraw(ctx context.Context, amount decimal.Decimal) (iam.Settlement, error) {
	b.onSettle()
	return b.countingBackend.ExecuteWithdraw(ctx, amount)
}

func TestWithdrawRequiresCustomer(t *testing.T) {
	f := newFixture(t, iam.MockOptions{}, nil)
	if _, err := f.svc.Withdraw(context.Background(), Request{Amount: decimal.NewFromInt(20)}); !errors.Is(err, ErrInvalidCustomer) {
		t.Fatalf("Withdraw() error = %v, want ErrInvalidCustomer", err)
	}
}

func TestBalanceInquiry(t *testing.T) {
	f := newFixture(t, iam.MockOptions{OpeningBalance: decimal.RequireFromString("1234.50")}, nil)
	f.display.Update("test", decimal.Zero, "USD")

	r, err := f.svc.BalanceInquiry(context.Background(), "cust-1")
	if err != nil {
		t.Fatalf("BalanceInquiry() error = %v", err)
	}
	if r.Outcome != receipt.OutcomeBalance || r.Kind != receipt.KindBalance {
		t.Fatalf("receipt = %s/%s", r.Kind, r.Outcome)
	}
	if !strings.Contains(r.Text(), "Available:   $1,234.50") {
		t.Fatalf("receipt text = %q", r.Text())
	}
	if b := f.display.Current(); b.Source != "inquiry" || !b.Amount.Equal(decimal.RequireFromString("1234.50")) {
		t.Fatalf("display = %+v", b)
	}
}

func TestBalanceInquiryFailure(t *testing.T) {
	f := newFixture(t, iam.MockOptions{}, nil)
	f.backend.FailNext("wallet", fmt.Errorf("%w: 502", reliability.ErrTransient))

	if _, err := f.svc.BalanceInquiry(context.Background(), "cust-1"); !errors.Is(err, reliability.ErrTransient) {
		t.Fatalf("BalanceInquiry() error = %v, want transient", err)
	}
	list, _ := f.store.List(context.Background(), 10)
	if len(list) != 0 {
		t.Fatalf("receipts = %d, want 0", len(list))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
