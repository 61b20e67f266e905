package receipt

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("receipt not found")

type Kind string

const (
	KindWithdrawal Kind = "withdrawal"
	KindBalance    Kind = "balance"
)

// Outcome is the final result of one customer-visible operation.
type Outcome string

const (
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeRejected         Outcome = "REJECTED"
	OutcomeNotifyFailed     Outcome = "NOTIFY_FAILED"
	OutcomeDeclined         Outcome = "DECLINED"
	OutcomeTimedOut         Outcome = "TIMED_OUT"
	OutcomeSettlementFailed Outcome = "SETTLEMENT_FAILED"
	OutcomeUnknown          Outcome = "UNKNOWN"
	OutcomeCancelled        Outcome = "CANCELLED"
	OutcomeBalance          Outcome = "BALANCE"
)

// Receipt is immutable once issued. Stores and accessors hand out clones.
type Receipt struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Title      string          `json:"title"`
	Lines      []string        `json:"lines"`
	Outcome    Outcome         `json:"outcome"`
	Rule       string          `json:"rule,omitempty"`
	CustomerID string          `json:"customer_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	ApprovalID string          `json:"approval_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (r Receipt) Clone() Receipt {
	out := r
	out.Lines = append([]string(nil), r.Lines...)
	return out
}

// Text renders the receipt the way the terminal prints it.
func (r Receipt) Text() string {
	out := r.Title
	for _, line := range r.Lines {
		out += "\n" + line
	}
	return out
}

// Store persists issued receipts.
type Store interface {
	Save(ctx context.Context, r Receipt) error
	Get(ctx context.Context, id string) (Receipt, error)
	List(ctx context.Context, limit int) ([]Receipt, error)
	Close() error
}

// Publisher forwards issued receipts to an audit stream.
type Publisher interface {
	Publish(ctx context.Context, r Receipt) error
	Close() error
}

// NopPublisher drops receipts. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Receipt) error { return nil }
func (NopPublisher) Close() error                           { return nil }
