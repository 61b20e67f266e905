package withdrawal

import (
	"time"

	"github.com/shopspring/decimal"
)

// Request defines the payload for a cash withdrawal.
type Request struct {
	CustomerID string          `json:"customer_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// Attempt is the display-facing view of the withdrawal in progress.
type Attempt struct {
	ID             string          `json:"attempt_id"`
	CustomerID     string          `json:"customer_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	ApprovalID     string          `json:"approval_id,omitempty"`
	Stage          string          `json:"stage"`
	ApprovalStatus string          `json:"approval_status,omitempty"`
	Polls          int             `json:"polls"`
	StartedAt      time.Time       `json:"started_at"`
}

// InquiryRequest defines the payload for a balance inquiry.
type InquiryRequest struct {
	CustomerID string `json:"customer_id"`
}
