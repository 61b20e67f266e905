// Package iam talks to the remote identity and core-banking backend: QR login
// sessions, push approvals, and wallet settlement.
package iam

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SessionState is the remote state of a QR login session.
type SessionState string

const (
	SessionPending  SessionState = "PENDING"
	SessionVerified SessionState = "VERIFIED"
	SessionExpired  SessionState = "EXPIRED"
)

func (s SessionState) Known() bool {
	switch s {
	case SessionPending, SessionVerified, SessionExpired:
		return true
	default:
		return false
	}
}

// ApprovalState is the remote state of a push approval.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "PENDING"
	ApprovalApproved ApprovalState = "APPROVED"
	ApprovalDeclined ApprovalState = "DECLINED"
	ApprovalExpired  ApprovalState = "EXPIRED"
)

func (s ApprovalState) Known() bool {
	switch s {
	case ApprovalPending, ApprovalApproved, ApprovalDeclined, ApprovalExpired:
		return true
	default:
		return false
	}
}

// SessionGrant is returned when a QR login session starts.
type SessionGrant struct {
	SessionID           string
	Credential          string
	SessionExpiresAt    time.Time
	CredentialExpiresAt time.Time
}

type CredentialGrant struct {
	Credential          string
	CredentialExpiresAt time.Time
}

type SessionStatus struct {
	State SessionState
	// AccessToken is set by some backends once the session verifies.
	AccessToken string
}

// ApprovalTicket identifies a push approval. ApprovalID is distinct from any
// login session id.
type ApprovalTicket struct {
	ApprovalID string
	ExpiresAt  time.Time
}

type Settlement struct {
	NewBalance decimal.Decimal
	Currency   string
	// Reported is false when the backend did not echo a balance.
	Reported bool
}

type Wallet struct {
	Amount   decimal.Decimal
	Currency string
}

// SessionIssuer issues and tracks QR login sessions.
type SessionIssuer interface {
	StartSession(ctx context.Context, customerID string) (SessionGrant, error)
	NextCredential(ctx context.Context, sessionID string) (CredentialGrant, error)
	SessionStatus(ctx context.Context, sessionID string) (SessionStatus, error)
}

// ApprovalGateway sends push approvals to the customer's phone.
type ApprovalGateway interface {
	NotifyApproval(ctx context.Context, customerID string, amount decimal.Decimal) (ApprovalTicket, error)
	ApprovalStatus(ctx context.Context, approvalID string) (ApprovalState, error)
}

// Ledger settles withdrawals and reports the wallet balance.
type Ledger interface {
	ExecuteWithdraw(ctx context.Context, amount decimal.Decimal) (Settlement, error)
	GetWallet(ctx context.Context) (Wallet, error)
}

// Backend is everything the terminal needs from the remote side.
type Backend interface {
	SessionIssuer
	ApprovalGateway
	Ledger
}
