package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl   MessageType = "client_control"
	TypeSessionEvent    MessageType = "session_event"
	TypeWithdrawalEvent MessageType = "withdrawal_event"
	TypeReceiptIssued   MessageType = "receipt_issued"
	TypeBalanceUpdated  MessageType = "balance_updated"
	TypeErrorEvent      MessageType = "error_event"
)

// Client control actions.
const (
	ActionCancelSession    = "cancel_session"
	ActionCancelWithdrawal = "cancel_withdrawal"
)

// Session event codes.
const (
	SessionStarted           = "session_started"
	SessionCredentialRotated = "credential_refreshed"
	SessionRefreshFailed     = "refresh_failed"
	SessionStatusCheckFailed = "status_check_failed"
	SessionCountdown         = "countdown"
	SessionVerified          = "session_verified"
	SessionExpired           = "session_expired"
	SessionCancelled         = "session_cancelled"
)

// Withdrawal stages.
const (
	StageValidating       = "validating"
	StageNotifying        = "notifying"
	StageAwaitingApproval = "awaiting_approval"
	StageSettling         = "settling"
	StageCompleted        = "completed"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	Action    string      `json:"action"`
	SessionID string      `json:"session_id,omitempty"`
}

// SessionEvent reports login session progress to the display. Credential is
// only set on session_started and credential_refreshed.
type SessionEvent struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	Code         string      `json:"code"`
	State        string      `json:"state"`
	Credential   string      `json:"credential,omitempty"`
	CountdownSec int         `json:"countdown_sec"`
	Detail       string      `json:"detail,omitempty"`
	At           time.Time   `json:"at"`
}

type WithdrawalEvent struct {
	Type       MessageType `json:"type"`
	AttemptID  string      `json:"attempt_id"`
	ApprovalID string      `json:"approval_id,omitempty"`
	Stage      string      `json:"stage"`
	Status     string      `json:"status,omitempty"`
	Attempt    int         `json:"attempt,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	At         time.Time   `json:"at"`
}

// ReceiptIssued carries the receipt as raw JSON so this package stays free of
// domain imports.
type ReceiptIssued struct {
	Type      MessageType     `json:"type"`
	AttemptID string          `json:"attempt_id,omitempty"`
	Receipt   json.RawMessage `json:"receipt"`
}

type BalanceUpdated struct {
	Type     MessageType `json:"type"`
	Amount   string      `json:"amount"`
	Currency string      `json:"currency"`
	Source   string      `json:"source,omitempty"`
	At       time.Time   `json:"at"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// TypeOf returns the message type of an outbound payload, or "" when unknown.
func TypeOf(msg any) MessageType {
	switch m := msg.(type) {
	case SessionEvent:
		return m.Type
	case WithdrawalEvent:
		return m.Type
	case ReceiptIssued:
		return m.Type
	case BalanceUpdated:
		return m.Type
	case ErrorEvent:
		return m.Type
	default:
		return ""
	}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.TrimSpace(msg.Action)
		switch msg.Action {
		case ActionCancelSession, ActionCancelWithdrawal:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
