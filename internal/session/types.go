package session

import "time"

// StartRequest defines the payload for starting a QR login session.
type StartRequest struct {
	CustomerID string `json:"customer_id"`
}

// View is the display-facing representation of a session.
type View struct {
	SessionID             string     `json:"session_id"`
	CustomerID            string     `json:"customer_id"`
	State                 State      `json:"state"`
	Credential            string     `json:"credential,omitempty"`
	IssuedAt              time.Time  `json:"issued_at"`
	SessionExpiresAt      time.Time  `json:"session_expires_at"`
	CredentialExpiresAt   time.Time  `json:"credential_expires_at,omitempty"`
	RefreshIntervalSec    int        `json:"refresh_interval_sec"`
	StatusPollIntervalSec int        `json:"status_poll_interval_sec"`
	CountdownSec          int        `json:"countdown_sec"`
	Cancelled             bool       `json:"cancelled,omitempty"`
	EndedAt               *time.Time `json:"ended_at,omitempty"`
}

func NewView(s Session) View {
	v := View{
		SessionID:             s.ID,
		CustomerID:            s.CustomerID,
		State:                 s.State,
		IssuedAt:              s.IssuedAt,
		SessionExpiresAt:      s.SessionExpiresAt,
		CredentialExpiresAt:   s.CredentialExpiresAt,
		RefreshIntervalSec:    int(s.RefreshInterval / time.Second),
		StatusPollIntervalSec: int(s.StatusPollInterval / time.Second),
		CountdownSec:          s.CountdownSec,
		Cancelled:             s.Cancelled,
		EndedAt:               s.EndedAt,
	}
	// A finished session's credential is useless to the display.
	if s.State == StatePending && !s.Cancelled {
		v.Credential = s.Credential
	}
	return v
}
