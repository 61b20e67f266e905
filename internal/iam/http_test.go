package iam

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ent0n29/smartatm/internal/credentials"
	"github.com/ent0n29/smartatm/internal/reliability"
)

func newTestClient(t *testing.T, h http.Handler, creds credentials.Provider) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(HTTPOptions{BaseURL: srv.URL + "/", Timeout: 2 * time.Second, Currency: "USD", Credentials: creds})
}

func TestHTTPClientStartSession(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/qr/session" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["customerId"] != "c1" {
			t.Errorf("customerId = %q, want c1", body["customerId"])
		}
		_, _ = w.Write([]byte(`{"sessionId":"s1","jwt":"eyJ.a.b","sessionExpiresAtEpochSec":1767225900,"credentialExpiresAtEpochSec":1767225660}`))
	}), nil)

	grant, err := c.StartSession(context.Background(), "c1")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if grant.SessionID != "s1" || grant.Credential != "eyJ.a.b" {
		t.Fatalf("grant = %+v", grant)
	}
	if got := grant.SessionExpiresAt.Unix(); got != 1767225900 {
		t.Fatalf("SessionExpiresAt = %d, want 1767225900", got)
	}
}

func TestHTTPClientStartSessionRejectsIncompleteGrant(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"sessionId":"s1"}`))
	}), nil)
	_, err := c.StartSession(context.Background(), "c1")
	if !errors.Is(err, reliability.ErrProtocol) {
		t.Fatalf("StartSession() error = %v, want ErrProtocol", err)
	}
}

func TestHTTPClientNotifyPayloadAndBearer(t *testing.T) {
	creds := credentials.NewMemoryStore(nil)
	_ = creds.Save(context.Background(), "tok-123", 0)

	var got notifyRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/notify/token" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok-123" {
			t.Errorf("Authorization = %q, want bearer", auth)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"sessionId":"ap-9"}`))
	}), creds)

	ticket, err := c.NotifyApproval(context.Background(), "c1", decimal.NewFromInt(40))
	if err != nil {
		t.Fatalf("NotifyApproval() error = %v", err)
	}
	if ticket.ApprovalID != "ap-9" {
		t.Fatalf("ApprovalID = %q, want ap-9", ticket.ApprovalID)
	}
	if got.Channel != "HIGH_ALERT" || got.Data.Action != "CASH_WITHDRAW" || got.Data.Amount != "40" {
		t.Fatalf("notify payload = %+v", got)
	}
	if got.Body != "Tap to approve withdrawal of $40.00" {
		t.Fatalf("Body = %q", got.Body)
	}
	if got.Data.DeepLink != "app://auth/approve?type=withdraw&amount=40" {
		t.Fatalf("DeepLink = %q", got.Data.DeepLink)
	}
}

func TestHTTPClientClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{http.StatusServiceUnavailable, reliability.ErrTransient},
		{http.StatusTooManyRequests, reliability.ErrTransient},
		{http.StatusBadRequest, reliability.ErrRejected},
		{http.StatusUnauthorized, reliability.ErrRejected},
	}
	for _, tc := range cases {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", tc.code)
		}), nil)
		_, err := c.ApprovalStatus(context.Background(), "ap-1")
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: error = %v, want %v", tc.code, err, tc.want)
		}
	}
}

func TestHTTPClientApprovalStatusMalformed(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>oops</html>`))
	}), nil)
	_, err := c.ApprovalStatus(context.Background(), "ap-1")
	if !errors.Is(err, reliability.ErrProtocol) {
		t.Fatalf("ApprovalStatus() error = %v, want ErrProtocol", err)
	}
}

func TestHTTPClientApprovalStatusNormalizes(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/approval/status/") {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"approved"}`))
	}), nil)
	state, err := c.ApprovalStatus(context.Background(), "ap-1")
	if err != nil {
		t.Fatalf("ApprovalStatus() error = %v", err)
	}
	if state != ApprovalApproved {
		t.Fatalf("state = %q, want %q", state, ApprovalApproved)
	}
}

func TestHTTPClientTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second})
	_, err := c.GetWallet(context.Background())
	if !errors.Is(err, reliability.ErrTransient) {
		t.Fatalf("GetWallet() error = %v, want ErrTransient", err)
	}
}

func TestHTTPClientWalletAndWithdraw(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/wallets", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"balance":{"amount":"460.00"}}`))
	})
	mux.HandleFunc("/transactions/withdraw", func(w http.ResponseWriter, r *http.Request) {
		var body withdrawRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Amount != "40" {
			t.Errorf("amount = %q, want 40", body.Amount)
		}
		_, _ = w.Write([]byte(`{"balance":{"amount":460,"currency":"USD"}}`))
	})
	c := newTestClient(t, mux, nil)

	wallet, err := c.GetWallet(context.Background())
	if err != nil {
		t.Fatalf("GetWallet() error = %v", err)
	}
	if !wallet.Amount.Equal(decimal.NewFromInt(460)) || wallet.Currency != "USD" {
		t.Fatalf("wallet = %+v", wallet)
	}

	settlement, err := c.ExecuteWithdraw(context.Background(), decimal.NewFromInt(40))
	if err != nil {
		t.Fatalf("ExecuteWithdraw() error = %v", err)
	}
	if !settlement.Reported || !settlement.NewBalance.Equal(decimal.NewFromInt(460)) {
		t.Fatalf("settlement = %+v", settlement)
	}
}

func TestHTTPClientWithdrawWithoutBalanceEcho(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), nil)
	settlement, err := c.ExecuteWithdraw(context.Background(), decimal.NewFromInt(40))
	if err != nil {
		t.Fatalf("ExecuteWithdraw() error = %v", err)
	}
	if settlement.Reported {
		t.Fatalf("Reported = true, want false for empty body")
	}
}
