package iam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ent0n29/smartatm/internal/credentials"
	"github.com/ent0n29/smartatm/internal/policy"
	"github.com/ent0n29/smartatm/internal/receipt"
	"github.com/ent0n29/smartatm/internal/reliability"
)

const maxResponseBytes = 1 << 20

// HTTPClient implements Backend against the IAM HTTP API.
type HTTPClient struct {
	baseURL  string
	currency string
	client   *http.Client
	creds    credentials.Provider
	logger   *zap.Logger
}

type HTTPOptions struct {
	BaseURL string
	Timeout time.Duration
	// Currency is used in the push notification text.
	Currency    string
	Credentials credentials.Provider
	Logger      *zap.Logger
}

func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		currency: opts.Currency,
		client:   &http.Client{Timeout: timeout},
		creds:    opts.Credentials,
		logger:   logger,
	}
}

type startSessionRequest struct {
	CustomerID string `json:"customerId"`
}

type sessionGrantResponse struct {
	SessionID                   string `json:"sessionId"`
	JWT                         string `json:"jwt"`
	SessionExpiresAtEpochSec    int64  `json:"sessionExpiresAtEpochSec"`
	CredentialExpiresAtEpochSec int64  `json:"credentialExpiresAtEpochSec"`
}

type sessionStatusResponse struct {
	Status      string `json:"status"`
	AccessToken string `json:"accessToken"`
}

type notifyRequest struct {
	CustomerID  string     `json:"customerId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Body        string     `json:"body"`
	Channel     string     `json:"channel"`
	Data        notifyData `json:"data"`
}

type notifyData struct {
	Action   string `json:"action"`
	Amount   string `json:"amount"`
	Message  string `json:"message"`
	DeepLink string `json:"deepLink"`
}

type notifyResponse struct {
	SessionID         string `json:"sessionId"`
	ApprovalID        string `json:"approvalId"`
	ExpiresAtEpochSec int64  `json:"expiresAtEpochSec"`
}

type approvalStatusResponse struct {
	Status string `json:"status"`
}

type withdrawRequest struct {
	Amount string `json:"amount"`
}

type balanceBody struct {
	Amount   *decimal.Decimal `json:"amount"`
	Currency string           `json:"currency"`
}

type walletResponse struct {
	Balance    *balanceBody     `json:"balance"`
	NewBalance *decimal.Decimal `json:"newBalance"`
}

func (c *HTTPClient) StartSession(ctx context.Context, customerID string) (SessionGrant, error) {
	raw, err := c.call(ctx, http.MethodPost, "/api/qr/session", startSessionRequest{CustomerID: customerID})
	if err != nil {
		return SessionGrant{}, err
	}
	var resp sessionGrantResponse
	if err := decode(raw, &resp); err != nil {
		return SessionGrant{}, err
	}
	if resp.SessionID == "" || resp.JWT == "" {
		return SessionGrant{}, fmt.Errorf("%w: session grant missing sessionId or jwt", reliability.ErrProtocol)
	}
	return SessionGrant{
		SessionID:           resp.SessionID,
		Credential:          resp.JWT,
		SessionExpiresAt:    fromEpoch(resp.SessionExpiresAtEpochSec),
		CredentialExpiresAt: fromEpoch(resp.CredentialExpiresAtEpochSec),
	}, nil
}

func (c *HTTPClient) NextCredential(ctx context.Context, sessionID string) (CredentialGrant, error) {
	raw, err := c.call(ctx, http.MethodPost, "/api/qr/session/"+url.PathEscape(sessionID)+"/refresh", nil)
	if err != nil {
		return CredentialGrant{}, err
	}
	var resp sessionGrantResponse
	if err := decode(raw, &resp); err != nil {
		return CredentialGrant{}, err
	}
	if resp.JWT == "" {
		return CredentialGrant{}, fmt.Errorf("%w: credential refresh missing jwt", reliability.ErrProtocol)
	}
	return CredentialGrant{
		Credential:          resp.JWT,
		CredentialExpiresAt: fromEpoch(resp.CredentialExpiresAtEpochSec),
	}, nil
}

func (c *HTTPClient) SessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	raw, err := c.call(ctx, http.MethodGet, "/api/qr/session/"+url.PathEscape(sessionID)+"/status", nil)
	if err != nil {
		return SessionStatus{}, err
	}
	var resp sessionStatusResponse
	if err := decode(raw, &resp); err != nil {
		return SessionStatus{}, err
	}
	state := SessionState(strings.ToUpper(strings.TrimSpace(resp.Status)))
	if !state.Known() {
		return SessionStatus{}, fmt.Errorf("%w: unexpected session status %q", reliability.ErrProtocol, resp.Status)
	}
	return SessionStatus{State: state, AccessToken: resp.AccessToken}, nil
}

func (c *HTTPClient) NotifyApproval(ctx context.Context, customerID string, amount decimal.Decimal) (ApprovalTicket, error) {
	amt := amount.String()
	req := notifyRequest{
		CustomerID:  customerID,
		Title:       "Cash Withdrawal Approval",
		Description: "Approval request from Smart ATM",
		Body:        "Tap to approve withdrawal of " + receipt.FormatMoney(amount, c.currency),
		Channel:     "HIGH_ALERT",
		Data: notifyData{
			Action:   "CASH_WITHDRAW",
			Amount:   amt,
			Message:  "Approve ATM Cash Withdrawal",
			DeepLink: "app://auth/approve?type=withdraw&amount=" + url.QueryEscape(amt),
		},
	}
	raw, err := c.call(ctx, http.MethodPost, "/api/notify/token", req)
	if err != nil {
		return ApprovalTicket{}, err
	}
	var resp notifyResponse
	if err := decode(raw, &resp); err != nil {
		return ApprovalTicket{}, err
	}
	id := resp.ApprovalID
	if id == "" {
		id = resp.SessionID
	}
	if id == "" {
		return ApprovalTicket{}, fmt.Errorf("%w: notify response missing approval id", reliability.ErrProtocol)
	}
	return ApprovalTicket{ApprovalID: id, ExpiresAt: fromEpoch(resp.ExpiresAtEpochSec)}, nil
}

func (c *HTTPClient) ApprovalStatus(ctx context.Context, approvalID string) (ApprovalState, error) {
	raw, err := c.call(ctx, http.MethodGet, "/api/approval/status/"+url.PathEscape(approvalID), nil)
	if err != nil {
		return "", err
	}
	var resp approvalStatusResponse
	if err := decode(raw, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Status) == "" {
		return "", fmt.Errorf("%w: approval status missing", reliability.ErrProtocol)
	}
	return ApprovalState(strings.ToUpper(strings.TrimSpace(resp.Status))), nil
}

func (c *HTTPClient) ExecuteWithdraw(ctx context.Context, amount decimal.Decimal) (Settlement, error) {
	raw, err := c.call(ctx, http.MethodPost, "/transactions/withdraw", withdrawRequest{Amount: amount.String()})
	if err != nil {
		return Settlement{}, err
	}
	// The settlement already happened; an unreadable body only loses the
	// echoed balance.
	var resp walletResponse
	if len(bytes.TrimSpace(raw)) == 0 || json.Unmarshal(raw, &resp) != nil {
		return Settlement{}, nil
	}
	switch {
	case resp.Balance != nil && resp.Balance.Amount != nil:
		return Settlement{NewBalance: *resp.Balance.Amount, Currency: resp.Balance.Currency, Reported: true}, nil
	case resp.NewBalance != nil:
		return Settlement{NewBalance: *resp.NewBalance, Reported: true}, nil
	default:
		return Settlement{}, nil
	}
}

func (c *HTTPClient) GetWallet(ctx context.Context) (Wallet, error) {
	raw, err := c.call(ctx, http.MethodGet, "/wallets", nil)
	if err != nil {
		return Wallet{}, err
	}
	var resp walletResponse
	if err := decode(raw, &resp); err != nil {
		return Wallet{}, err
	}
	w := Wallet{Amount: decimal.Zero, Currency: receipt.DefaultCurrency}
	if resp.Balance != nil {
		if resp.Balance.Amount != nil {
			w.Amount = *resp.Balance.Amount
		}
		if resp.Balance.Currency != "" {
			w.Currency = resp.Balance.Currency
		}
	}
	return w, nil
}

func (c *HTTPClient) call(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", reliability.ErrTransient, method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		kind := reliability.ErrRejected
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			kind = reliability.ErrTransient
		}
		c.logger.Debug("iam request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", res.StatusCode),
		)
		return nil, fmt.Errorf("%w: %s %s status %d: %s", kind, method, path, res.StatusCode,
			policy.RedactCredentials(strings.TrimSpace(string(snippet))))
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %w", reliability.ErrTransient, path, err)
	}
	return raw, nil
}

func (c *HTTPClient) authorize(ctx context.Context, req *http.Request) error {
	if c.creds == nil {
		return nil
	}
	token, err := c.creds.Token(ctx)
	if errors.Is(err, credentials.ErrNoCredential) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: load bearer credential: %w", reliability.ErrTransient, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func decode(raw []byte, out any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: empty response body", reliability.ErrProtocol)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", reliability.ErrProtocol, err)
	}
	return nil
}

func fromEpoch(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
