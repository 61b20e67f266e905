package receipt

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ent0n29/smartatm/internal/policy"
)

func fixedBuilder() *Builder {
	b := NewBuilder(func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) })
	b.newID = func() string { return "0f3c2a91-1111-2222-3333-444455556666" }
	return b
}

func TestFormatMoney(t *testing.T) {
	cases := []struct {
		amount   string
		currency string
		want     string
	}{
		{"40", "USD", "$40.00"},
		{"960.5", "usd", "$960.50"},
		{"20", "", "$20.00"},
		{"12.345", "EUR", "€12.35"},
		{"-5", "GBP", "-£5.00"},
		{"100", "CHF", "100.00 CHF"},
	}
	for _, tc := range cases {
		got := FormatMoney(decimal.RequireFromString(tc.amount), tc.currency)
		if got != tc.want {
			t.Fatalf("FormatMoney(%s, %q) = %q, want %q", tc.amount, tc.currency, got, tc.want)
		}
	}
}

func TestWithdrawalSuccessReceipt(t *testing.T) {
	newBalance := decimal.NewFromInt(960)
	r := fixedBuilder().Withdrawal(OutcomeSuccess, Withdrawal{
		CustomerID: "c1",
		Amount:     decimal.NewFromInt(40),
		Currency:   "USD",
		ApprovalID: "ap-1",
		NewBalance: &newBalance,
	})
	if r.Title != "Withdrawal Successful" {
		t.Fatalf("Title = %q, want %q", r.Title, "Withdrawal Successful")
	}
	want := []string{"Dispensed:   $40.00", "New Balance: $960.00"}
	if strings.Join(r.Lines, "|") != strings.Join(want, "|") {
		t.Fatalf("Lines = %q, want %q", r.Lines, want)
	}
	if r.Kind != KindWithdrawal || r.ApprovalID != "ap-1" {
		t.Fatalf("unexpected receipt: %+v", r)
	}
	if r.Rule != "" {
		t.Fatalf("Rule = %q, want empty on success", r.Rule)
	}
}

func TestWithdrawalRejectedReceiptNamesRule(t *testing.T) {
	cases := []struct {
		rule policy.Rule
		line string
	}{
		{policy.RuleDenomination, "Amount must be in $20.00 denominations."},
		{policy.RuleBelowMin, "Minimum per withdrawal is $20.00."},
		{policy.RuleAboveMax, "Maximum per withdrawal is $800.00."},
		{policy.RuleInsufficientFunds, "Insufficient funds."},
	}
	for _, tc := range cases {
		r := fixedBuilder().Withdrawal(OutcomeRejected, Withdrawal{
			Amount: decimal.NewFromInt(35),
			Rule:   tc.rule,
			Limits: policy.DefaultLimits(),
		})
		if r.Rule != string(tc.rule) {
			t.Fatalf("Rule = %q, want %q", r.Rule, tc.rule)
		}
		if len(r.Lines) != 1 || r.Lines[0] != tc.line {
			t.Fatalf("Lines = %q, want [%q]", r.Lines, tc.line)
		}
	}
}

func TestWithdrawalErrorReceiptRedactsDetail(t *testing.T) {
	r := fixedBuilder().Withdrawal(OutcomeNotifyFailed, Withdrawal{
		Amount: decimal.NewFromInt(40),
		Detail: "status 401: Bearer secret-token-value",
	})
	if r.Title != "Withdrawal Error" {
		t.Fatalf("Title = %q, want %q", r.Title, "Withdrawal Error")
	}
	text := r.Text()
	if strings.Contains(text, "secret-token-value") {
		t.Fatalf("receipt leaked credential: %q", text)
	}
	if !strings.Contains(text, "Detail: status 401") {
		t.Fatalf("receipt missing detail: %q", text)
	}
}

func TestWithdrawalTitles(t *testing.T) {
	cases := map[Outcome]string{
		OutcomeRejected:         "Withdrawal Failed",
		OutcomeDeclined:         "Withdrawal Declined",
		OutcomeTimedOut:         "Withdrawal Timeout",
		OutcomeSettlementFailed: "Withdrawal Error",
		OutcomeUnknown:          "Withdrawal Failed",
		OutcomeCancelled:        "Withdrawal Cancelled",
	}
	for outcome, title := range cases {
		r := fixedBuilder().Withdrawal(outcome, Withdrawal{Amount: decimal.NewFromInt(40), ApprovalID: "abcdef12-3456"})
		if r.Title != title {
			t.Fatalf("%s: Title = %q, want %q", outcome, r.Title, title)
		}
		if r.Outcome != outcome {
			t.Fatalf("Outcome = %q, want %q", r.Outcome, outcome)
		}
	}
}

func TestBalanceReceipt(t *testing.T) {
	r := fixedBuilder().Balance("c1", decimal.RequireFromString("250.75"), "USD")
	want := []string{
		"Available:   $250.75",
		"Ledger:      $250.75",
		"Time:        2026-03-01 09:30:00 UTC",
		"Ref:         0F3C2A91",
	}
	if strings.Join(r.Lines, "|") != strings.Join(want, "|") {
		t.Fatalf("Lines = %q, want %q", r.Lines, want)
	}
	if r.Outcome != OutcomeBalance || r.Kind != KindBalance {
		t.Fatalf("unexpected receipt: %+v", r)
	}
}

func TestCloneDoesNotShareLines(t *testing.T) {
	r := fixedBuilder().Withdrawal(OutcomeDeclined, Withdrawal{Amount: decimal.NewFromInt(40)})
	c := r.Clone()
	c.Lines[0] = "mutated"
	if r.Lines[0] == "mutated" {
		t.Fatalf("Clone shares the lines slice")
	}
}
