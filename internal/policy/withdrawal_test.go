package policy

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestValidateWithdrawal(t *testing.T) {
	limits := DefaultLimits()
	cases := []struct {
		name    string
		amount  string
		balance string
		want    Rule
	}{
		{"zero", "0", "1000", RuleInvalidAmount},
		{"negative", "-40", "1000", RuleInvalidAmount},
		{"odd amount", "35", "1000", RuleDenomination},
		{"fractional", "20.5", "1000", RuleDenomination},
		{"above max", "820", "5000", RuleAboveMax},
		{"insufficient", "100", "60", RuleInsufficientFunds},
		{"denomination before funds", "35", "0", RuleDenomination},
		{"max before funds", "1000", "0", RuleAboveMax},
	}
	for _, tc := range cases {
		got := ValidateWithdrawal(decimal.RequireFromString(tc.amount), decimal.RequireFromString(tc.balance), limits)
		if got.OK {
			t.Fatalf("%s: OK = true, want violation %q", tc.name, tc.want)
		}
		if got.Violated != tc.want {
			t.Fatalf("%s: Violated = %q, want %q", tc.name, got.Violated, tc.want)
		}
	}
}

func TestValidateWithdrawalBelowMin(t *testing.T) {
	limits := Limits{
		Denomination: decimal.NewFromInt(10),
		Min:          decimal.NewFromInt(40),
		Max:          decimal.NewFromInt(800),
	}
	got := ValidateWithdrawal(decimal.NewFromInt(30), decimal.NewFromInt(1000), limits)
	if got.Violated != RuleBelowMin {
		t.Fatalf("Violated = %q, want %q", got.Violated, RuleBelowMin)
	}
}

func TestValidateWithdrawalAccepts(t *testing.T) {
	for _, amount := range []int64{20, 40, 800} {
		got := ValidateWithdrawal(decimal.NewFromInt(amount), decimal.NewFromInt(800), DefaultLimits())
		if !got.OK {
			t.Fatalf("ValidateWithdrawal(%d) = %+v, want OK", amount, got)
		}
	}
}

func TestLimitsValidate(t *testing.T) {
	if err := DefaultLimits().Validate(); err != nil {
		t.Fatalf("DefaultLimits().Validate() error = %v", err)
	}
	bad := DefaultLimits()
	bad.Max = decimal.NewFromInt(10)
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error when max < min")
	}
	bad = DefaultLimits()
	bad.Denomination = decimal.Zero
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for zero denomination")
	}
}
