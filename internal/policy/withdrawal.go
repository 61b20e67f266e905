package policy

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Rule names a withdrawal validation rule. Rules are evaluated in the order
// declared here and the first violation wins.
type Rule string

const (
	RuleInvalidAmount     Rule = "INVALID_AMOUNT"
	RuleDenomination      Rule = "DENOMINATION"
	RuleBelowMin          Rule = "BELOW_MIN"
	RuleAboveMax          Rule = "ABOVE_MAX"
	RuleInsufficientFunds Rule = "INSUFFICIENT_FUNDS"
)

type Limits struct {
	Denomination decimal.Decimal
	Min          decimal.Decimal
	Max          decimal.Decimal
}

// DefaultLimits match the cassette configuration of the reference terminal.
func DefaultLimits() Limits {
	return Limits{
		Denomination: decimal.NewFromInt(20),
		Min:          decimal.NewFromInt(20),
		Max:          decimal.NewFromInt(800),
	}
}

func (l Limits) Validate() error {
	if !l.Denomination.IsPositive() {
		return errors.New("withdrawal denomination must be > 0")
	}
	if !l.Min.IsPositive() {
		return errors.New("withdrawal minimum must be > 0")
	}
	if l.Max.LessThan(l.Min) {
		return errors.New("withdrawal maximum must be >= minimum")
	}
	return nil
}

type Result struct {
	OK       bool
	Violated Rule
}

func violation(rule Rule) Result {
	return Result{Violated: rule}
}

// ValidateWithdrawal checks a requested amount against the limits and the
// balance currently shown to the customer. It performs no I/O.
func ValidateWithdrawal(amount, balance decimal.Decimal, limits Limits) Result {
	if !amount.IsPositive() {
		return violation(RuleInvalidAmount)
	}
	if limits.Denomination.IsPositive() && !amount.Mod(limits.Denomination).IsZero() {
		return violation(RuleDenomination)
	}
	if amount.LessThan(limits.Min) {
		return violation(RuleBelowMin)
	}
	if amount.GreaterThan(limits.Max) {
		return violation(RuleAboveMax)
	}
	if amount.GreaterThan(balance) {
		return violation(RuleInsufficientFunds)
	}
	return Result{OK: true}
}
