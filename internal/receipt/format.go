package receipt

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ent0n29/smartatm/internal/policy"
)

const DefaultCurrency = "USD"

var (
	currencySymbols = map[string]string{
		"USD": "$",
		"EUR": "€",
		"GBP": "£",
		"INR": "₹",
	}
	moneyPrinter = message.NewPrinter(language.English)
)

// FormatMoney renders an amount with two decimals and thousands grouping.
// Unknown currency codes are appended instead of prefixed.
func FormatMoney(amount decimal.Decimal, currency string) string {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		code = DefaultCurrency
	}
	sign := ""
	if amount.IsNegative() {
		sign = "-"
		amount = amount.Abs()
	}
	f, _ := amount.Round(2).Float64()
	num := moneyPrinter.Sprintf("%.2f", f)
	if sym, ok := currencySymbols[code]; ok {
		return sign + sym + num
	}
	return sign + num + " " + code
}

// Withdrawal carries the facts a withdrawal receipt is built from.
type Withdrawal struct {
	CustomerID string
	Amount     decimal.Decimal
	Currency   string
	ApprovalID string
	// Rule and Limits are set for REJECTED receipts.
	Rule   policy.Rule
	Limits policy.Limits
	// NewBalance is set for SUCCESS receipts when the ledger reported one.
	NewBalance *decimal.Decimal
	// Detail is extra text for error outcomes. It is redacted before printing.
	Detail string
}

// Builder issues receipts with fresh ids and timestamps.
type Builder struct {
	now   func() time.Time
	newID func() string
}

func NewBuilder(now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{now: now, newID: uuid.NewString}
}

func (b *Builder) issue(kind Kind, outcome Outcome, title string, lines []string) Receipt {
	return Receipt{
		ID:        b.newID(),
		Kind:      kind,
		Title:     title,
		Lines:     append([]string(nil), lines...),
		Outcome:   outcome,
		CreatedAt: b.now().UTC(),
	}
}

func (b *Builder) Withdrawal(outcome Outcome, w Withdrawal) Receipt {
	title, lines := withdrawalWording(outcome, w)
	r := b.issue(KindWithdrawal, outcome, title, lines)
	r.CustomerID = w.CustomerID
	r.Amount = w.Amount
	r.Currency = normalizedCurrency(w.Currency)
	r.ApprovalID = w.ApprovalID
	if outcome == OutcomeRejected {
		r.Rule = string(w.Rule)
	}
	return r
}

// Balance issues a balance inquiry receipt.
func (b *Builder) Balance(customerID string, amount decimal.Decimal, currency string) Receipt {
	r := b.issue(KindBalance, OutcomeBalance, "Balance Inquiry", nil)
	money := FormatMoney(amount, currency)
	r.Lines = []string{
		"Available:   " + money,
		"Ledger:      " + money,
		"Time:        " + r.CreatedAt.Format("2006-01-02 15:04:05 MST"),
		"Ref:         " + shortRef(r.ID),
	}
	r.CustomerID = customerID
	r.Amount = amount
	r.Currency = normalizedCurrency(currency)
	return r
}

func withdrawalWording(outcome Outcome, w Withdrawal) (string, []string) {
	switch outcome {
	case OutcomeSuccess:
		newBalance := "unavailable"
		if w.NewBalance != nil {
			newBalance = FormatMoney(*w.NewBalance, w.Currency)
		}
		return "Withdrawal Successful", []string{
			"Dispensed:   " + FormatMoney(w.Amount, w.Currency),
			"New Balance: " + newBalance,
		}
	case OutcomeRejected:
		return "Withdrawal Failed", []string{ruleMessage(w.Rule, w.Limits, w.Currency)}
	case OutcomeDeclined:
		return "Withdrawal Declined", []string{"Approval was declined in mobile app."}
	case OutcomeTimedOut:
		return "Withdrawal Timeout", []string{"Approval request expired. Please try again."}
	case OutcomeNotifyFailed:
		return "Withdrawal Error", withDetail([]string{"Could not send approval request to your mobile app."}, w.Detail)
	case OutcomeSettlementFailed:
		lines := []string{"Withdrawal was approved but could not be completed."}
		if w.ApprovalID != "" {
			lines = append(lines, "Please contact your bank. Ref: "+shortRef(w.ApprovalID))
		}
		return "Withdrawal Error", withDetail(lines, w.Detail)
	case OutcomeCancelled:
		return "Withdrawal Cancelled", []string{"Approval request was cancelled."}
	default:
		return "Withdrawal Failed", withDetail([]string{"Unexpected approval status."}, w.Detail)
	}
}

func ruleMessage(rule policy.Rule, limits policy.Limits, currency string) string {
	switch rule {
	case policy.RuleInvalidAmount:
		return "Enter a valid amount."
	case policy.RuleDenomination:
		return "Amount must be in " + FormatMoney(limits.Denomination, currency) + " denominations."
	case policy.RuleBelowMin:
		return "Minimum per withdrawal is " + FormatMoney(limits.Min, currency) + "."
	case policy.RuleAboveMax:
		return "Maximum per withdrawal is " + FormatMoney(limits.Max, currency) + "."
	case policy.RuleInsufficientFunds:
		return "Insufficient funds."
	default:
		return "Withdrawal not allowed."
	}
}

func withDetail(lines []string, detail string) []string {
	detail = strings.TrimSpace(policy.RedactAll(detail))
	if detail == "" {
		return lines
	}
	if r := []rune(detail); len(r) > 120 {
		detail = string(r[:120]) + "..."
	}
	return append(lines, "Detail: "+detail)
}

func shortRef(id string) string {
	ref := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(ref) > 8 {
		ref = ref[:8]
	}
	return ref
}

func normalizedCurrency(currency string) string {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		return DefaultCurrency
	}
	return code
}
