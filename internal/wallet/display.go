// Package wallet holds the balance currently shown on the terminal display.
package wallet

import (
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/ent0n29/smartatm/internal/protocol"
)

// Balance is a point-in-time view of the customer's wallet.
type Balance struct {
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Source    string          `json:"source,omitempty"`
	Loaded    bool            `json:"loaded"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Event renders the balance for the display's event stream.
func (b Balance) Event() protocol.BalanceUpdated {
	return protocol.BalanceUpdated{
		Type:     protocol.TypeBalanceUpdated,
		Amount:   b.Amount.StringFixed(2),
		Currency: b.Currency,
		Source:   b.Source,
		At:       b.UpdatedAt,
	}
}

// Display is the single shared balance. The last completed update wins.
type Display struct {
	mu       sync.RWMutex
	clock    clockwork.Clock
	balance  Balance
	onChange func(Balance)
}

func NewDisplay(c clockwork.Clock, currency string) *Display {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	if strings.TrimSpace(currency) == "" {
		currency = "USD"
	}
	return &Display{clock: c, balance: Balance{Currency: strings.ToUpper(currency)}}
}

// OnChange registers a callback invoked after each update, outside the lock.
func (d *Display) OnChange(fn func(Balance)) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// Current returns the displayed balance. An unloaded balance reads as zero.
func (d *Display) Current() Balance {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.balance
}

func (d *Display) Update(source string, amount decimal.Decimal, currency string) Balance {
	d.mu.Lock()
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = d.balance.Currency
	}
	d.balance = Balance{
		Amount:    amount,
		Currency:  currency,
		Source:    source,
		Loaded:    true,
		UpdatedAt: d.clock.Now().UTC(),
	}
	b := d.balance
	fn := d.onChange
	d.mu.Unlock()

	if fn != nil {
		fn(b)
	}
	return b
}
