package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Scale is the fixed decimal scale of every persisted amount, price and
// total. All arithmetic rounds to it before hitting the database.
const Scale = 8

// User represents a registered user
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Account holds a user's balance in one currency. Balances never go
// negative after a committed operation and are mutated only while the row
// is locked.
type Account struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Version   int64           `json:"-"`
	CreatedAt time.Time       `json:"created_at"`
}

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the counter side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Status of an order.
type Status string

const (
	StatusInit      Status = "init"
	StatusPending   Status = "pending"
	StatusApproving Status = "approving"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

// Resting reports whether an order in this status is still available to
// be matched against.
func (s Status) Resting() bool {
	return s == StatusInit || s == StatusPending
}

// Terminal reports whether the status is immutable history.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// Pair is a base/quote currency pair, e.g. BTC/USD.
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// MarshalText renders the pair as BASE/QUOTE in JSON and log output.
func (p Pair) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses BASE/QUOTE.
func (p *Pair) UnmarshalText(text []byte) error {
	parsed, err := ParsePair(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePair parses "BASE/QUOTE".
func ParsePair(s string) (Pair, error) {
	base, quote, ok := strings.Cut(s, "/")
	if !ok || base == "" || quote == "" {
		return Pair{}, fmt.Errorf("invalid currency pair %q", s)
	}
	return Pair{Base: base, Quote: quote}, nil
}

// Order represents a buy or sell order against a currency pair. A fill
// fraction produced by splitting an order is itself an Order row, terminal
// on creation and linked to its counterpart.
type Order struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	Pair        Pair            `json:"pair"`
	Side        Side            `json:"side"`
	Status      Status          `json:"status"`
	Price       decimal.Decimal `json:"price"`  // quote per base unit
	Amount      decimal.Decimal `json:"amount"` // base-currency quantity
	Total       decimal.Decimal `json:"total"`  // quote-currency quantity = round(Amount*Price)
	NeedApprove bool            `json:"need_approve"`
	Link        int64           `json:"link,omitempty"` // counter-order id, 0 if unlinked
	CreatedAt   time.Time       `json:"created_at"`     // time priority
}

// Total computes amount*price rounded to the persisted scale.
func Total(amount, price decimal.Decimal) decimal.Decimal {
	return amount.Mul(price).Round(Scale)
}

// FromCurrency is the currency debited when the order is placed.
func (o *Order) FromCurrency() string {
	if o.Side == SideBuy {
		return o.Pair.Quote
	}
	return o.Pair.Base
}

// ToCurrency is the currency credited when the order settles.
func (o *Order) ToCurrency() string {
	if o.Side == SideBuy {
		return o.Pair.Base
	}
	return o.Pair.Quote
}

// FromAmount is the quantity reserved from the from-currency account.
func (o *Order) FromAmount() decimal.Decimal {
	if o.Side == SideBuy {
		return o.Total
	}
	return o.Amount
}

// ToAmount is the quantity credited to the to-currency account on
// settlement.
func (o *Order) ToAmount() decimal.Decimal {
	if o.Side == SideBuy {
		return o.Amount
	}
	return o.Total
}

// Remaining is the unmatched base quantity of an order. Orders are
// compared through this value type, never directly against raw numbers.
type Remaining struct {
	Amount   decimal.Decimal
	Currency string
}

// Remaining returns the order's unmatched base quantity.
func (o *Order) Remaining() Remaining {
	return Remaining{Amount: o.Amount, Currency: o.Pair.Base}
}

// Cmp compares two remainders of the same currency. It panics on a
// currency mismatch: comparing remainders across pairs is a programming
// error, not a runtime condition.
func (r Remaining) Cmp(other Remaining) int {
	if r.Currency != other.Currency {
		panic(fmt.Sprintf("comparing remainders of %s and %s", r.Currency, other.Currency))
	}
	return r.Amount.Cmp(other.Amount)
}

// Crosses reports whether a resting order at restingPrice is an eligible
// price for this taker.
func (o *Order) Crosses(restingPrice decimal.Decimal) bool {
	if o.Side == SideBuy {
		return restingPrice.Cmp(o.Price) <= 0
	}
	return restingPrice.Cmp(o.Price) >= 0
}

// Fill records one matched slice: the taker-side row, its counterpart and
// the executed quantity at the maker's price.
type Fill struct {
	OrderID   int64           `json:"order_id"`
	CounterID int64           `json:"counter_id"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Total     decimal.Decimal `json:"total"`
	Status    Status          `json:"status"`
}

// MarketStats is an append-only rolling-window snapshot for one pair.
type MarketStats struct {
	ID         int64           `json:"id"`
	Pair       Pair            `json:"-"`
	Rate       decimal.Decimal `json:"rate"`
	Rate24hMax decimal.Decimal `json:"rate_24h_max"`
	Rate24hMin decimal.Decimal `json:"rate_24h_min"`
	Volume24h  decimal.Decimal `json:"volume_24h"`
	CreatedAt  time.Time       `json:"created_at"`
}
