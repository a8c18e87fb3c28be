// Package ledger implements balance arithmetic over locked accounts.
//
// Every function here requires the caller to already hold the account's
// row lock and runs inside the caller's transaction; the package itself
// performs no locking and no persistence. Balances are never left
// negative: a debit that would undershoot fails before anything mutates.
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/peakex/exchange/internal/models"
)

// ErrInsufficientFunds is the business error returned when a debit would
// take a balance below zero. It never leaves balances inconsistent.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Reserve debits amount from the account, freezing it for an order.
func Reserve(acct *models.Account, amount decimal.Decimal) error {
	return debit(acct, amount)
}

// Release returns a previously reserved amount to the account.
func Release(acct *models.Account, amount decimal.Decimal) {
	credit(acct, amount)
}

// Credit adds a settled amount to the account. The matching debit was
// taken when the counterparty's funds were reserved.
func Credit(acct *models.Account, amount decimal.Decimal) {
	credit(acct, amount)
}

// Settle moves amount from one account to another. Both mutations succeed
// or neither does.
func Settle(from, to *models.Account, amount decimal.Decimal) error {
	if err := debit(from, amount); err != nil {
		return err
	}
	credit(to, amount)
	return nil
}

func debit(acct *models.Account, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("negative debit %s on account %d", amount, acct.ID)
	}
	if acct.Balance.Sub(amount).IsNegative() {
		return fmt.Errorf("account %d (%s): %w", acct.ID, acct.Currency, ErrInsufficientFunds)
	}
	acct.Balance = acct.Balance.Sub(amount)
	return nil
}

func credit(acct *models.Account, amount decimal.Decimal) {
	if amount.IsNegative() {
		panic(fmt.Sprintf("negative credit %s on account %d", amount, acct.ID))
	}
	acct.Balance = acct.Balance.Add(amount)
}
