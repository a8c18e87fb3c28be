package ledger

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/peakex/exchange/internal/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func account(id int64, currency, balance string) *models.Account {
	return &models.Account{ID: id, Currency: currency, Balance: dec(balance)}
}

func TestReserve(t *testing.T) {
	tests := []struct {
		name        string
		balance     string
		amount      string
		expectError bool
		expectAfter string
	}{
		{name: "Success", balance: "100", amount: "40", expectAfter: "60"},
		{name: "ExactBalance", balance: "100", amount: "100", expectAfter: "0"},
		{name: "Insufficient", balance: "100", amount: "100.00000001", expectError: true},
		{name: "ZeroAmount", balance: "100", amount: "0", expectAfter: "100"},
		{name: "NegativeAmount", balance: "100", amount: "-1", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acct := account(1, "USD", tt.balance)
			err := Reserve(acct, dec(tt.amount))
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				// A failed debit must leave the balance untouched.
				if !acct.Balance.Equal(dec(tt.balance)) {
					t.Errorf("balance mutated on failure: %s", acct.Balance)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !acct.Balance.Equal(dec(tt.expectAfter)) {
				t.Errorf("balance = %s, expected %s", acct.Balance, tt.expectAfter)
			}
		})
	}
}

func TestReserve_InsufficientFundsSentinel(t *testing.T) {
	acct := account(1, "USD", "5")
	err := Reserve(acct, dec("10"))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestRelease(t *testing.T) {
	acct := account(1, "USD", "60")
	Release(acct, dec("40"))
	if !acct.Balance.Equal(dec("100")) {
		t.Errorf("balance = %s, expected 100", acct.Balance)
	}
}

func TestSettle(t *testing.T) {
	from := account(1, "USD", "100")
	to := account(2, "USD", "10")

	if err := Settle(from, to, dec("30")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !from.Balance.Equal(dec("70")) || !to.Balance.Equal(dec("40")) {
		t.Errorf("balances = %s/%s, expected 70/40", from.Balance, to.Balance)
	}

	// Sum of balances is conserved.
	if !from.Balance.Add(to.Balance).Equal(dec("110")) {
		t.Errorf("settle created or destroyed value")
	}
}

func TestSettle_InsufficientLeavesBothUntouched(t *testing.T) {
	from := account(1, "USD", "10")
	to := account(2, "USD", "5")

	err := Settle(from, to, dec("30"))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if !from.Balance.Equal(dec("10")) || !to.Balance.Equal(dec("5")) {
		t.Errorf("failed settle mutated balances: %s/%s", from.Balance, to.Balance)
	}
}
