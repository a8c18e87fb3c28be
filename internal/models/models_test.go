package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestParsePair(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expectBase  string
		expectQuote string
		expectError bool
	}{
		{name: "Success", input: "BTC/USD", expectBase: "BTC", expectQuote: "USD"},
		{name: "NoSeparator", input: "BTCUSD", expectError: true},
		{name: "EmptyBase", input: "/USD", expectError: true},
		{name: "EmptyQuote", input: "BTC/", expectError: true},
		{name: "Empty", input: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pair, err := ParsePair(tt.input)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if pair.Base != tt.expectBase || pair.Quote != tt.expectQuote {
				t.Errorf("expected %s/%s, got %s/%s", tt.expectBase, tt.expectQuote, pair.Base, pair.Quote)
			}
			if pair.String() != tt.input {
				t.Errorf("expected round trip %q, got %q", tt.input, pair.String())
			}
		})
	}
}

func TestTotal(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		price  string
		expect string
	}{
		{name: "Exact", amount: "5", price: "1.2", expect: "6"},
		{name: "Rounded", amount: "0.33333333", price: "3", expect: "0.99999999"},
		{name: "RoundsHalfUp", amount: "0.000000015", price: "1", expect: "0.00000002"},
		{name: "Small", amount: "0.00000001", price: "0.1", expect: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Total(dec(tt.amount), dec(tt.price))
			if !got.Equal(dec(tt.expect)) {
				t.Errorf("Total(%s, %s) = %s, expected %s", tt.amount, tt.price, got, tt.expect)
			}
		})
	}
}

func TestOrder_DerivedFields(t *testing.T) {
	pair := Pair{Base: "BTC", Quote: "USD"}

	buy := &Order{Pair: pair, Side: SideBuy, Price: dec("50000"), Amount: dec("0.1"), Total: dec("5000")}
	if buy.FromCurrency() != "USD" || buy.ToCurrency() != "BTC" {
		t.Errorf("buy order: from=%s to=%s", buy.FromCurrency(), buy.ToCurrency())
	}
	if !buy.FromAmount().Equal(dec("5000")) {
		t.Errorf("buy from amount = %s, expected 5000", buy.FromAmount())
	}
	if !buy.ToAmount().Equal(dec("0.1")) {
		t.Errorf("buy to amount = %s, expected 0.1", buy.ToAmount())
	}

	sell := &Order{Pair: pair, Side: SideSell, Price: dec("50000"), Amount: dec("0.1"), Total: dec("5000")}
	if sell.FromCurrency() != "BTC" || sell.ToCurrency() != "USD" {
		t.Errorf("sell order: from=%s to=%s", sell.FromCurrency(), sell.ToCurrency())
	}
	if !sell.FromAmount().Equal(dec("0.1")) {
		t.Errorf("sell from amount = %s, expected 0.1", sell.FromAmount())
	}
	if !sell.ToAmount().Equal(dec("5000")) {
		t.Errorf("sell to amount = %s, expected 5000", sell.ToAmount())
	}
}

func TestRemaining_Cmp(t *testing.T) {
	a := Remaining{Amount: dec("5"), Currency: "BTC"}
	b := Remaining{Amount: dec("3"), Currency: "BTC"}

	if a.Cmp(b) <= 0 {
		t.Errorf("expected 5 > 3")
	}
	if b.Cmp(a) >= 0 {
		t.Errorf("expected 3 < 5")
	}
	if a.Cmp(a) != 0 {
		t.Errorf("expected equality")
	}

	defer func() {
		if recover() == nil {
			t.Errorf("expected panic comparing different currencies")
		}
	}()
	a.Cmp(Remaining{Amount: dec("5"), Currency: "ETH"})
}

func TestOrder_Crosses(t *testing.T) {
	buy := &Order{Side: SideBuy, Price: dec("100")}
	if !buy.Crosses(dec("99")) || !buy.Crosses(dec("100")) {
		t.Errorf("buy at 100 should cross asks at or below 100")
	}
	if buy.Crosses(dec("101")) {
		t.Errorf("buy at 100 should not cross an ask at 101")
	}

	sell := &Order{Side: SideSell, Price: dec("100")}
	if !sell.Crosses(dec("101")) || !sell.Crosses(dec("100")) {
		t.Errorf("sell at 100 should cross bids at or above 100")
	}
	if sell.Crosses(dec("99")) {
		t.Errorf("sell at 100 should not cross a bid at 99")
	}
}

func TestStatus(t *testing.T) {
	for _, s := range []Status{StatusInit, StatusPending} {
		if !s.Resting() || s.Terminal() {
			t.Errorf("%s should be resting and not terminal", s)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusCanceled} {
		if s.Resting() || !s.Terminal() {
			t.Errorf("%s should be terminal and not resting", s)
		}
	}
	if StatusApproving.Resting() || StatusApproving.Terminal() {
		t.Errorf("approving is neither resting nor terminal")
	}
}

func TestSide_Opposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Errorf("sides are not mirrored")
	}
}
