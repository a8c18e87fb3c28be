package exchange

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/peakex/exchange/internal/db"
	"github.com/peakex/exchange/internal/models"
)

type acctKey struct {
	userID   int64
	currency string
}

type orderSnapshot struct {
	status models.Status
	price  decimal.Decimal
	amount decimal.Decimal
	total  decimal.Decimal
	link   int64
}

func snapshotOf(o *models.Order) orderSnapshot {
	return orderSnapshot{status: o.Status, price: o.Price, amount: o.Amount, total: o.Total, link: o.Link}
}

func (s orderSnapshot) changed(o *models.Order) bool {
	return s.status != o.Status ||
		!s.price.Equal(o.Price) ||
		!s.amount.Equal(o.Amount) ||
		!s.total.Equal(o.Total) ||
		s.link != o.Link
}

// accountGuard is the scoped lock handle over the accounts one matching
// step touches. Acquisition loads and locks every account the given
// orders reference; commit persists what actually changed. If commit is
// never reached the surrounding transaction rollback releases the locks
// with no persistence, on every exit path.
type accountGuard struct {
	db       *db.DB
	accounts map[acctKey]*models.Account
	balances map[int64]decimal.Decimal
	orders   []*models.Order
	snaps    []orderSnapshot
}

// lockAccounts acquires the from/to accounts of every given order in a
// single ordered multi-row lock (see db.LockAccounts) and snapshots the
// orders' mutable fields.
func lockAccounts(ctx context.Context, database *db.DB, tx pgx.Tx, orders ...*models.Order) (*accountGuard, error) {
	seen := make(map[acctKey]bool)
	var keys []db.AccountKey
	for _, o := range orders {
		for _, currency := range []string{o.FromCurrency(), o.ToCurrency()} {
			k := acctKey{userID: o.UserID, currency: currency}
			if !seen[k] {
				seen[k] = true
				keys = append(keys, db.AccountKey{UserID: k.userID, Currency: k.currency})
			}
		}
	}

	accts, err := database.LockAccounts(ctx, tx, keys)
	if err != nil {
		return nil, err
	}

	g := &accountGuard{
		db:       database,
		accounts: make(map[acctKey]*models.Account, len(accts)),
		balances: make(map[int64]decimal.Decimal, len(accts)),
		orders:   orders,
	}
	for _, acct := range accts {
		g.accounts[acctKey{userID: acct.UserID, currency: acct.Currency}] = acct
		g.balances[acct.ID] = acct.Balance
	}
	for _, o := range orders {
		g.snaps = append(g.snaps, snapshotOf(o))
	}
	return g, nil
}

// account returns the locked account for (userID, currency). Asking for
// an account outside the guard's scope is a programming error.
func (g *accountGuard) account(userID int64, currency string) *models.Account {
	acct, ok := g.accounts[acctKey{userID: userID, currency: currency}]
	if !ok {
		panic(fmt.Sprintf("account (%d, %s) not held by guard", userID, currency))
	}
	return acct
}

// commit persists every account whose balance changed since acquisition
// and every guarded order whose mutable fields differ from the entry
// snapshot. Called on the success path only.
func (g *accountGuard) commit(ctx context.Context, tx pgx.Tx) error {
	for _, acct := range g.accounts {
		if !acct.Balance.Equal(g.balances[acct.ID]) {
			if err := g.db.UpdateAccountBalance(ctx, tx, acct); err != nil {
				return err
			}
			g.balances[acct.ID] = acct.Balance
		}
	}
	for i, o := range g.orders {
		if g.snaps[i].changed(o) {
			if err := g.db.UpdateOrder(ctx, tx, o); err != nil {
				return err
			}
			g.snaps[i] = snapshotOf(o)
		}
	}
	return nil
}
