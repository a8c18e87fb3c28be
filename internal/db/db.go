package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/peakex/exchange/internal/models"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// query helpers serve pooled and transactional callers.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// WithTx runs fn inside one transaction: the atomicity boundary of every
// core operation. Any error from fn rolls the whole transaction back,
// which also drops every row lock fn acquired.
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

const accountCols = "id, user_id, currency, balance, version, created_at"

func scanAccount(row pgx.Row) (*models.Account, error) {
	acct := &models.Account{}
	err := row.Scan(&acct.ID, &acct.UserID, &acct.Currency, &acct.Balance, &acct.Version, &acct.CreatedAt)
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// CreateAccount creates a (user, currency) account with an opening
// balance. Accounts are created once and never deleted.
func (db *DB) CreateAccount(ctx context.Context, userID int64, currency string, balance decimal.Decimal) (*models.Account, error) {
	acct, err := scanAccount(db.Pool.QueryRow(ctx,
		"INSERT INTO accounts (user_id, currency, balance) VALUES ($1, $2, $3) RETURNING "+accountCols,
		userID, currency, balance))
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return acct, nil
}

// GetUserAccounts retrieves all accounts of a user.
func (db *DB) GetUserAccounts(ctx context.Context, userID int64) ([]models.Account, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+accountCols+" FROM accounts WHERE user_id = $1 ORDER BY currency", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

// AccountKey identifies an account by owner and currency.
type AccountKey struct {
	UserID   int64
	Currency string
}

// LockAccounts fetches and row-locks the given accounts in one query,
// ordered by ascending account id. A single multi-row FOR UPDATE with a
// total lock order is what makes two concurrent matchers touching an
// overlapping account pair deadlock-free: neither can hold one row while
// waiting on the other in reverse order.
func (db *DB) LockAccounts(ctx context.Context, q Querier, keys []AccountKey) ([]*models.Account, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	conds := make([]string, len(keys))
	args := make([]any, 0, len(keys)*2)
	for i, k := range keys {
		conds[i] = fmt.Sprintf("(user_id = $%d AND currency = $%d)", 2*i+1, 2*i+2)
		args = append(args, k.UserID, k.Currency)
	}
	query := "SELECT " + accountCols + " FROM accounts WHERE " +
		strings.Join(conds, " OR ") + " ORDER BY id FOR UPDATE"

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to lock accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(accounts) != len(keys) {
		return nil, fmt.Errorf("locked %d accounts, expected %d", len(accounts), len(keys))
	}
	return accounts, nil
}

// UpdateAccountBalance persists a mutated balance and bumps the row
// version. The caller must hold the row lock.
func (db *DB) UpdateAccountBalance(ctx context.Context, q Querier, acct *models.Account) error {
	tag, err := q.Exec(ctx,
		"UPDATE accounts SET balance = $1, version = version + 1 WHERE id = $2 AND version = $3",
		acct.Balance, acct.ID, acct.Version)
	if err != nil {
		return fmt.Errorf("failed to update account %d: %w", acct.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %d version conflict", acct.ID)
	}
	acct.Version++
	return nil
}

// AdjustBalance credits (positive delta) or debits (negative delta) an
// account under its row lock. This is the entry point wallet-facing
// deposit/withdrawal collaborators use.
func (db *DB) AdjustBalance(ctx context.Context, accountID int64, delta decimal.Decimal) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		acct, err := scanAccount(tx.QueryRow(ctx,
			"SELECT "+accountCols+" FROM accounts WHERE id = $1 FOR UPDATE", accountID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("account %d not found", accountID)
			}
			return fmt.Errorf("failed to get account: %w", err)
		}

		acct.Balance = acct.Balance.Add(delta)
		if acct.Balance.IsNegative() {
			return fmt.Errorf("account %d: balance would go negative", accountID)
		}
		return db.UpdateAccountBalance(ctx, tx, acct)
	})
}

const orderCols = "id, user_id, pair, side, status, price, amount, total, need_approve, link, created_at"

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	var pair string
	var link *int64
	err := row.Scan(&o.ID, &o.UserID, &pair, &o.Side, &o.Status, &o.Price,
		&o.Amount, &o.Total, &o.NeedApprove, &link, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	o.Pair, err = models.ParsePair(pair)
	if err != nil {
		return nil, err
	}
	if link != nil {
		o.Link = *link
	}
	return o, nil
}

func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

// InsertOrder inserts an order (or a fill fraction) and fills in its
// generated id and timestamp.
func (db *DB) InsertOrder(ctx context.Context, q Querier, order *models.Order) error {
	err := q.QueryRow(ctx,
		`INSERT INTO orders (user_id, pair, side, status, price, amount, total, need_approve, link)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id, created_at`,
		order.UserID, order.Pair.String(), order.Side, order.Status, order.Price,
		order.Amount, order.Total, order.NeedApprove, nullableID(order.Link)).
		Scan(&order.ID, &order.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// UpdateOrder persists an order's mutable fields. The caller must hold
// the row lock or own the row inside the current transaction.
func (db *DB) UpdateOrder(ctx context.Context, q Querier, order *models.Order) error {
	tag, err := q.Exec(ctx,
		"UPDATE orders SET status = $1, price = $2, amount = $3, total = $4, link = $5 WHERE id = $6",
		order.Status, order.Price, order.Amount, order.Total, nullableID(order.Link), order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", order.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d not found", order.ID)
	}
	return nil
}

// GetOrder retrieves one order by id.
func (db *DB) GetOrder(ctx context.Context, q Querier, orderID int64) (*models.Order, error) {
	order, err := scanOrder(q.QueryRow(ctx,
		"SELECT "+orderCols+" FROM orders WHERE id = $1", orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %d not found", orderID)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// LockOrders fetches and row-locks the given orders in ascending-id
// order within the caller's transaction.
func (db *DB) LockOrders(ctx context.Context, q Querier, ids []int64) ([]*models.Order, error) {
	rows, err := q.Query(ctx,
		"SELECT "+orderCols+" FROM orders WHERE id = ANY($1) ORDER BY id FOR UPDATE", ids)
	if err != nil {
		return nil, fmt.Errorf("failed to lock orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(orders) != len(ids) {
		return nil, fmt.Errorf("locked %d orders, expected %d", len(orders), len(ids))
	}
	return orders, nil
}

// FindOpponent claims one resting counter-order for the taker: same pair,
// opposite side, crossing price, best price for the taker first and
// earliest creation on ties (maker priority). FOR UPDATE SKIP LOCKED is
// the non-blocking transaction-scoped try-lock: rows already claimed by a
// concurrent matcher are skipped, never waited on. Returns (nil, nil)
// when no claimable row exists right now.
func (db *DB) FindOpponent(ctx context.Context, q Querier, taker *models.Order, excludeOwner bool) (*models.Order, error) {
	cmp, dir := "<=", "ASC"
	if taker.Side == models.SideSell {
		cmp, dir = ">=", "DESC"
	}

	query := fmt.Sprintf(`SELECT %s FROM orders
		WHERE pair = $1 AND side = $2 AND status IN ('init', 'pending') AND price %s $3`,
		orderCols, cmp)
	args := []any{taker.Pair.String(), taker.Side.Opposite(), taker.Price}
	if excludeOwner {
		query += " AND user_id <> $4"
		args = append(args, taker.UserID)
	}
	query += fmt.Sprintf(" ORDER BY price %s, created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED", dir)

	opponent, err := scanOrder(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find opponent: %w", err)
	}
	return opponent, nil
}

// GetUserOrders retrieves all orders for a user
func (db *DB) GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderCols+" FROM orders WHERE user_id = $1 ORDER BY created_at ASC, id ASC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// WindowTradeStats aggregates completed sell-side rows for a pair created
// since the window start. Each executed slice has exactly one sell side,
// so this counts every trade once.
func (db *DB) WindowTradeStats(ctx context.Context, pair models.Pair, since time.Time) (volume, max, min decimal.Decimal, err error) {
	err = db.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total), 0), COALESCE(MAX(price), 0), COALESCE(MIN(price), 0)
		 FROM orders
		 WHERE pair = $1 AND side = 'sell' AND status = 'completed' AND created_at >= $2`,
		pair.String(), since).Scan(&volume, &max, &min)
	if err != nil {
		err = fmt.Errorf("failed to aggregate window stats: %w", err)
	}
	return volume, max, min, err
}

// AverageRecentRate returns the average execution price of the most
// recent n completed trades for a pair, zero when none exist.
func (db *DB) AverageRecentRate(ctx context.Context, pair models.Pair, n int) (decimal.Decimal, error) {
	var rate decimal.Decimal
	err := db.Pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(price), 0) FROM (
			SELECT price FROM orders
			WHERE pair = $1 AND side = 'sell' AND status = 'completed'
			ORDER BY created_at DESC, id DESC LIMIT $2
		 ) recent`,
		pair.String(), n).Scan(&rate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to average recent rates: %w", err)
	}
	return rate.Round(models.Scale), nil
}

// InsertMarketStats appends a snapshot row; history is never mutated.
func (db *DB) InsertMarketStats(ctx context.Context, stats *models.MarketStats) error {
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO market_stats (pair, rate, rate_24h_max, rate_24h_min, volume_24h)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		stats.Pair.String(), stats.Rate, stats.Rate24hMax, stats.Rate24hMin, stats.Volume24h).
		Scan(&stats.ID, &stats.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert market stats: %w", err)
	}
	return nil
}

// LatestMarketStats returns the most recent snapshot for a pair, nil when
// no snapshot exists yet.
func (db *DB) LatestMarketStats(ctx context.Context, pair models.Pair) (*models.MarketStats, error) {
	stats := &models.MarketStats{Pair: pair}
	err := db.Pool.QueryRow(ctx,
		`SELECT id, rate, rate_24h_max, rate_24h_min, volume_24h, created_at
		 FROM market_stats WHERE pair = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		pair.String()).Scan(&stats.ID, &stats.Rate, &stats.Rate24hMax, &stats.Rate24hMin,
		&stats.Volume24h, &stats.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get market stats: %w", err)
	}
	return stats, nil
}
