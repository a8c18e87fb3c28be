// Package exchange implements the order matching and settlement core: it
// reserves funds for new orders, claims eligible counter-orders under
// contention, splits orders into filled fractions and moves reserved
// balances between accounts exactly once per match. Every operation runs
// inside one database transaction; row locks are the only coordination
// primitive.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/peakex/exchange/internal/db"
	"github.com/peakex/exchange/internal/ledger"
	"github.com/peakex/exchange/internal/models"
)

// ErrInvalidState is the business error for an illegal order state
// transition, e.g. canceling a completed order.
var ErrInvalidState = errors.New("invalid order state")

// Config carries the matching knobs.
type Config struct {
	// FindAttempts bounds the opponent-search retry; see findNextOpponent.
	FindAttempts int
	// FindBackoff is the pause between opponent-search attempts.
	FindBackoff time.Duration
	// AllowSelfTrade permits matching two orders of the same owner.
	AllowSelfTrade bool
	// StatsSampleSize is the number of recent trades averaged into the
	// market rate, independent of the rolling window.
	StatsSampleSize int
	// StatsWindow is the rolling window of the volume/min/max statistics.
	StatsWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.FindAttempts <= 0 {
		c.FindAttempts = 3
	}
	if c.FindBackoff <= 0 {
		c.FindBackoff = 25 * time.Millisecond
	}
	if c.StatsSampleSize <= 0 {
		c.StatsSampleSize = 50
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = 24 * time.Hour
	}
	return c
}

// Notifier receives order-status changes and fresh market snapshots. The
// dispatcher decides delivery; the engine only reports.
type Notifier interface {
	OrderChanged(order models.Order)
	StatsUpdated(stats models.MarketStats)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) OrderChanged(models.Order)      {}
func (NopNotifier) StatsUpdated(models.MarketStats) {}

// Engine is the matching and settlement engine. All collaborators are
// injected; it holds no global state.
type Engine struct {
	db       *db.DB
	log      *zap.Logger
	notifier Notifier
	cfg      Config
}

// NewEngine creates an engine over the given store.
func NewEngine(database *db.DB, logger *zap.Logger, notifier Notifier, cfg Config) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{db: database, log: logger, notifier: notifier, cfg: cfg.withDefaults()}
}

// Result is the outcome of processing one new order: the final state of
// the order row and the ordered fill history produced by the matching
// loop.
type Result struct {
	Order models.Order  `json:"order"`
	Fills []models.Fill `json:"fills"`
}

// ProcessNewOrder reserves the order's funds, matches it against resting
// counter-orders and settles each fill, all inside one transaction.
// Returns ledger.ErrInsufficientFunds when the owner cannot cover the
// reservation; any fault rolls the whole operation back with no partial
// settlement visible.
func (e *Engine) ProcessNewOrder(ctx context.Context, order *models.Order) (*Result, error) {
	if err := validateNewOrder(order); err != nil {
		return nil, err
	}
	order.Price = order.Price.Round(models.Scale)
	order.Amount = order.Amount.Round(models.Scale)
	order.Total = models.Total(order.Amount, order.Price)
	order.Status = models.StatusInit
	order.Link = 0

	res := &Result{}
	err := e.db.WithTx(ctx, func(tx pgx.Tx) error {
		// Freeze the full from-amount before any matching.
		guard, err := lockAccounts(ctx, e.db, tx, order)
		if err != nil {
			return err
		}
		from := guard.account(order.UserID, order.FromCurrency())
		if err := ledger.Reserve(from, order.FromAmount()); err != nil {
			return err
		}
		if err := e.db.InsertOrder(ctx, tx, order); err != nil {
			return err
		}
		if err := guard.commit(ctx, tx); err != nil {
			return err
		}

		for order.Status.Resting() {
			opponent, err := e.findNextOpponent(ctx, tx, order)
			if err != nil {
				return err
			}
			if opponent == nil {
				break
			}
			fill, err := e.matchOnce(ctx, tx, order, opponent)
			if err != nil {
				return err
			}
			res.Fills = append(res.Fills, *fill)
			if fill.Status == models.StatusApproving && order.NeedApprove {
				// The owner confirms each fill; matching stops until the
				// parked slice is approved. The remainder keeps resting.
				break
			}
		}

		res.Order = *order
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("order processed",
		zap.Int64("order_id", res.Order.ID),
		zap.String("pair", res.Order.Pair.String()),
		zap.String("side", string(res.Order.Side)),
		zap.String("status", string(res.Order.Status)),
		zap.Int("fills", len(res.Fills)))
	e.notifier.OrderChanged(res.Order)
	return res, nil
}

func validateNewOrder(order *models.Order) error {
	if order.Pair.Base == "" || order.Pair.Quote == "" {
		return fmt.Errorf("order has no currency pair")
	}
	if order.Side != models.SideBuy && order.Side != models.SideSell {
		return fmt.Errorf("side must be %q or %q", models.SideBuy, models.SideSell)
	}
	if !order.Price.IsPositive() {
		return fmt.Errorf("price must be positive")
	}
	if !order.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

// matchOnce executes one match between the taker and a claimed maker:
// locks both parties' accounts jointly, splits the larger remainder at
// the maker's price, then settles immediately or parks both slices in
// approving when either side requires approval.
func (e *Engine) matchOnce(ctx context.Context, tx pgx.Tx, taker, maker *models.Order) (*models.Fill, error) {
	guard, err := lockAccounts(ctx, e.db, tx, taker, maker)
	if err != nil {
		return nil, err
	}

	price := maker.Price // the resting order, as maker, sets the execution price
	cmp := taker.Remaining().Cmp(maker.Remaining())

	var takerSlice, makerSlice *models.Order
	switch {
	case cmp > 0:
		// Taker outsizes the maker: carve a taker fraction sized to the
		// maker's remainder; the maker row is fully consumed.
		if takerSlice, err = carve(guard, taker, maker.Amount, price); err != nil {
			return nil, err
		}
		if makerSlice, err = consume(guard, maker, price); err != nil {
			return nil, err
		}
	case cmp < 0:
		// Maker outsizes the taker: carve a maker fraction sized to the
		// taker's full remainder; the maker's rest keeps resting.
		if makerSlice, err = carve(guard, maker, taker.Amount, price); err != nil {
			return nil, err
		}
		if takerSlice, err = consume(guard, taker, price); err != nil {
			return nil, err
		}
	default:
		if takerSlice, err = consume(guard, taker, price); err != nil {
			return nil, err
		}
		if makerSlice, err = consume(guard, maker, price); err != nil {
			return nil, err
		}
	}

	status := models.StatusCompleted
	if takerSlice.NeedApprove || makerSlice.NeedApprove {
		// Settlement deferred until ApproveOrder.
		status = models.StatusApproving
	}
	takerSlice.Status = status
	makerSlice.Status = status

	// A carved fraction is new and persisted here; its counterpart always
	// has an id already, so both links are final at insert time.
	if takerSlice.ID == 0 {
		takerSlice.Link = makerSlice.ID
		if err := e.db.InsertOrder(ctx, tx, takerSlice); err != nil {
			return nil, err
		}
	}
	if makerSlice.ID == 0 {
		makerSlice.Link = takerSlice.ID
		if err := e.db.InsertOrder(ctx, tx, makerSlice); err != nil {
			return nil, err
		}
	}
	takerSlice.Link = makerSlice.ID
	makerSlice.Link = takerSlice.ID

	if status == models.StatusCompleted {
		settle(guard, takerSlice, makerSlice)
	}

	if err := guard.commit(ctx, tx); err != nil {
		return nil, err
	}

	return &models.Fill{
		OrderID:   takerSlice.ID,
		CounterID: makerSlice.ID,
		Price:     price,
		Amount:    takerSlice.Amount,
		Total:     takerSlice.Total,
		Status:    status,
	}, nil
}

// carve splits a fraction of the given size off parent at the execution
// price. The parent keeps its remainder as a pending resting order; for a
// buy side any quote reserved beyond the fraction's cost plus the
// remainder's cost is released back, keeping
// reserved == disbursed + remaining exact.
func carve(guard *accountGuard, parent *models.Order, matched, execPrice decimal.Decimal) (*models.Order, error) {
	fraction := &models.Order{
		UserID:      parent.UserID,
		Pair:        parent.Pair,
		Side:        parent.Side,
		Price:       execPrice,
		Amount:      matched,
		Total:       models.Total(matched, execPrice),
		NeedApprove: parent.NeedApprove,
	}

	oldTotal := parent.Total
	parent.Amount = parent.Amount.Sub(matched)
	parent.Total = models.Total(parent.Amount, parent.Price)
	parent.Status = models.StatusPending

	if parent.Side == models.SideBuy {
		if err := releaseSlack(guard, parent, oldTotal.Sub(fraction.Total).Sub(parent.Total)); err != nil {
			return nil, err
		}
	}
	return fraction, nil
}

// consume turns the whole remaining row into a terminal slice executed at
// execPrice. A buy side executing below its limit gets the reserved
// difference released.
func consume(guard *accountGuard, order *models.Order, execPrice decimal.Decimal) (*models.Order, error) {
	oldTotal := order.Total
	order.Price = execPrice
	order.Total = models.Total(order.Amount, execPrice)
	if order.Side == models.SideBuy {
		if err := releaseSlack(guard, order, oldTotal.Sub(order.Total)); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// releaseSlack returns surplus reserved quote to the order's from-account.
// Rounding can leave dust in either direction; a negative slack is an
// extra hold taken from the same account. A hold the account cannot cover
// fails the match, rolling the transaction back.
func releaseSlack(guard *accountGuard, order *models.Order, slack decimal.Decimal) error {
	if slack.IsZero() {
		return nil
	}
	from := guard.account(order.UserID, order.FromCurrency())
	if slack.IsPositive() {
		ledger.Release(from, slack)
		return nil
	}
	if err := ledger.Reserve(from, slack.Neg()); err != nil {
		return fmt.Errorf("failed to hold rounding difference for order %d: %w", order.ID, err)
	}
	return nil
}

// settle credits both counterparties' to-accounts. The matching debits
// happened at reservation time, so each matched value moves exactly once.
func settle(guard *accountGuard, takerSlice, makerSlice *models.Order) {
	ledger.Credit(guard.account(takerSlice.UserID, takerSlice.ToCurrency()), takerSlice.ToAmount())
	ledger.Credit(guard.account(makerSlice.UserID, makerSlice.ToCurrency()), makerSlice.ToAmount())
}
