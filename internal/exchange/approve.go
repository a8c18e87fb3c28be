package exchange

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/peakex/exchange/internal/ledger"
	"github.com/peakex/exchange/internal/models"
)

// ApproveOrder finalizes a match parked in approving: it performs the
// deferred settlement for the order and its linked counterpart and marks
// both completed. Returns ErrInvalidState unless both sides are
// approving.
func (e *Engine) ApproveOrder(ctx context.Context, orderID int64) error {
	var order, counter models.Order
	err := e.db.WithTx(ctx, func(tx pgx.Tx) error {
		probe, err := e.db.GetOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if probe.Link == 0 {
			return fmt.Errorf("order %d has no counterpart: %w", orderID, ErrInvalidState)
		}

		locked, err := e.db.LockOrders(ctx, tx, []int64{orderID, probe.Link})
		if err != nil {
			return err
		}
		o, c := locked[0], locked[1]
		if o.ID != orderID {
			o, c = c, o
		}
		if o.Status != models.StatusApproving || c.Status != models.StatusApproving {
			return fmt.Errorf("order %d is %s, counterpart %s: %w", orderID, o.Status, c.Status, ErrInvalidState)
		}

		guard, err := lockAccounts(ctx, e.db, tx, o, c)
		if err != nil {
			return err
		}
		ledger.Credit(guard.account(o.UserID, o.ToCurrency()), o.ToAmount())
		ledger.Credit(guard.account(c.UserID, c.ToCurrency()), c.ToAmount())
		o.Status = models.StatusCompleted
		c.Status = models.StatusCompleted
		if err := guard.commit(ctx, tx); err != nil {
			return err
		}

		order, counter = *o, *c
		return nil
	})
	if err != nil {
		return err
	}

	e.log.Info("order approved",
		zap.Int64("order_id", order.ID), zap.Int64("counter_id", counter.ID))
	e.notifier.OrderChanged(order)
	e.notifier.OrderChanged(counter)
	return nil
}

// CancelOrder unwinds an unmatched or partially matched order: the
// remaining reserved from-amount goes back to the from-account and the
// order becomes canceled. Only init and pending orders can be canceled;
// approving orders must be approved, terminal orders are history. A
// non-zero userID additionally asserts ownership.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID int64) error {
	var order models.Order
	err := e.db.WithTx(ctx, func(tx pgx.Tx) error {
		locked, err := e.db.LockOrders(ctx, tx, []int64{orderID})
		if err != nil {
			return err
		}
		o := locked[0]
		if userID != 0 && o.UserID != userID {
			return fmt.Errorf("order %d not owned by user %d", orderID, userID)
		}
		if !o.Status.Resting() {
			return fmt.Errorf("order %d is %s: %w", orderID, o.Status, ErrInvalidState)
		}

		guard, err := lockAccounts(ctx, e.db, tx, o)
		if err != nil {
			return err
		}
		ledger.Release(guard.account(o.UserID, o.FromCurrency()), o.FromAmount())
		o.Status = models.StatusCanceled
		if err := guard.commit(ctx, tx); err != nil {
			return err
		}

		order = *o
		return nil
	})
	if err != nil {
		return err
	}

	e.log.Info("order canceled", zap.Int64("order_id", order.ID))
	e.notifier.OrderChanged(order)
	return nil
}
