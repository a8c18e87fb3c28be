package exchange

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/peakex/exchange/internal/models"
)

// findNextOpponent returns one exclusively claimed resting counter-order
// for the taker, or nil when none could be claimed.
//
// A claimed row stays locked until the surrounding transaction ends, so
// two concurrent matchers never select the same resting order. Because a
// concurrent claim can transiently hide every remaining eligible row, an
// empty result is retried up to cfg.FindAttempts with a short backoff
// before concluding "no opponent". The bound trades liveness for
// availability: under heavy contention this can report no opponent while
// eligible rows exist, and the caller's order simply stops matching with
// its remainder resting.
func (e *Engine) findNextOpponent(ctx context.Context, tx pgx.Tx, taker *models.Order) (*models.Order, error) {
	for attempt := 1; attempt <= e.cfg.FindAttempts; attempt++ {
		opponent, err := e.db.FindOpponent(ctx, tx, taker, !e.cfg.AllowSelfTrade)
		if err != nil {
			return nil, err
		}
		if opponent != nil {
			return opponent, nil
		}
		if attempt == e.cfg.FindAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.cfg.FindBackoff):
		}
	}
	return nil, nil
}
