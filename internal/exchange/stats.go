package exchange

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/peakex/exchange/internal/models"
)

// RecomputeMarketStats rebuilds the rolling-window statistics for a pair
// from completed trades and appends a snapshot row. The window is
// evaluated at computation time, never maintained incrementally, so
// recomputing against an unchanged trade set yields an identical
// snapshot.
func (e *Engine) RecomputeMarketStats(ctx context.Context, pair models.Pair) (*models.MarketStats, error) {
	since := time.Now().Add(-e.cfg.StatsWindow)
	volume, max, min, err := e.db.WindowTradeStats(ctx, pair, since)
	if err != nil {
		return nil, err
	}
	rate, err := e.db.AverageRecentRate(ctx, pair, e.cfg.StatsSampleSize)
	if err != nil {
		return nil, err
	}

	stats := &models.MarketStats{
		Pair:       pair,
		Rate:       rate,
		Rate24hMax: max,
		Rate24hMin: min,
		Volume24h:  volume,
	}
	if err := e.db.InsertMarketStats(ctx, stats); err != nil {
		return nil, err
	}

	e.log.Debug("market stats recomputed",
		zap.String("pair", pair.String()),
		zap.String("rate", stats.Rate.String()),
		zap.String("volume_24h", stats.Volume24h.String()))
	e.notifier.StatsUpdated(*stats)
	return stats, nil
}
