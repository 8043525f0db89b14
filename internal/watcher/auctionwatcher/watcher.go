package auctionwatcher

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const DefaultInterval = time.Second

// Scheduler is the part of the auction service the watcher drives.
type Scheduler interface {
	StartDue(ctx context.Context) (int, error)
	EndDue(ctx context.Context) (int, error)
}

// Run activates drafts whose start time has come and ends auctions whose
// end time has passed, once per interval, until ctx is done.
func Run(ctx context.Context, svc Scheduler, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			tick(ctx, svc)
		}
	}
}

func tick(ctx context.Context, svc Scheduler) {
	if n, err := svc.StartDue(ctx); err != nil {
		zap.L().Error("auctionwatcher.start_due", zap.Error(err))
	} else if n > 0 {
		zap.L().Debug("auctionwatcher.started", zap.Int("count", n))
	}
	if n, err := svc.EndDue(ctx); err != nil {
		zap.L().Error("auctionwatcher.end_due", zap.Error(err))
	} else if n > 0 {
		zap.L().Debug("auctionwatcher.ended", zap.Int("count", n))
	}
}
