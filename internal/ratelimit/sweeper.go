package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunSweeper deletes expired windows every interval until ctx is done.
// It runs on its own goroutine and never touches the request path.
func RunSweeper(ctx context.Context, l *Limiter, interval time.Duration) {
	tk := time.NewTicker(interval)
	go func() {
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				sweepOnce(ctx, l)
			}
		}
	}()
}

func sweepOnce(ctx context.Context, l *Limiter) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	n, err := l.Sweep(ctx)
	if err != nil {
		zap.L().Warn("ratelimit.sweep", zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Debug("ratelimit.sweep", zap.Int64("removed", n))
	}
}
