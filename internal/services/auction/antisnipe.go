package auction

import (
	"context"
	"fmt"
	"time"

	"bidengine/internal/models"
	"bidengine/internal/store"
)

const DefaultAntiSnipeWindow = 10 * time.Minute

// Extender pushes the close of an auction out when a bid lands in its final
// window, so nobody can win by bidding in the last second.
type Extender struct {
	store         store.Store
	window        time.Duration
	maxExtensions int // 0 means unlimited
}

func NewExtender(st store.Store, window time.Duration, maxExtensions int) *Extender {
	if window <= 0 {
		window = DefaultAntiSnipeWindow
	}
	return &Extender{store: st, window: window, maxExtensions: maxExtensions}
}

// MaybeExtend sets end_time to now+window when 0 < end_time-now <= window.
// The returned time is the new end when extended is true.
func (e *Extender) MaybeExtend(ctx context.Context, a *models.Auction, now time.Time) (time.Time, bool, error) {
	left := a.EndTime.Sub(now)
	if left <= 0 || left > e.window {
		return time.Time{}, false, nil
	}

	newEnd := now.Add(e.window)
	ok, err := e.store.ExtendAuction(ctx, a.ID, newEnd, e.maxExtensions)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	return newEnd, true, nil
}
