package store

import (
	"context"
	"errors"
	"time"

	"bidengine/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a compare-and-swap that matched no row.
	ErrConflict = errors.New("concurrent modification")
)

// Store is the durable home of auctions, bids and bid history.
type Store interface {
	CreateAuction(ctx context.Context, a *models.Auction) error
	GetAuction(ctx context.Context, id string) (*models.Auction, error)
	ListAuctions(ctx context.Context, status models.AuctionStatus, limit, offset int) ([]models.Auction, error)

	// ListStartable returns drafts whose start time is at or before now.
	ListStartable(ctx context.Context, now time.Time) ([]models.Auction, error)
	// ListExpired returns active auctions whose end time is at or before now.
	ListExpired(ctx context.Context, now time.Time) ([]models.Auction, error)

	// GetLeadingBid returns the bid currently in active or winning status.
	GetLeadingBid(ctx context.Context, auctionID string) (*models.Bid, error)
	ListBids(ctx context.Context, auctionID string) ([]models.Bid, error)
	ListHistory(ctx context.Context, auctionID string) ([]models.BidHistory, error)

	// ExtendAuction moves end_time forward to newEnd. It never moves it back.
	// maxExtensions of zero means unlimited. The bool is false when nothing
	// changed.
	ExtendAuction(ctx context.Context, id string, newEnd time.Time, maxExtensions int) (bool, error)

	// WithTx runs fn in one atomic unit. Any error from fn rolls everything back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of writes that must commit together.
type Tx interface {
	// LeadingBid reads the leading bid as seen inside the transaction.
	LeadingBid(ctx context.Context, auctionID string) (*models.Bid, error)
	InsertBid(ctx context.Context, b *models.Bid) error
	// UpdateAuctionAggregate sets current_bid and total_bids if the auction is
	// still active and its current_bid equals expected. Otherwise ErrConflict.
	UpdateAuctionAggregate(ctx context.Context, id string, expected decimal.NullDecimal, newCurrent decimal.Decimal, newTotal int) error
	// MarkBidsOutbid moves every leading bid except exceptBidID to outbid.
	MarkBidsOutbid(ctx context.Context, auctionID, exceptBidID string) (int64, error)
	InsertBidHistory(ctx context.Context, h *models.BidHistory) error

	// TransitionAuction sets status to `to` if the current status is one of
	// from. Otherwise ErrConflict.
	TransitionAuction(ctx context.Context, id string, to models.AuctionStatus, from ...models.AuctionStatus) error
	// ExpireAuction moves an active auction to ended only if its end_time is
	// at or before now. Otherwise ErrConflict.
	ExpireAuction(ctx context.Context, id string, now time.Time) error
	SetWinner(ctx context.Context, id, winnerID string) error
	// SettleBids marks winningBidID won and every other non-final bid lost.
	// An empty winningBidID marks every bid lost.
	SettleBids(ctx context.Context, auctionID, winningBidID string) error
}
