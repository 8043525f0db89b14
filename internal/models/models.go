package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type AuctionStatus string

const (
	AuctionStatusDraft     AuctionStatus = "draft"
	AuctionStatusActive    AuctionStatus = "active"
	AuctionStatusEnded     AuctionStatus = "ended"
	AuctionStatusCancelled AuctionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s AuctionStatus) Terminal() bool {
	return s == AuctionStatusEnded || s == AuctionStatusCancelled
}

type BidStatus string

const (
	BidStatusActive  BidStatus = "active"
	BidStatusOutbid  BidStatus = "outbid"
	BidStatusWinning BidStatus = "winning"
	BidStatusWon     BidStatus = "won"
	BidStatusLost    BidStatus = "lost"
)

// Leading reports whether the bid currently holds the top position.
func (s BidStatus) Leading() bool {
	return s == BidStatusActive || s == BidStatusWinning
}

type Auction struct {
	ID             string              `json:"id"`
	Title          string              `json:"title"`
	Status         AuctionStatus       `json:"status"`
	StartingBid    decimal.Decimal     `json:"starting_bid"`
	ReservePrice   decimal.NullDecimal `json:"reserve_price"`
	CurrentBid     decimal.NullDecimal `json:"current_bid"`
	BidIncrement   decimal.Decimal     `json:"bid_increment"`
	StartTime      time.Time           `json:"start_time"`
	EndTime        time.Time           `json:"end_time"`
	TotalBids      int                 `json:"total_bids"`
	WinnerID       *string             `json:"winner_id,omitempty"`
	CreatedBy      string              `json:"created_by"`
	Featured       bool                `json:"featured"`
	ExtensionCount int                 `json:"extension_count"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// MinimumBid is the lowest amount the next bid may carry.
func (a *Auction) MinimumBid() decimal.Decimal {
	if a.CurrentBid.Valid && a.CurrentBid.Decimal.IsPositive() {
		return a.CurrentBid.Decimal.Add(a.BidIncrement)
	}
	return a.StartingBid
}

// ReserveMet reports whether the current price satisfies the reserve.
func (a *Auction) ReserveMet() bool {
	if !a.ReservePrice.Valid {
		return true
	}
	return a.CurrentBid.Valid && a.CurrentBid.Decimal.GreaterThanOrEqual(a.ReservePrice.Decimal)
}

type Bid struct {
	ID        string              `json:"id"`
	AuctionID string              `json:"auction_id"`
	BidderID  string              `json:"bidder_id"`
	Amount    decimal.Decimal     `json:"amount"`
	MaxBid    decimal.NullDecimal `json:"max_bid"`
	Status    BidStatus           `json:"status"`
	IsAutoBid bool                `json:"is_auto_bid"`
	PlacedAt  time.Time           `json:"placed_at"`
	IPAddress string              `json:"ip_address,omitempty"`
	UserAgent string              `json:"user_agent,omitempty"`
}

// Outranks reports whether b beats other: higher amount, then earlier placement.
func (b *Bid) Outranks(other *Bid) bool {
	if c := b.Amount.Cmp(other.Amount); c != 0 {
		return c > 0
	}
	return b.PlacedAt.Before(other.PlacedAt)
}

// BidHistory is an append-only record of every accepted bid.
type BidHistory struct {
	ID             string              `json:"id"`
	AuctionID      string              `json:"auction_id"`
	BidID          string              `json:"bid_id"`
	BidderID       string              `json:"bidder_id"`
	Amount         decimal.Decimal     `json:"amount"`
	PreviousAmount decimal.NullDecimal `json:"previous_amount"`
	RecordedAt     time.Time           `json:"recorded_at"`
}
