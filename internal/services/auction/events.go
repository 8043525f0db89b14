package auction

import (
	"time"

	"bidengine/internal/models"

	"github.com/shopspring/decimal"
)

// Event bodies carried in broadcast.Event.Data.

type BidPlacedPayload struct {
	BidID      string          `json:"bid_id"`
	BidderID   string          `json:"bidder_id"`
	Amount     decimal.Decimal `json:"amount"`
	TotalBids  int             `json:"total_bids"`
	MinimumBid decimal.Decimal `json:"minimum_bid"`
	EndTime    time.Time       `json:"end_time"`
}

// OutbidPayload goes to the previous leader only.
type OutbidPayload struct {
	BidID      string          `json:"bid_id"`
	Amount     decimal.Decimal `json:"amount"`
	NewAmount  decimal.Decimal `json:"new_amount"`
	MinimumBid decimal.Decimal `json:"minimum_bid"`
}

type ExtendedPayload struct {
	PreviousEndTime time.Time `json:"previous_end_time"`
	NewEndTime      time.Time `json:"new_end_time"`
	ExtensionCount  int       `json:"extension_count"`
}

type StatusPayload struct {
	Status        models.AuctionStatus `json:"status"`
	EndTime       time.Time            `json:"end_time"`
	ActorID       string               `json:"actor_id,omitempty"`
	WinnerID      string               `json:"winner_id,omitempty"`
	WinningAmount decimal.NullDecimal  `json:"winning_amount"`
	ReserveMet    bool                 `json:"reserve_met"`
}
