package auctionhandler

import (
	"time"

	"bidengine/internal/models"

	"github.com/shopspring/decimal"
)

type CreateAuctionBody struct {
	Title        string              `json:"title"         binding:"required" example:"Vintage Lamp"`
	StartingBid  decimal.Decimal     `json:"starting_bid"  swaggertype:"string" example:"100.00"`
	ReservePrice decimal.NullDecimal `json:"reserve_price" swaggertype:"string" example:"250.00"`
	BidIncrement decimal.Decimal     `json:"bid_increment" swaggertype:"string" example:"10.00"`
	StartTime    time.Time           `json:"start_time"    example:"2025-07-27T16:05:05Z"`
	EndTime      time.Time           `json:"end_time"      binding:"required" example:"2025-07-28T16:05:05Z"`
	CreatedBy    string              `json:"created_by"    binding:"required" example:"seller123"`
	Featured     bool                `json:"featured"`
} // @name CreateAuctionRequest

type CancelAuctionBody struct {
	ActorID string `json:"actor_id" binding:"required" example:"admin1"`
} // @name CancelAuctionRequest

// Amounts accept either JSON numbers or strings.
type PlaceBidBody struct {
	BidderID string              `json:"bidder_id" binding:"required" example:"user123"`
	Amount   decimal.Decimal     `json:"amount"    swaggertype:"string" example:"150.00"`
	MaxBid   decimal.NullDecimal `json:"max_bid"   swaggertype:"string" example:"200.00"`
} // @name PlaceBidRequest

type ValidateBidBody struct {
	BidderID string          `json:"bidder_id" binding:"required" example:"user123"`
	Amount   decimal.Decimal `json:"amount"    swaggertype:"string" example:"150.00"`
} // @name ValidateBidRequest

type ErrorResponse struct {
	Error string `json:"error"`
} // @name ErrorResponse

type BidRejectedResponse struct {
	Error        string          `json:"error"`
	Errors       []string        `json:"errors"`
	SuggestedBid decimal.Decimal `json:"suggested_bid" swaggertype:"string"`
	MinIncrement decimal.Decimal `json:"min_increment" swaggertype:"string"`
} // @name BidRejectedResponse

type WinningBidResponse struct {
	AuctionID  string      `json:"auction_id"`
	WinningBid *models.Bid `json:"winning_bid"`
} // @name WinningBidResponse

type ListAuctionsQuery struct {
	Status string `form:"status"  binding:"omitempty,oneof=draft active ended cancelled"`
	Limit  int    `form:"limit,default=10"  binding:"gte=0,lte=100"`
	Offset int    `form:"offset,default=0"  binding:"gte=0"`
} // @name ListAuctionsQuery
