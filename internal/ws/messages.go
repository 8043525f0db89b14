package ws

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Envelope wraps every WS frame.
type Envelope struct {
	Event string          `json:"event"`          // e.g. "auctions/bid"
	Body  json.RawMessage `json:"body,omitempty"` // arbitrary JSON object
}

// ──────────────────────────── Request / Response DTOs ─────────────────────────

// BidRequest is the body for "auctions/bid".
type BidRequest struct {
	Amount decimal.Decimal     `json:"amount"`
	MaxBid decimal.NullDecimal `json:"max_bid"`
}

// BidAck confirms an accepted bid.
type BidAck struct {
	BidID  string          `json:"bid_id"`
	Amount decimal.Decimal `json:"amount"`
	Status string          `json:"status"`
}

// ErrorBody is returned for failures. Errors lists every rule a rejected
// bid broke.
type ErrorBody struct {
	Error        string           `json:"error"`
	Errors       []string         `json:"errors,omitempty"`
	SuggestedBid *decimal.Decimal `json:"suggested_bid,omitempty"`
}
