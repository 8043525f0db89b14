package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bidengine/internal/models"
	"bidengine/internal/ratelimit"
	"bidengine/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	MsgAuctionNotFound   = "Auction not found"
	MsgNotActive         = "Auction is not active"
	MsgNotStarted        = "Auction has not started yet"
	MsgEnded             = "Auction has ended"
	MsgSelfBid           = "Cannot bid on your own auction"
	MsgAlreadyHighest    = "You are already the highest bidder"
	MsgTooManyBids       = "Too many bids placed recently. Please wait before bidding again."
	MsgAmountNotPositive = "Bid amount must be positive"
	MsgMaxBidTooLow      = "Maximum bid must be at least the bid amount"
)

// DefaultBidRate allows five accepted bids per bidder per minute.
var DefaultBidRate = ratelimit.Options{MaxRequests: 5, Window: time.Minute}

type ValidationResult struct {
	IsValid      bool            `json:"is_valid"`
	Errors       []string        `json:"errors"`
	SuggestedBid decimal.Decimal `json:"suggested_bid"`
	MinIncrement decimal.Decimal `json:"min_increment"`
}

// BidRateLimiter is the part of ratelimit.Limiter bidding needs.
type BidRateLimiter interface {
	Peek(ctx context.Context, key string, opts ratelimit.Options) (ratelimit.Result, error)
	CheckLimit(ctx context.Context, key string, opts ratelimit.Options) (ratelimit.Result, error)
	Release(ctx context.Context, key string, counted ratelimit.Result) error
}

func bidRateKey(bidderID string) string { return "bid-rate:" + bidderID }

// Validator decides whether a bid may be placed. Validate never writes;
// only reserve and slot.release change the rate counter.
type Validator struct {
	store   store.Store
	limiter BidRateLimiter
	rate    ratelimit.Options
	now     func() time.Time
}

func NewValidator(st store.Store, limiter BidRateLimiter, rate ratelimit.Options) *Validator {
	if rate.MaxRequests <= 0 {
		rate = DefaultBidRate
	}
	return &Validator{store: st, limiter: limiter, rate: rate, now: time.Now}
}

// Validate reads the current auction state and checks the proposed bid
// against it. The error is non-nil only when state could not be read.
func (v *Validator) Validate(ctx context.Context, auctionID string, amount decimal.Decimal, bidderID string) (ValidationResult, error) {
	a, lead, err := v.load(ctx, auctionID)
	if err != nil {
		return ValidationResult{}, err
	}
	if a == nil {
		return notFoundResult(), nil
	}
	res := v.evaluate(a, lead, amount, decimal.NullDecimal{}, bidderID)
	if !v.rateAvailable(ctx, bidderID) {
		res.addError(MsgTooManyBids)
	}
	return res, nil
}

// load returns a nil auction when it does not exist.
func (v *Validator) load(ctx context.Context, auctionID string) (*models.Auction, *models.Bid, error) {
	a, err := v.store.GetAuction(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	lead, err := v.store.GetLeadingBid(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return a, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return a, lead, nil
}

func notFoundResult() ValidationResult {
	return ValidationResult{IsValid: false, Errors: []string{MsgAuctionNotFound}}
}

func (r *ValidationResult) addError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.IsValid = false
}

// evaluate applies every rule except the bid rate, collecting all violations.
func (v *Validator) evaluate(a *models.Auction, lead *models.Bid,
	amount decimal.Decimal, maxBid decimal.NullDecimal, bidderID string) ValidationResult {

	now := v.now()
	minimum := a.MinimumBid()
	res := ValidationResult{
		Errors:       []string{},
		SuggestedBid: minimum,
		MinIncrement: a.BidIncrement,
	}

	if a.Status != models.AuctionStatusActive {
		res.Errors = append(res.Errors, MsgNotActive)
	}
	if now.Before(a.StartTime) {
		res.Errors = append(res.Errors, MsgNotStarted)
	} else if !now.Before(a.EndTime) {
		res.Errors = append(res.Errors, MsgEnded)
	}

	if !amount.IsPositive() {
		res.Errors = append(res.Errors, MsgAmountNotPositive)
	}
	if amount.LessThan(minimum) {
		res.Errors = append(res.Errors, "Bid must be at least "+minimum.String())
	}
	if maxBid.Valid && maxBid.Decimal.LessThan(amount) {
		res.Errors = append(res.Errors, MsgMaxBidTooLow)
	}

	if bidderID == a.CreatedBy {
		res.Errors = append(res.Errors, MsgSelfBid)
	}
	if lead != nil && lead.BidderID == bidderID {
		res.Errors = append(res.Errors, MsgAlreadyHighest)
	}

	res.IsValid = len(res.Errors) == 0
	return res
}

// rateAvailable reports whether the bidder has room for one more bid. It
// counts nothing. An unreachable counter store means no.
func (v *Validator) rateAvailable(ctx context.Context, bidderID string) bool {
	if v.limiter == nil {
		return true
	}
	rate, err := v.limiter.Peek(ctx, bidRateKey(bidderID), v.rate)
	if err != nil {
		return false
	}
	return rate.Allowed
}

// slot is one bid counted against a bidder's rate. Release hands it back.
type slot struct {
	limiter BidRateLimiter
	key     string
	counted ratelimit.Result
}

// reserve atomically counts one bid for the bidder. It returns nil, false
// when the bidder is over the limit or the counter store failed; any count
// taken on the way is handed back.
func (v *Validator) reserve(ctx context.Context, bidderID string) (*slot, bool) {
	if v.limiter == nil {
		return &slot{}, true
	}
	key := bidRateKey(bidderID)
	res, err := v.limiter.CheckLimit(ctx, key, v.rate)
	if err != nil {
		return nil, false
	}
	sl := &slot{limiter: v.limiter, key: key, counted: res}
	if !res.Allowed {
		sl.release(ctx)
		return nil, false
	}
	return sl, true
}

func (sl *slot) release(ctx context.Context) {
	if sl == nil || sl.limiter == nil {
		return
	}
	if err := sl.limiter.Release(context.WithoutCancel(ctx), sl.key, sl.counted); err != nil {
		zap.L().Warn("bid.rate_release_failed", zap.String("key", sl.key), zap.Error(err))
	}
	sl.limiter = nil
}
