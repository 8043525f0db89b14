package auction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bidengine/internal/activity"
	"bidengine/internal/broadcast"
	"bidengine/internal/models"
	"bidengine/internal/ratelimit"
	"bidengine/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultCommitRetries = 3
	defaultListLimit     = 10
	maxListLimit         = 100
)

// AuctionDTO is an auction together with the values a bidder needs to act on it.
type AuctionDTO struct {
	models.Auction
	WinningBid *models.Bid     `json:"winning_bid,omitempty"`
	MinimumBid decimal.Decimal `json:"minimum_bid"`
	ReserveMet bool            `json:"reserve_met"`
}

type CreateAuctionInput struct {
	Title        string
	StartingBid  decimal.Decimal
	ReservePrice decimal.NullDecimal
	BidIncrement decimal.Decimal
	StartTime    time.Time
	EndTime      time.Time
	CreatedBy    string
	Featured     bool
}

type PlaceBidRequest struct {
	AuctionID string
	BidderID  string
	Amount    decimal.Decimal
	MaxBid    decimal.NullDecimal
	IPAddress string
	UserAgent string
}

type IAuctionService interface {
	CreateAuction(ctx context.Context, in CreateAuctionInput) (*models.Auction, error)
	ActivateAuction(ctx context.Context, id string) (*models.Auction, error)
	CancelAuction(ctx context.Context, id, actorID string) (*models.Auction, error)
	EndAuction(ctx context.Context, id string) (*models.Auction, error)
	GetAuction(ctx context.Context, id string) (*AuctionDTO, error)
	ListAuctions(ctx context.Context, status string, limit, offset int) ([]models.Auction, error)

	ValidateBid(ctx context.Context, auctionID string, amount decimal.Decimal, bidderID string) (ValidationResult, error)
	PlaceBid(ctx context.Context, req PlaceBidRequest) (*models.Bid, error)
	GetCurrentWinningBid(ctx context.Context, auctionID string) (*models.Bid, error)
	ListBids(ctx context.Context, auctionID string) ([]models.Bid, error)
	ListHistory(ctx context.Context, auctionID string) ([]models.BidHistory, error)
}

type Config struct {
	BidRate         ratelimit.Options
	AntiSnipeWindow time.Duration
	MaxExtensions   int
	// CommitRetries is how many extra attempts a bid gets after losing a
	// compare-and-swap. Zero means a single attempt.
	CommitRetries int
}

func DefaultConfig() Config {
	return Config{
		BidRate:         DefaultBidRate,
		AntiSnipeWindow: DefaultAntiSnipeWindow,
		CommitRetries:   DefaultCommitRetries,
	}
}

// Service is the auction state machine. Bids for one auction are serialised
// by the store's compare-and-swap on current_bid; different auctions proceed
// in parallel.
type Service struct {
	store     store.Store
	validator *Validator
	extender  *Extender
	pub       broadcast.Publisher
	rec       activity.Recorder
	cfg       Config
	now       func() time.Time
}

var _ IAuctionService = (*Service)(nil)

func NewAuctionService(st store.Store, limiter BidRateLimiter, pub broadcast.Publisher, rec activity.Recorder, cfg Config) *Service {
	if cfg.BidRate.MaxRequests <= 0 {
		cfg.BidRate = DefaultBidRate
	}
	if cfg.CommitRetries < 0 {
		cfg.CommitRetries = 0
	}
	if pub == nil {
		pub = nopPublisher{}
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Service{
		store:     st,
		validator: NewValidator(st, limiter, cfg.BidRate),
		extender:  NewExtender(st, cfg.AntiSnipeWindow, cfg.MaxExtensions),
		pub:       pub,
		rec:       rec,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithClock replaces the time source of the service and its validator.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.validator.now = now
	return s
}

func (s *Service) CreateAuction(ctx context.Context, in CreateAuctionInput) (*models.Auction, error) {
	now := s.now().UTC()
	if in.StartTime.IsZero() {
		in.StartTime = now
	}
	if err := checkAuctionInput(in); err != nil {
		return nil, err
	}

	a := &models.Auction{
		ID:           uuid.NewString(),
		Title:        strings.TrimSpace(in.Title),
		Status:       models.AuctionStatusDraft,
		StartingBid:  in.StartingBid,
		ReservePrice: in.ReservePrice,
		BidIncrement: in.BidIncrement,
		StartTime:    in.StartTime.UTC(),
		EndTime:      in.EndTime.UTC(),
		CreatedBy:    in.CreatedBy,
		Featured:     in.Featured,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateAuction(ctx, a); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	s.rec.Record("auction_created", a.ID, a.CreatedBy, map[string]any{
		"starting_bid": a.StartingBid.String(),
		"end_time":     a.EndTime,
	})
	return a, nil
}

func checkAuctionInput(in CreateAuctionInput) error {
	switch {
	case strings.TrimSpace(in.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidAuctionSpec)
	case in.CreatedBy == "":
		return fmt.Errorf("%w: created_by is required", ErrInvalidAuctionSpec)
	case !in.StartingBid.IsPositive():
		return fmt.Errorf("%w: starting bid must be positive", ErrInvalidAuctionSpec)
	case !in.BidIncrement.IsPositive():
		return fmt.Errorf("%w: bid increment must be positive", ErrInvalidAuctionSpec)
	case in.ReservePrice.Valid && in.ReservePrice.Decimal.IsNegative():
		return fmt.Errorf("%w: reserve price must not be negative", ErrInvalidAuctionSpec)
	case !in.EndTime.After(in.StartTime):
		return fmt.Errorf("%w: end time must be after start time", ErrInvalidAuctionSpec)
	}
	return nil
}

// ActivateAuction moves a draft to active once its start time has come.
func (s *Service) ActivateAuction(ctx context.Context, id string) (*models.Auction, error) {
	a, err := s.getAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.now().Before(a.StartTime) {
		return nil, fmt.Errorf("%w: auction %s starts at %s", ErrInvalidTransition, id, a.StartTime.Format(time.RFC3339))
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.TransitionAuction(ctx, id, models.AuctionStatusActive, models.AuctionStatusDraft)
	})
	if err != nil {
		return nil, transitionErr(err)
	}

	a, err = s.getAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(broadcast.EventAuctionStarted, a.ID, StatusPayload{
		Status:  a.Status,
		EndTime: a.EndTime,
	}, broadcast.AuctionTopic(a.ID), broadcast.AllTopic)
	s.rec.Record("auction_started", a.ID, a.CreatedBy, nil)
	zap.L().Info("auction_started", zap.String("auction_id", a.ID))
	return a, nil
}

// CancelAuction takes effect immediately. A bid racing it loses its
// compare-and-swap and is then rejected as not active.
func (s *Service) CancelAuction(ctx context.Context, id, actorID string) (*models.Auction, error) {
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.TransitionAuction(ctx, id, models.AuctionStatusCancelled,
			models.AuctionStatusDraft, models.AuctionStatusActive); err != nil {
			return err
		}
		return tx.SettleBids(ctx, id, "")
	})
	if err != nil {
		return nil, transitionErr(err)
	}

	a, err := s.getAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(broadcast.EventAuctionCancelled, a.ID, StatusPayload{
		Status:  a.Status,
		EndTime: a.EndTime,
		ActorID: actorID,
	}, broadcast.AuctionTopic(a.ID), broadcast.AllTopic)
	s.rec.Record("auction_cancelled", a.ID, actorID, nil)
	zap.L().Info("auction_cancelled", zap.String("auction_id", a.ID), zap.String("actor_id", actorID))
	return a, nil
}

// EndAuction closes an active auction whose end time has passed and settles
// its bids. The leader wins only if the reserve is met.
func (s *Service) EndAuction(ctx context.Context, id string) (*models.Auction, error) {
	a, err := s.getAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != models.AuctionStatusActive {
		return nil, fmt.Errorf("%w: auction %s is %s", ErrInvalidTransition, id, a.Status)
	}
	now := s.now()
	if now.Before(a.EndTime) {
		return nil, fmt.Errorf("%w: auction %s ends at %s", ErrInvalidTransition, id, a.EndTime.Format(time.RFC3339))
	}

	var winner *models.Bid
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		winner = nil
		// end_time is re-checked here: a last-second bid may have extended it
		// since the read above.
		if err := tx.ExpireAuction(ctx, id, now); err != nil {
			return err
		}
		lead, err := tx.LeadingBid(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return tx.SettleBids(ctx, id, "")
		}
		if err != nil {
			return err
		}
		if a.ReservePrice.Valid && lead.Amount.LessThan(a.ReservePrice.Decimal) {
			return tx.SettleBids(ctx, id, "")
		}
		if err := tx.SetWinner(ctx, id, lead.BidderID); err != nil {
			return err
		}
		winner = lead
		return tx.SettleBids(ctx, id, lead.ID)
	})
	if err != nil {
		return nil, transitionErr(err)
	}

	a, err = s.getAuction(ctx, id)
	if err != nil {
		return nil, err
	}

	payload := StatusPayload{Status: a.Status, EndTime: a.EndTime, ReserveMet: a.ReserveMet()}
	topics := []string{broadcast.AuctionTopic(a.ID), broadcast.AllTopic}
	if winner != nil {
		payload.WinnerID = winner.BidderID
		payload.WinningAmount = decimal.NewNullDecimal(winner.Amount)
		topics = append(topics, broadcast.UserTopic(winner.BidderID))
	}
	s.publish(broadcast.EventAuctionEnded, a.ID, payload, topics...)
	s.rec.Record("auction_ended", a.ID, a.CreatedBy, map[string]any{
		"winner_id":   payload.WinnerID,
		"reserve_met": payload.ReserveMet,
		"total_bids":  a.TotalBids,
	})
	zap.L().Info("auction_ended",
		zap.String("auction_id", a.ID),
		zap.String("winner_id", payload.WinnerID),
		zap.Int("total_bids", a.TotalBids),
	)
	return a, nil
}

// StartDue activates every draft whose start time has passed.
func (s *Service) StartDue(ctx context.Context) (int, error) {
	due, err := s.store.ListStartable(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	n := 0
	for _, a := range due {
		if _, err := s.ActivateAuction(ctx, a.ID); err != nil {
			zap.L().Warn("auction.activate_failed", zap.String("auction_id", a.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// EndDue ends every active auction whose end time has passed.
func (s *Service) EndDue(ctx context.Context) (int, error) {
	due, err := s.store.ListExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	n := 0
	for _, a := range due {
		if _, err := s.EndAuction(ctx, a.ID); err != nil {
			zap.L().Warn("auction.end_failed", zap.String("auction_id", a.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

func (s *Service) GetAuction(ctx context.Context, id string) (*AuctionDTO, error) {
	a, err := s.getAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	lead, err := s.GetCurrentWinningBid(ctx, id)
	if err != nil {
		return nil, err
	}
	return &AuctionDTO{
		Auction:    *a,
		WinningBid: lead,
		MinimumBid: a.MinimumBid(),
		ReserveMet: a.ReserveMet(),
	}, nil
}

func (s *Service) ListAuctions(ctx context.Context, status string, limit, offset int) ([]models.Auction, error) {
	st := models.AuctionStatus(status)
	switch st {
	case "", models.AuctionStatusDraft, models.AuctionStatusActive, models.AuctionStatusEnded, models.AuctionStatusCancelled:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidAuctionSpec, status)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	offset = max(offset, 0)

	list, err := s.store.ListAuctions(ctx, st, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return list, nil
}

func (s *Service) ValidateBid(ctx context.Context, auctionID string, amount decimal.Decimal, bidderID string) (ValidationResult, error) {
	return s.validator.Validate(ctx, auctionID, amount, bidderID)
}

// PlaceBid validates against fresh state and commits the bid atomically.
// Losing the compare-and-swap means state moved underneath us, so the bid is
// re-validated against the new state before trying again.
//
// The bidder's rate slot is counted before the first commit attempt and
// handed back if the bid does not end up committed.
func (s *Service) PlaceBid(ctx context.Context, req PlaceBidRequest) (*models.Bid, error) {
	var held *slot
	committed := false
	defer func() {
		if !committed {
			held.release(ctx)
		}
	}()

	for attempt := 0; ; attempt++ {
		a, lead, err := s.validator.load(ctx, req.AuctionID)
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, &ValidationError{Result: notFoundResult()}
		}
		res := s.validator.evaluate(a, lead, req.Amount, req.MaxBid, req.BidderID)
		if held == nil {
			if !res.IsValid {
				if !s.validator.rateAvailable(ctx, req.BidderID) {
					res.addError(MsgTooManyBids)
				}
			} else if sl, ok := s.validator.reserve(ctx, req.BidderID); ok {
				held = sl
			} else {
				res.addError(MsgTooManyBids)
			}
		}
		if !res.IsValid {
			return nil, &ValidationError{Result: res}
		}

		bid, err := s.commitBid(ctx, a, req)
		if err == nil {
			committed = true
			s.afterCommit(ctx, a, lead, bid)
			return bid, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			zap.L().Error("bid.commit_failed", zap.String("auction_id", req.AuctionID), zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		if attempt >= s.cfg.CommitRetries {
			zap.L().Warn("bid.commit_conflict",
				zap.String("auction_id", req.AuctionID),
				zap.String("bidder_id", req.BidderID),
				zap.Int("attempts", attempt+1),
			)
			return nil, ErrConcurrencyConflict
		}
	}
}

// commitBid performs the insert, the guarded aggregate update, the outbid
// sweep and the history append as one unit.
func (s *Service) commitBid(ctx context.Context, a *models.Auction, req PlaceBidRequest) (*models.Bid, error) {
	now := s.now().UTC()
	bid := &models.Bid{
		ID:        uuid.NewString(),
		AuctionID: a.ID,
		BidderID:  req.BidderID,
		Amount:    req.Amount,
		MaxBid:    req.MaxBid,
		Status:    models.BidStatusActive,
		PlacedAt:  now,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	}

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertBid(ctx, bid); err != nil {
			return err
		}
		if err := tx.UpdateAuctionAggregate(ctx, a.ID, a.CurrentBid, bid.Amount, a.TotalBids+1); err != nil {
			return err
		}
		if _, err := tx.MarkBidsOutbid(ctx, a.ID, bid.ID); err != nil {
			return err
		}
		return tx.InsertBidHistory(ctx, &models.BidHistory{
			ID:             uuid.NewString(),
			AuctionID:      a.ID,
			BidID:          bid.ID,
			BidderID:       bid.BidderID,
			Amount:         bid.Amount,
			PreviousAmount: a.CurrentBid,
			RecordedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}
	return bid, nil
}

// afterCommit runs the side effects of an accepted bid. None of them can undo it.
func (s *Service) afterCommit(ctx context.Context, a *models.Auction, prev *models.Bid, bid *models.Bid) {
	previous := a.CurrentBid
	a.CurrentBid = decimal.NewNullDecimal(bid.Amount)
	a.TotalBids++

	oldEnd := a.EndTime
	newEnd, extended, err := s.extender.MaybeExtend(ctx, a, s.now())
	if err != nil {
		zap.L().Warn("antisnipe.extend_failed", zap.String("auction_id", a.ID), zap.Error(err))
	}
	if extended {
		a.EndTime = newEnd
		a.ExtensionCount++
		s.publish(broadcast.EventAuctionExtended, a.ID, ExtendedPayload{
			PreviousEndTime: oldEnd,
			NewEndTime:      newEnd,
			ExtensionCount:  a.ExtensionCount,
		}, broadcast.AuctionTopic(a.ID), broadcast.AllTopic)
		s.rec.Record("auction_extended", a.ID, bid.BidderID, map[string]any{
			"previous_end_time": oldEnd,
			"new_end_time":      newEnd,
		})
	}

	placed := BidPlacedPayload{
		BidID:      bid.ID,
		BidderID:   bid.BidderID,
		Amount:     bid.Amount,
		TotalBids:  a.TotalBids,
		MinimumBid: a.MinimumBid(),
		EndTime:    a.EndTime,
	}
	s.publish(broadcast.EventBidPlaced, a.ID, placed,
		broadcast.AuctionTopic(a.ID), broadcast.AllTopic, broadcast.UserTopic(bid.BidderID))

	if prev != nil && prev.BidderID != bid.BidderID {
		s.publish(broadcast.EventOutbid, a.ID, OutbidPayload{
			BidID:      prev.ID,
			Amount:     prev.Amount,
			NewAmount:  bid.Amount,
			MinimumBid: a.MinimumBid(),
		}, broadcast.UserTopic(prev.BidderID))
	}

	meta := map[string]any{"bid_id": bid.ID, "amount": bid.Amount.String()}
	if previous.Valid {
		meta["previous_amount"] = previous.Decimal.String()
	}
	s.rec.Record("bid_placed", a.ID, bid.BidderID, meta)
	zap.L().Info("bid_placed",
		zap.String("auction_id", a.ID),
		zap.String("bidder_id", bid.BidderID),
		zap.String("amount", bid.Amount.String()),
	)
}

// GetCurrentWinningBid returns nil without error when nobody has bid yet.
func (s *Service) GetCurrentWinningBid(ctx context.Context, auctionID string) (*models.Bid, error) {
	lead, err := s.store.GetLeadingBid(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		if _, err := s.getAuction(ctx, auctionID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return lead, nil
}

// ListBids returns bids newest first.
func (s *Service) ListBids(ctx context.Context, auctionID string) ([]models.Bid, error) {
	if _, err := s.getAuction(ctx, auctionID); err != nil {
		return nil, err
	}
	bids, err := s.store.ListBids(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return bids, nil
}

func (s *Service) ListHistory(ctx context.Context, auctionID string) ([]models.BidHistory, error) {
	if _, err := s.getAuction(ctx, auctionID); err != nil {
		return nil, err
	}
	h, err := s.store.ListHistory(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return h, nil
}

func (s *Service) getAuction(ctx context.Context, id string) (*models.Auction, error) {
	a, err := s.store.GetAuction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAuctionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return a, nil
}

func transitionErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrAuctionNotFound, err)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}

func (s *Service) publish(t broadcast.EventType, auctionID string, payload any, topics ...string) {
	evt, err := broadcast.NewEvent(t, auctionID, payload, s.now())
	if err != nil {
		zap.L().Warn("broadcast.encode_failed", zap.String("event", string(t)), zap.Error(err))
		return
	}
	for _, topic := range topics {
		s.pub.Publish(topic, evt)
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, broadcast.Event) {}

type nopRecorder struct{}

func (nopRecorder) Record(string, string, string, map[string]any) {}
