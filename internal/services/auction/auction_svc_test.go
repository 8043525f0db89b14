package auction

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"bidengine/internal/broadcast"
	"bidengine/internal/models"
	"bidengine/internal/ratelimit"
	"bidengine/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type published struct {
	topic string
	evt   broadcast.Event
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(topic string, evt broadcast.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{topic, evt})
}

func (p *recordingPublisher) on(topic string, t broadcast.EventType) []broadcast.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []broadcast.Event
	for _, e := range p.events {
		if e.topic == topic && e.evt.Type == t {
			out = append(out, e.evt)
		}
	}
	return out
}

type recordingRecorder struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingRecorder) Record(action, _, _ string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
}

type harness struct {
	svc   *Service
	store *store.MemoryStore
	clock *fakeClock
	pub   *recordingPublisher
	rec   *recordingRecorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore()
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore()).WithClock(clock.Now)
	pub := &recordingPublisher{}
	rec := &recordingRecorder{}
	svc := NewAuctionService(st, limiter, pub, rec, cfg).WithClock(clock.Now)
	return &harness{svc: svc, store: st, clock: clock, pub: pub, rec: rec}
}

// seed stores an active auction ending in `left`.
func (h *harness) seed(t *testing.T, left time.Duration, mutate ...func(*models.Auction)) *models.Auction {
	t.Helper()
	now := h.clock.Now()
	a := &models.Auction{
		ID:           "auc-1",
		Title:        "Lot 1",
		Status:       models.AuctionStatusActive,
		StartingBid:  decimal.NewFromInt(100),
		BidIncrement: decimal.NewFromInt(10),
		StartTime:    now.Add(-time.Hour),
		EndTime:      now.Add(left),
		CreatedBy:    "seller",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, m := range mutate {
		m(a)
	}
	require.NoError(t, h.store.CreateAuction(context.Background(), a))
	return a
}

func bid(id, bidder string, amount int64) PlaceBidRequest {
	return PlaceBidRequest{AuctionID: id, BidderID: bidder, Amount: decimal.NewFromInt(amount)}
}

func requireRejected(t *testing.T, err error, msg string) *ValidationError {
	t.Helper()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Contains(t, ve.Result.Errors, msg)
	return ve
}

func leadingCount(t *testing.T, st store.Store, auctionID string) int {
	t.Helper()
	bids, err := st.ListBids(context.Background(), auctionID)
	require.NoError(t, err)
	n := 0
	for _, b := range bids {
		if b.Status.Leading() {
			n++
		}
	}
	return n
}

func TestPlaceBid_MinimumAfterFirstBid(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seed(t, 2*time.Hour)
	ctx := context.Background()

	b, err := h.svc.PlaceBid(ctx, bid("auc-1", "alice", 100))
	require.NoError(t, err)
	require.Equal(t, models.BidStatusActive, b.Status)

	_, err = h.svc.PlaceBid(ctx, bid("auc-1", "bob", 100))
	ve := requireRejected(t, err, "Bid must be at least 110")
	require.True(t, ve.Result.SuggestedBid.Equal(decimal.NewFromInt(110)))
	require.False(t, ve.Result.IsValid)

	a, err := h.store.GetAuction(ctx, "auc-1")
	require.NoError(t, err)
	require.True(t, a.CurrentBid.Decimal.Equal(decimal.NewFromInt(100)))
	require.Equal(t, 1, a.TotalBids)
}

func TestPlaceBid_CommitsAtomically(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seed(t, 2*time.Hour)
	ctx := context.Background()

	first, err := h.svc.PlaceBid(ctx, bid("auc-1", "alice", 100))
	require.NoError(t, err)
	second, err := h.svc.PlaceBid(ctx, bid("auc-1", "bob", 120))
	require.NoError(t, err)

	bids, err := h.store.ListBids(ctx, "auc-1")
	require.NoError(t, err)
	require.Len(t, bids, 2)
	require.Equal(t, second.ID, bids[0].ID)
	require.Equal(t, models.BidStatusActive, bids[0].Status)
	require.Equal(t, first.ID, bids[1].ID)
	require.Equal(t, models.BidStatusOutbid, bids[1].Status)

	hist, err := h.store.ListHistory(ctx, "auc-1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.False(t, hist[0].PreviousAmount.Valid)
	require.True(t, hist[1].PreviousAmount.Decimal.Equal(decimal.NewFromInt(100)))

	// bob's bid reaches every topic and alice gets an outbid notice
	require.Len(t, h.pub.on(broadcast.AuctionTopic("auc-1"), broadcast.EventBidPlaced), 2)
	require.Len(t, h.pub.on(broadcast.AllTopic, broadcast.EventBidPlaced), 2)
	require.Len(t, h.pub.on(broadcast.UserTopic("bob"), broadcast.EventBidPlaced), 1)
	outbid := h.pub.on(broadcast.UserTopic("alice"), broadcast.EventOutbid)
	require.Len(t, outbid, 1)

	var body OutbidPayload
	require.NoError(t, json.Unmarshal(outbid[0].Data, &body))
	require.True(t, body.NewAmount.Equal(decimal.NewFromInt(120)))
	require.True(t, body.MinimumBid.Equal(decimal.NewFromInt(130)))

	require.Equal(t, []string{"bid_placed", "bid_placed"}, h.rec.actions)
}

func TestPlaceBid_AntiSnipeExtends(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	a := h.seed(t, 4*time.Minute)
	ctx := context.Background()

	_, err := h.svc.PlaceBid(ctx, bid("auc-1", "alice", 100))
	require.NoError(t, err)

	got, err := h.store.GetAuction(ctx, "auc-1")
	require.NoError(t, err)
	require.Equal(t, h.clock.Now().Add(10*time.Minute), got.EndTime)
	require.True(t, got.EndTime.After(a.EndTime))
	require.Equal(t, 1, got.ExtensionCount)

	ext := h.pub.on(broadcast.AuctionTopic("auc-1"), broadcast.EventAuctionExtended)
	require.Len(t, ext, 1)
	var body ExtendedPayload
	require.NoError(t, json.Unmarshal(ext[0].Data, &body))
	require.True(t, body.PreviousEndTime.Equal(a.EndTime))
	require.True(t, body.NewEndTime.Equal(got.EndTime))
}

func TestPlaceBid_NoExtensionOutsideWindow(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	a := h.seed(t, 30*time.Minute)

	_, err := h.svc.PlaceBid(context.Background(), bid("auc-1", "alice", 100))
	require.NoError(t, err)

	got, err := h.store.GetAuction(context.Background(), "auc-1")
	require.NoError(t, err)
	require.Equal(t, a.EndTime, got.EndTime)
	require.Empty(t, h.pub.on(broadcast.AuctionTopic("auc-1"), broadcast.EventAuctionExtended))
}

func TestPlaceBid_ExtensionCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxExtensions = 1
	h := newHarness(t, cfg)
	h.seed(t, 4*time.Minute)
	ctx := context.Background()

	_, err := h.svc.PlaceBid(ctx, bid("auc-1", "alice", 100))
	require.NoError(t, err)
	first, _ := h.store.GetAuction(ctx, "auc-1")

	h.clock.Advance(8 * time.Minute)
	_, err = h.svc.PlaceBid(ctx, bid("auc-1", "bob", 110))
	require.NoError(t, err)
	second, _ := h.store.GetAuction(ctx, "auc-1")

	require.Equal(t, first.EndTime, second.EndTime)
	require.Equal(t, 1, second.ExtensionCount)
}

func TestPlaceBid_CloseTimeNeverDecreases(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seed(t, 9*time.Minute)
	ctx := context.Background()

	bidders := []string{"alice", "bob"}
	prevEnd := time.Time{}
	for i := 0; i < 8; i++ {
		h.clock.Advance(90 * time.Second)
		_, err := h.svc.PlaceBid(ctx, bid("auc-1", bidders[i%2], int64(100+10*i)))
		require.NoError(t, err)

		a, err := h.store.GetAuction(ctx, "auc-1")
		require.NoError(t, err)
		require.False(t, a.EndTime.Before(prevEnd))
		prevEnd = a.EndTime
		require.Equal(t, 1, leadingCount(t, h.store, "auc-1"))
	}
}

func TestPlaceBid_RateLimitAndRollover(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	// separate auctions so the bidder is never already leading
	for _, id := range []string{"a1", "a2", "a3", "a4", "a5", "a6"} {
		h.seed(t, 3*time.Hour, func(a *models.Auction) { a.ID = id })
	}

	for _, id := range []string{"a1", "a2", "a3", "a4", "a5"} {
		_, err := h.svc.PlaceBid(ctx, bid(id, "alice", 100))
		require.NoError(t, err, id)
	}

	res, err := h.svc.ValidateBid(ctx, "a6", decimal.NewFromInt(100), "alice")
	require.NoError(t, err)
	require.Contains(t, res.Errors, MsgTooManyBids)

	_, err = h.svc.PlaceBid(ctx, bid("a6", "alice", 100))
	requireRejected(t, err, MsgTooManyBids)

	h.clock.Advance(time.Minute)
	_, err = h.svc.PlaceBid(ctx, bid("a6", "alice", 100))
	require.NoError(t, err)
}

func TestPlaceBid_SellerCannotBid(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seed(t, time.Hour)

	_, err := h.svc.PlaceBid(context.Background(), bid("auc-1", "seller", 500))
	requireRejected(t, err, MsgSelfBid)
}

func TestPlaceBid_AfterEndTime(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seed(t, time.Minute)
	h.clock.Advance(2 * time.Minute)

	_, err := h.svc.PlaceBid(context.Background(), bid("auc-1", "alice", 1_000_000))
	requireRejected(t, err, MsgEnded)
}

func TestPlaceBid_ExactlyAtEndTimeIsLate(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seed(t, time.Minute)
	h.clock.Advance(time.Minute)

	_, err := h.svc.PlaceBid(context.Background(), bid("auc-1", "alice", 100))
	requireRejected(t, err, MsgEnded)
}

func TestPlaceBid_AlreadyHighest(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seed(t, time.Hour)
	ctx := context.Background()

	_, err := h.svc.PlaceBid(ctx, bid("auc-1", "alice", 100))
	require.NoError(t, err)
	_, err = h.svc.PlaceBid(ctx, bid("auc-1", "alice", 200))
	requireRejected(t, err, MsgAlreadyHighest)
}

func TestPlaceBid_CollectsEveryViolation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seed(t, time.Hour, func(a *models.Auction) { a.Status = models.AuctionStatusDraft })

	_, err := h.svc.PlaceBid(context.Background(), bid("auc-1", "seller", 50))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.ElementsMatch(t, []string{MsgNotActive, "Bid must be at least 100", MsgSelfBid}, ve.Result.Errors)
}

func TestPlaceBid_MaxBidBelowAmount(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seed(t, time.Hour)

	req := bid("auc-1", "alice", 150)
	req.MaxBid = decimal.NewNullDecimal(decimal.NewFromInt(120))
	_, err := h.svc.PlaceBid(context.Background(), req)
	requireRejected(t, err, MsgMaxBidTooLow)
}

func TestPlaceBid_UnknownAuction(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	_, err := h.svc.PlaceBid(context.Background(), bid("missing", "alice", 100))
	ve := requireRejected(t, err, MsgAuctionNotFound)
	require.Len(t, ve.Result.Errors, 1)
}

func TestPlaceBid_SimultaneousBidsOneWins(t *testing.T) {
	for _, retries := range []int{0, DefaultCommitRetries} {
		cfg := DefaultConfig()
		cfg.CommitRetries = retries
		h := newHarness(t, cfg)
		h.seed(t, time.Hour, func(a *models.Auction) {
			a.CurrentBid = decimal.NewNullDecimal(decimal.NewFromInt(110))
			a.TotalBids = 1
		})
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make([]error, 2)
		start := make(chan struct{})
		for i, who := range []string{"alice", "bob"} {
			wg.Add(1)
			go func(i int, who string) {
				defer wg.Done()
				<-start
				_, errs[i] = h.svc.PlaceBid(ctx, bid("auc-1", who, 150))
			}(i, who)
		}
		close(start)
		wg.Wait()

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			var ve *ValidationError
			if errors.As(err, &ve) {
				require.Contains(t, ve.Result.Errors, "Bid must be at least 160")
			} else {
				require.ErrorIs(t, err, ErrConcurrencyConflict)
			}
		}
		require.Equal(t, 1, ok)
		require.Equal(t, 1, leadingCount(t, h.store, "auc-1"))
	}
}

func TestPlaceBid_ManyBiddersSingleLeaderMonotonicPrice(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seed(t, time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			who := "bidder-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
			_, _ = h.svc.PlaceBid(ctx, bid("auc-1", who, int64(100+10*i)))
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, leadingCount(t, h.store, "auc-1"))

	hist, err := h.store.ListHistory(ctx, "auc-1")
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	for i := 1; i < len(hist); i++ {
		assert.True(t, hist[i].Amount.GreaterThan(hist[i-1].Amount))
		assert.True(t, hist[i].PreviousAmount.Decimal.Equal(hist[i-1].Amount))
	}

	a, err := h.store.GetAuction(ctx, "auc-1")
	require.NoError(t, err)
	require.Equal(t, len(hist), a.TotalBids)
	require.True(t, a.CurrentBid.Decimal.Equal(hist[len(hist)-1].Amount))
}

func TestCancelAuction_StopsBidding(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seed(t, time.Hour)
	ctx := context.Background()

	_, err := h.svc.PlaceBid(ctx, bid("auc-1", "alice", 100))
	require.NoError(t, err)

	a, err := h.svc.CancelAuction(ctx, "auc-1", "admin")
	require.NoError(t, err)
	require.Equal(t, models.AuctionStatusCancelled, a.Status)

	_, err = h.svc.PlaceBid(ctx, bid("auc-1", "bob", 500))
	requireRejected(t, err, MsgNotActive)

	bids, _ := h.store.ListBids(ctx, "auc-1")
	require.Equal(t, models.BidStatusLost, bids[0].Status)
	require.Len(t, h.pub.on(broadcast.AllTopic, broadcast.EventAuctionCancelled), 1)

	_, err = h.svc.CancelAuction(ctx, "auc-1", "admin")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEndAuction_SettlesWinner(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seed(t, time.Hour, func(a *models.Auction) {
		a.ReservePrice = decimal.NewNullDecimal(decimal.NewFromInt(110))
	})
	ctx := context.Background()

	_, err := h.svc.PlaceBid(ctx, bid("auc-1", "alice", 100))
	require.NoError(t, err)
	win, err := h.svc.PlaceBid(ctx, bid("auc-1", "bob", 110))
	require.NoError(t, err)

	_, err = h.svc.EndAuction(ctx, "auc-1")
	require.ErrorIs(t, err, ErrInvalidTransition)

	h.clock.Advance(time.Hour)
	a, err := h.svc.EndAuction(ctx, "auc-1")
	require.NoError(t, err)
	require.Equal(t, models.AuctionStatusEnded, a.Status)
	require.NotNil(t, a.WinnerID)
	require.Equal(t, "bob", *a.WinnerID)

	bids, _ := h.store.ListBids(ctx, "auc-1")
	for _, b := range bids {
		if b.ID == win.ID {
			require.Equal(t, models.BidStatusWon, b.Status)
		} else {
			require.Equal(t, models.BidStatusLost, b.Status)
		}
	}
	require.Len(t, h.pub.on(broadcast.UserTopic("bob"), broadcast.EventAuctionEnded), 1)

	_, err = h.svc.EndAuction(ctx, "auc-1")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEndAuction_ReserveNotMet(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seed(t, time.Hour, func(a *models.Auction) {
		a.ReservePrice = decimal.NewNullDecimal(decimal.NewFromInt(500))
	})
	ctx := context.Background()

	_, err := h.svc.PlaceBid(ctx, bid("auc-1", "alice", 100))
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	a, err := h.svc.EndAuction(ctx, "auc-1")
	require.NoError(t, err)
	require.Nil(t, a.WinnerID)

	bids, _ := h.store.ListBids(ctx, "auc-1")
	require.Equal(t, models.BidStatusLost, bids[0].Status)
}

func TestCreateAndActivateAuction(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	now := h.clock.Now()

	_, err := h.svc.CreateAuction(ctx, CreateAuctionInput{Title: "x", CreatedBy: "s"})
	require.ErrorIs(t, err, ErrInvalidAuctionSpec)

	a, err := h.svc.CreateAuction(ctx, CreateAuctionInput{
		Title:        "Vintage Lamp",
		StartingBid:  decimal.NewFromInt(20),
		BidIncrement: decimal.NewFromInt(5),
		StartTime:    now.Add(time.Minute),
		EndTime:      now.Add(time.Hour),
		CreatedBy:    "seller",
	})
	require.NoError(t, err)
	require.Equal(t, models.AuctionStatusDraft, a.Status)

	_, err = h.svc.ActivateAuction(ctx, a.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	h.clock.Advance(time.Minute)
	n, err := h.svc.StartDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	dto, err := h.svc.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, models.AuctionStatusActive, dto.Status)
	require.True(t, dto.MinimumBid.Equal(decimal.NewFromInt(20)))
	require.Nil(t, dto.WinningBid)
	require.Len(t, h.pub.on(broadcast.AllTopic, broadcast.EventAuctionStarted), 1)
	require.Equal(t, []string{"auction_created", "auction_started"}, h.rec.actions)
}

func TestEndDue(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seed(t, time.Minute)
	h.seed(t, 2*time.Hour, func(a *models.Auction) { a.ID = "auc-2" })

	h.clock.Advance(time.Minute)
	n, err := h.svc.EndDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	a, _ := h.store.GetAuction(context.Background(), "auc-2")
	require.Equal(t, models.AuctionStatusActive, a.Status)
}

func TestGetCurrentWinningBid(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seed(t, time.Hour)
	ctx := context.Background()

	lead, err := h.svc.GetCurrentWinningBid(ctx, "auc-1")
	require.NoError(t, err)
	require.Nil(t, lead)

	b, err := h.svc.PlaceBid(ctx, bid("auc-1", "alice", 100))
	require.NoError(t, err)
	lead, err = h.svc.GetCurrentWinningBid(ctx, "auc-1")
	require.NoError(t, err)
	require.Equal(t, b.ID, lead.ID)

	_, err = h.svc.GetCurrentWinningBid(ctx, "missing")
	require.ErrorIs(t, err, ErrAuctionNotFound)
}

func TestListAuctions_RejectsUnknownStatus(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, err := h.svc.ListAuctions(context.Background(), "bogus", 0, 0)
	require.ErrorIs(t, err, ErrInvalidAuctionSpec)

	h.seed(t, time.Hour)
	list, err := h.svc.ListAuctions(context.Background(), "active", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

type brokenStore struct {
	store.Store
}

func (brokenStore) GetAuction(context.Context, string) (*models.Auction, error) {
	return nil, errors.New("connection refused")
}

func TestPlaceBid_StoreFailure(t *testing.T) {
	svc := NewAuctionService(brokenStore{}, nil, nil, nil, DefaultConfig())

	_, err := svc.PlaceBid(context.Background(), bid("auc-1", "alice", 100))
	require.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = svc.ValidateBid(context.Background(), "auc-1", decimal.NewFromInt(100), "alice")
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

// conflictStore loses every compare-and-swap.
type conflictStore struct {
	*store.MemoryStore
}

func (s conflictStore) WithTx(context.Context, func(store.Tx) error) error {
	return store.ErrConflict
}

func TestPlaceBid_RetriesThenConflict(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryStore()
	h := &harness{store: mem, clock: clock}
	h.seed(t, time.Hour)

	svc := NewAuctionService(conflictStore{mem}, nil, nil, nil, DefaultConfig()).WithClock(clock.Now)
	_, err := svc.PlaceBid(context.Background(), bid("auc-1", "alice", 100))
	require.ErrorIs(t, err, ErrConcurrencyConflict)
}

// hookStore runs before once, just ahead of the next transaction.
type hookStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	before func()
}

func (s *hookStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	f := s.before
	s.before = nil
	s.mu.Unlock()
	if f != nil {
		f()
	}
	return s.MemoryStore.WithTx(ctx, fn)
}

// slowStore stands in for a database round-trip before each commit.
type slowStore struct {
	*store.MemoryStore
}

func (s slowStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	time.Sleep(time.Millisecond)
	return s.MemoryStore.WithTx(ctx, fn)
}

func TestPlaceBid_ConcurrentBidsFromOneBidderRespectRate(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryStore()
	h := &harness{store: mem, clock: clock}
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = "auc-" + string(rune('a'+i))
		h.seed(t, time.Hour, func(a *models.Auction) { a.ID = ids[i] })
	}

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore()).WithClock(clock.Now)
	svc := NewAuctionService(slowStore{mem}, limiter, nil, nil, DefaultConfig()).WithClock(clock.Now)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	start := make(chan struct{})
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.PlaceBid(ctx, bid(id, "alice", 100))
		}(i, id)
	}
	close(start)
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		requireRejected(t, err, MsgTooManyBids)
	}
	require.Equal(t, DefaultBidRate.MaxRequests, accepted)

	res, err := limiter.Peek(ctx, "bid-rate:alice", DefaultBidRate)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Zero(t, res.Remaining)
}

func TestPlaceBid_RejectedBidsKeepQuota(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seed(t, time.Hour)
	ctx := context.Background()

	for i := 0; i < 2*DefaultBidRate.MaxRequests; i++ {
		_, err := h.svc.PlaceBid(ctx, bid("auc-1", "alice", 50))
		requireRejected(t, err, "Bid must be at least 100")
	}

	res, err := h.svc.ValidateBid(ctx, "auc-1", decimal.NewFromInt(100), "alice")
	require.NoError(t, err)
	require.True(t, res.IsValid)
	_, err = h.svc.PlaceBid(ctx, bid("auc-1", "alice", 100))
	require.NoError(t, err)
}

func TestPlaceBid_FailedCommitHandsBackQuota(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryStore()
	h := &harness{store: mem, clock: clock}
	h.seed(t, time.Hour)

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore()).WithClock(clock.Now)
	svc := NewAuctionService(conflictStore{mem}, limiter, nil, nil, DefaultConfig()).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 2*DefaultBidRate.MaxRequests; i++ {
		_, err := svc.PlaceBid(ctx, bid("auc-1", "alice", 100))
		require.ErrorIs(t, err, ErrConcurrencyConflict)
	}

	res, err := limiter.Peek(ctx, "bid-rate:alice", DefaultBidRate)
	require.NoError(t, err)
	require.Equal(t, DefaultBidRate.MaxRequests, res.Remaining)
}

func TestPlaceBid_CancelledWhileCommitting(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryStore()
	h := &harness{store: mem, clock: clock}
	h.seed(t, time.Hour)
	ctx := context.Background()

	hs := &hookStore{MemoryStore: mem}
	svc := NewAuctionService(hs, nil, nil, nil, DefaultConfig()).WithClock(clock.Now)

	// the bid has passed validation; the cancel lands before its commit
	hs.before = func() {
		require.NoError(t, mem.WithTx(ctx, func(tx store.Tx) error {
			return tx.TransitionAuction(ctx, "auc-1", models.AuctionStatusCancelled, models.AuctionStatusActive)
		}))
	}

	_, err := svc.PlaceBid(ctx, bid("auc-1", "alice", 100))
	requireRejected(t, err, MsgNotActive)
	require.Zero(t, leadingCount(t, mem, "auc-1"))

	a, err := mem.GetAuction(ctx, "auc-1")
	require.NoError(t, err)
	require.Equal(t, models.AuctionStatusCancelled, a.Status)
	require.False(t, a.CurrentBid.Valid)
	require.Zero(t, a.TotalBids)
}

func TestEndAuction_LastSecondExtensionWins(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryStore()
	h := &harness{store: mem, clock: clock}
	seeded := h.seed(t, 0)
	ctx := context.Background()

	hs := &hookStore{MemoryStore: mem}
	svc := NewAuctionService(hs, nil, nil, nil, DefaultConfig()).WithClock(clock.Now)

	// EndAuction has already read the auction as expired when a bid placed
	// 5ms before the close commits and extends it.
	hs.before = func() {
		clock.Advance(-5 * time.Millisecond)
		_, err := svc.PlaceBid(ctx, bid("auc-1", "alice", 100))
		require.NoError(t, err)
		clock.Advance(5 * time.Millisecond)
	}

	_, err := svc.EndAuction(ctx, "auc-1")
	require.ErrorIs(t, err, ErrInvalidTransition)

	a, err := mem.GetAuction(ctx, "auc-1")
	require.NoError(t, err)
	require.Equal(t, models.AuctionStatusActive, a.Status)
	require.True(t, a.EndTime.After(seeded.EndTime))
	require.Equal(t, 1, leadingCount(t, mem, "auc-1"))

	clock.Advance(DefaultAntiSnipeWindow)
	a, err = svc.EndAuction(ctx, "auc-1")
	require.NoError(t, err)
	require.Equal(t, models.AuctionStatusEnded, a.Status)
	require.Equal(t, "alice", *a.WinnerID)
}

// unreachableLimiter errors on every call and leaves Allowed set, so only the
// error can say no.
type unreachableLimiter struct{}

func (unreachableLimiter) Peek(context.Context, string, ratelimit.Options) (ratelimit.Result, error) {
	return ratelimit.Result{Allowed: true}, errors.New("dial tcp: connection refused")
}

func (unreachableLimiter) CheckLimit(context.Context, string, ratelimit.Options) (ratelimit.Result, error) {
	return ratelimit.Result{Allowed: true}, errors.New("dial tcp: connection refused")
}

func (unreachableLimiter) Release(context.Context, string, ratelimit.Result) error {
	return errors.New("dial tcp: connection refused")
}

func TestPlaceBid_RateStoreDownFailsClosed(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryStore()
	h := &harness{store: mem, clock: clock}
	h.seed(t, time.Hour)
	svc := NewAuctionService(mem, unreachableLimiter{}, nil, nil, DefaultConfig()).WithClock(clock.Now)
	ctx := context.Background()

	res, err := svc.ValidateBid(ctx, "auc-1", decimal.NewFromInt(100), "alice")
	require.NoError(t, err)
	require.False(t, res.IsValid)
	require.Equal(t, []string{MsgTooManyBids}, res.Errors)

	_, err = svc.PlaceBid(ctx, bid("auc-1", "alice", 100))
	requireRejected(t, err, MsgTooManyBids)
	require.Zero(t, leadingCount(t, mem, "auc-1"))
}
