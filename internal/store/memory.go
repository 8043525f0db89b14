package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"bidengine/internal/models"

	"github.com/shopspring/decimal"
)

// MemoryStore is a concurrency-safe in-memory Store. Transactions hold the
// write lock for their whole duration and undo their changes on error.
type MemoryStore struct {
	mu       sync.RWMutex
	auctions map[string]*models.Auction
	bids     map[string][]*models.Bid // auctionID -> bids in insertion order
	history  map[string][]models.BidHistory
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions: make(map[string]*models.Auction),
		bids:     make(map[string][]*models.Bid),
		history:  make(map[string][]models.BidHistory),
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateAuction(_ context.Context, a *models.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auctions[a.ID]; ok {
		return fmt.Errorf("create auction %s: %w", a.ID, ErrConflict)
	}
	cp := *a
	s.auctions[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context, id string) (*models.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[id]
	if !ok {
		return nil, fmt.Errorf("get auction %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAuctions(_ context.Context, status models.AuctionStatus, limit, offset int) ([]models.Auction, error) {
	s.mu.RLock()
	out := make([]models.Auction, 0, len(s.auctions))
	for _, a := range s.auctions {
		if status == "" || a.Status == status {
			out = append(out, *a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.After(out[j].EndTime) })
	if offset >= len(out) {
		return []models.Auction{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListStartable(_ context.Context, now time.Time) ([]models.Auction, error) {
	return s.filter(func(a *models.Auction) bool {
		return a.Status == models.AuctionStatusDraft && !a.StartTime.After(now)
	}), nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time) ([]models.Auction, error) {
	return s.filter(func(a *models.Auction) bool {
		return a.Status == models.AuctionStatusActive && !a.EndTime.After(now)
	}), nil
}

func (s *MemoryStore) filter(keep func(*models.Auction) bool) []models.Auction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Auction
	for _, a := range s.auctions {
		if keep(a) {
			out = append(out, *a)
		}
	}
	return out
}

func (s *MemoryStore) GetLeadingBid(_ context.Context, auctionID string) (*models.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leadingBid(auctionID)
}

// leadingBid must be called with mu held.
func (s *MemoryStore) leadingBid(auctionID string) (*models.Bid, error) {
	var lead *models.Bid
	for _, b := range s.bids[auctionID] {
		if b.Status.Leading() && (lead == nil || b.Outranks(lead)) {
			lead = b
		}
	}
	if lead == nil {
		return nil, fmt.Errorf("leading bid for %s: %w", auctionID, ErrNotFound)
	}
	cp := *lead
	return &cp, nil
}

// ListBids returns bids newest first.
func (s *MemoryStore) ListBids(_ context.Context, auctionID string) ([]models.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bids := s.bids[auctionID]
	out := make([]models.Bid, 0, len(bids))
	for i := len(bids) - 1; i >= 0; i-- {
		out = append(out, *bids[i])
	}
	return out, nil
}

func (s *MemoryStore) ListHistory(_ context.Context, auctionID string) ([]models.BidHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history[auctionID]), nil
}

func (s *MemoryStore) ExtendAuction(_ context.Context, id string, newEnd time.Time, maxExtensions int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[id]
	if !ok {
		return false, fmt.Errorf("extend auction %s: %w", id, ErrNotFound)
	}
	if a.Status != models.AuctionStatusActive || !newEnd.After(a.EndTime) {
		return false, nil
	}
	if maxExtensions > 0 && a.ExtensionCount >= maxExtensions {
		return false, nil
	}
	a.EndTime = newEnd
	a.ExtensionCount++
	a.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// memTx applies writes directly and keeps an undo log.
type memTx struct {
	s    *MemoryStore
	undo []func()
}

var _ Tx = (*memTx)(nil)

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// saveAuction records a to be restored on rollback.
func (t *memTx) saveAuction(a *models.Auction) {
	prev := *a
	t.undo = append(t.undo, func() { *a = prev })
}

func (t *memTx) saveBid(b *models.Bid) {
	prev := b.Status
	t.undo = append(t.undo, func() { b.Status = prev })
}

func (t *memTx) LeadingBid(_ context.Context, auctionID string) (*models.Bid, error) {
	return t.s.leadingBid(auctionID)
}

func (t *memTx) InsertBid(_ context.Context, b *models.Bid) error {
	if _, ok := t.s.auctions[b.AuctionID]; !ok {
		return fmt.Errorf("insert bid for %s: %w", b.AuctionID, ErrNotFound)
	}
	cp := *b
	id := b.AuctionID
	prev := t.s.bids[id]
	t.s.bids[id] = append(slices.Clip(prev), &cp)
	t.undo = append(t.undo, func() { t.s.bids[id] = prev })
	return nil
}

func (t *memTx) UpdateAuctionAggregate(_ context.Context, id string, expected decimal.NullDecimal, newCurrent decimal.Decimal, newTotal int) error {
	a, ok := t.s.auctions[id]
	if !ok {
		return fmt.Errorf("update aggregate %s: %w", id, ErrNotFound)
	}
	if a.Status != models.AuctionStatusActive || !sameNullDecimal(a.CurrentBid, expected) {
		return fmt.Errorf("update aggregate %s: %w", id, ErrConflict)
	}
	t.saveAuction(a)
	a.CurrentBid = decimal.NewNullDecimal(newCurrent)
	a.TotalBids = newTotal
	a.UpdatedAt = t.s.now()
	return nil
}

func (t *memTx) MarkBidsOutbid(_ context.Context, auctionID, exceptBidID string) (int64, error) {
	var n int64
	for _, b := range t.s.bids[auctionID] {
		if b.ID != exceptBidID && b.Status.Leading() {
			t.saveBid(b)
			b.Status = models.BidStatusOutbid
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertBidHistory(_ context.Context, h *models.BidHistory) error {
	id := h.AuctionID
	prev := t.s.history[id]
	t.s.history[id] = append(slices.Clip(prev), *h)
	t.undo = append(t.undo, func() { t.s.history[id] = prev })
	return nil
}

func (t *memTx) TransitionAuction(_ context.Context, id string, to models.AuctionStatus, from ...models.AuctionStatus) error {
	a, ok := t.s.auctions[id]
	if !ok {
		return fmt.Errorf("transition auction %s: %w", id, ErrNotFound)
	}
	if !slices.Contains(from, a.Status) {
		return fmt.Errorf("transition auction %s from %s to %s: %w", id, a.Status, to, ErrConflict)
	}
	t.saveAuction(a)
	a.Status = to
	a.UpdatedAt = t.s.now()
	return nil
}

func (t *memTx) ExpireAuction(_ context.Context, id string, now time.Time) error {
	a, ok := t.s.auctions[id]
	if !ok {
		return fmt.Errorf("expire auction %s: %w", id, ErrNotFound)
	}
	if a.Status != models.AuctionStatusActive || a.EndTime.After(now) {
		return fmt.Errorf("expire auction %s (%s, ends %s): %w", id, a.Status, a.EndTime.Format(time.RFC3339Nano), ErrConflict)
	}
	t.saveAuction(a)
	a.Status = models.AuctionStatusEnded
	a.UpdatedAt = t.s.now()
	return nil
}

func (t *memTx) SetWinner(_ context.Context, id, winnerID string) error {
	a, ok := t.s.auctions[id]
	if !ok {
		return fmt.Errorf("set winner %s: %w", id, ErrNotFound)
	}
	t.saveAuction(a)
	a.WinnerID = &winnerID
	return nil
}

func (t *memTx) SettleBids(_ context.Context, auctionID, winningBidID string) error {
	for _, b := range t.s.bids[auctionID] {
		if b.Status == models.BidStatusWon || b.Status == models.BidStatusLost {
			continue
		}
		t.saveBid(b)
		if b.ID == winningBidID {
			b.Status = models.BidStatusWon
		} else {
			b.Status = models.BidStatusLost
		}
	}
	return nil
}

func sameNullDecimal(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}
