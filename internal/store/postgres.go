package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bidengine/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PostgresStore implements Store over database/sql with the pgx driver.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const auctionColumns = `id, title, status, starting_bid, reserve_price, current_bid,
       bid_increment, start_time, end_time, total_bids, winner_id, created_by,
       featured, extension_count, created_at, updated_at`

const bidColumns = `id, auction_id, bidder_id, amount, max_bid, status,
       is_auto_bid, placed_at, ip_address, user_agent`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuction(row rowScanner) (*models.Auction, error) {
	var (
		a      models.Auction
		winner sql.NullString
		status string
	)
	err := row.Scan(&a.ID, &a.Title, &status, &a.StartingBid, &a.ReservePrice,
		&a.CurrentBid, &a.BidIncrement, &a.StartTime, &a.EndTime, &a.TotalBids,
		&winner, &a.CreatedBy, &a.Featured, &a.ExtensionCount, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = models.AuctionStatus(status)
	if winner.Valid {
		a.WinnerID = &winner.String
	}
	return &a, nil
}

func scanBid(row rowScanner) (*models.Bid, error) {
	var (
		b      models.Bid
		status string
	)
	err := row.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.MaxBid,
		&status, &b.IsAutoBid, &b.PlacedAt, &b.IPAddress, &b.UserAgent)
	if err != nil {
		return nil, err
	}
	b.Status = models.BidStatus(status)
	return &b, nil
}

func (s *PostgresStore) CreateAuction(ctx context.Context, a *models.Auction) error {
	const q = `
	  INSERT INTO auctions (id, title, status, starting_bid, reserve_price,
	                        current_bid, bid_increment, start_time, end_time,
	                        total_bids, created_by, featured, created_at, updated_at)
	       VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`
	_, err := s.db.ExecContext(ctx, q,
		a.ID, a.Title, string(a.Status), a.StartingBid, a.ReservePrice,
		a.CurrentBid, a.BidIncrement, a.StartTime, a.EndTime,
		a.TotalBids, a.CreatedBy, a.Featured, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create auction %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetAuction(ctx context.Context, id string) (*models.Auction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id)
	a, err := scanAuction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get auction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get auction %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAuctions(ctx context.Context, status models.AuctionStatus, limit, offset int) ([]models.Auction, error) {
	if limit == 0 {
		limit = 10
	}
	var (
		rows *sql.Rows
		err  error
	)
	base := `SELECT ` + auctionColumns + ` FROM auctions`
	if status != "" {
		rows, err = s.db.QueryContext(ctx, base+` WHERE status = $1 ORDER BY end_time DESC LIMIT $2 OFFSET $3`,
			string(status), limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, base+` ORDER BY end_time DESC LIMIT $1 OFFSET $2`,
			limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list auctions: %w", err)
	}
	return collectAuctions(rows)
}

func (s *PostgresStore) ListStartable(ctx context.Context, now time.Time) ([]models.Auction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE status = 'draft' AND start_time <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("list startable: %w", err)
	}
	return collectAuctions(rows)
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]models.Auction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE status = 'active' AND end_time <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	return collectAuctions(rows)
}

func collectAuctions(rows *sql.Rows) ([]models.Auction, error) {
	defer rows.Close()

	list := make([]models.Auction, 0)
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan auction: %w", err)
		}
		list = append(list, *a)
	}
	return list, rows.Err()
}

const leadingBidQuery = `SELECT ` + bidColumns + ` FROM bids
	            WHERE auction_id = $1 AND status IN ('active', 'winning')
	         ORDER BY amount DESC, placed_at ASC
	            LIMIT 1`

func (s *PostgresStore) GetLeadingBid(ctx context.Context, auctionID string) (*models.Bid, error) {
	return leadingBid(s.db.QueryRowContext(ctx, leadingBidQuery, auctionID), auctionID)
}

func leadingBid(row *sql.Row, auctionID string) (*models.Bid, error) {
	b, err := scanBid(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("leading bid for %s: %w", auctionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("leading bid for %s: %w", auctionID, err)
	}
	return b, nil
}

func (s *PostgresStore) ListBids(ctx context.Context, auctionID string) ([]models.Bid, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = $1 ORDER BY placed_at DESC`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("list bids for %s: %w", auctionID, err)
	}
	defer rows.Close()

	list := make([]models.Bid, 0)
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		list = append(list, *b)
	}
	return list, rows.Err()
}

func (s *PostgresStore) ListHistory(ctx context.Context, auctionID string) ([]models.BidHistory, error) {
	const q = `SELECT id, auction_id, bid_id, bidder_id, amount, previous_amount, recorded_at
	             FROM bid_history WHERE auction_id = $1 ORDER BY recorded_at ASC`
	rows, err := s.db.QueryContext(ctx, q, auctionID)
	if err != nil {
		return nil, fmt.Errorf("list history for %s: %w", auctionID, err)
	}
	defer rows.Close()

	list := make([]models.BidHistory, 0)
	for rows.Next() {
		var h models.BidHistory
		if err := rows.Scan(&h.ID, &h.AuctionID, &h.BidID, &h.BidderID,
			&h.Amount, &h.PreviousAmount, &h.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		list = append(list, h)
	}
	return list, rows.Err()
}

func (s *PostgresStore) ExtendAuction(ctx context.Context, id string, newEnd time.Time, maxExtensions int) (bool, error) {
	const q = `
	  UPDATE auctions
	     SET end_time = $2, extension_count = extension_count + 1, updated_at = now()
	   WHERE id = $1
	     AND status = 'active'
	     AND end_time < $2
	     AND ($3 = 0 OR extension_count < $3)`
	res, err := s.db.ExecContext(ctx, q, id, newEnd, maxExtensions)
	if err != nil {
		return false, fmt.Errorf("extend auction %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend auction %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err := sqlTx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			zap.L().Warn("store.rollback", zap.Error(err))
		}
	}()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

var _ Tx = (*pgTx)(nil)

func (t *pgTx) LeadingBid(ctx context.Context, auctionID string) (*models.Bid, error) {
	return leadingBid(t.tx.QueryRowContext(ctx, leadingBidQuery, auctionID), auctionID)
}

func (t *pgTx) InsertBid(ctx context.Context, b *models.Bid) error {
	const q = `
	  INSERT INTO bids (id, auction_id, bidder_id, amount, max_bid, status,
	                    is_auto_bid, placed_at, ip_address, user_agent)
	       VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := t.tx.ExecContext(ctx, q, b.ID, b.AuctionID, b.BidderID, b.Amount, b.MaxBid,
		string(b.Status), b.IsAutoBid, b.PlacedAt, b.IPAddress, b.UserAgent)
	if err != nil {
		return fmt.Errorf("insert bid %s: %w", b.ID, err)
	}
	return nil
}

func (t *pgTx) UpdateAuctionAggregate(ctx context.Context, id string, expected decimal.NullDecimal, newCurrent decimal.Decimal, newTotal int) error {
	const q = `
	  UPDATE auctions
	     SET current_bid = $3, total_bids = $4, updated_at = now()
	   WHERE id = $1
	     AND status = 'active'
	     AND current_bid IS NOT DISTINCT FROM $2`
	res, err := t.tx.ExecContext(ctx, q, id, expected, newCurrent, newTotal)
	if err != nil {
		return fmt.Errorf("update aggregate %s: %w", id, err)
	}
	return requireOneRow(res, "update aggregate "+id)
}

func (t *pgTx) MarkBidsOutbid(ctx context.Context, auctionID, exceptBidID string) (int64, error) {
	const q = `
	  UPDATE bids SET status = 'outbid'
	   WHERE auction_id = $1 AND id <> $2 AND status IN ('active', 'winning')`
	res, err := t.tx.ExecContext(ctx, q, auctionID, exceptBidID)
	if err != nil {
		return 0, fmt.Errorf("mark outbid for %s: %w", auctionID, err)
	}
	return res.RowsAffected()
}

func (t *pgTx) InsertBidHistory(ctx context.Context, h *models.BidHistory) error {
	const q = `
	  INSERT INTO bid_history (id, auction_id, bid_id, bidder_id, amount, previous_amount, recorded_at)
	       VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := t.tx.ExecContext(ctx, q, h.ID, h.AuctionID, h.BidID, h.BidderID,
		h.Amount, h.PreviousAmount, h.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert history %s: %w", h.ID, err)
	}
	return nil
}

func (t *pgTx) TransitionAuction(ctx context.Context, id string, to models.AuctionStatus, from ...models.AuctionStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("transition auction %s: no source states", id)
	}
	args := []any{id, string(to)}
	placeholders := make([]string, len(from))
	for i, f := range from {
		args = append(args, string(f))
		placeholders[i] = fmt.Sprintf("$%d", i+3)
	}
	q := `UPDATE auctions SET status = $2, updated_at = now()
	       WHERE id = $1 AND status IN (` + strings.Join(placeholders, ", ") + `)`
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("transition auction %s: %w", id, err)
	}
	return requireOneRow(res, fmt.Sprintf("transition auction %s to %s", id, to))
}

func (t *pgTx) ExpireAuction(ctx context.Context, id string, now time.Time) error {
	const q = `
	  UPDATE auctions SET status = 'ended', updated_at = now()
	   WHERE id = $1 AND status = 'active' AND end_time <= $2`
	res, err := t.tx.ExecContext(ctx, q, id, now)
	if err != nil {
		return fmt.Errorf("expire auction %s: %w", id, err)
	}
	return requireOneRow(res, "expire auction "+id)
}

func (t *pgTx) SetWinner(ctx context.Context, id, winnerID string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE auctions SET winner_id = $2 WHERE id = $1`, id, winnerID)
	if err != nil {
		return fmt.Errorf("set winner %s: %w", id, err)
	}
	return requireOneRow(res, "set winner "+id)
}

func (t *pgTx) SettleBids(ctx context.Context, auctionID, winningBidID string) error {
	const q = `
	  UPDATE bids
	     SET status = CASE WHEN id = $2 THEN 'won' ELSE 'lost' END
	   WHERE auction_id = $1 AND status NOT IN ('won', 'lost')`
	if _, err := t.tx.ExecContext(ctx, q, auctionID, winningBidID); err != nil {
		return fmt.Errorf("settle bids for %s: %w", auctionID, err)
	}
	return nil
}

func requireOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return nil
}
