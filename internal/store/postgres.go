package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/terminal-bench/auctionhouse/internal/models"
)

// Postgres implements Store on database/sql. Every Atomically call maps to
// one SQL transaction; ForUpdate reads take row locks so two settlements
// touching the same account serialize at the account row.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const accountCols = "id, username, password_hash, available, locked, created_at"

func scanAccount(row *sql.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Username, &a.Password, &a.Available, &a.Locked, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

func (p *Postgres) CreateAccount(ctx context.Context, account *models.Account) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO accounts (id, username, password_hash, available, locked, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		account.ID, account.Username, account.Password, account.Available, account.Locked, account.CreatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
		return ErrDuplicateUsername
	}
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (p *Postgres) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(p.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = $1`, id))
}

func (p *Postgres) AccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	return scanAccount(p.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE username = $1`, username))
}

func (p *Postgres) Transactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, account_id, kind, amount, ref_id, description,
		        available_before, available_after, locked_before, locked_after, created_at
		 FROM balance_transactions WHERE account_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Kind, &t.Amount, &t.RefID, &t.Description,
			&t.AvailableBefore, &t.AvailableAfter, &t.LockedBefore, &t.LockedAfter, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

const auctionCols = `id, item_id, item_name, seller_id, start_price, current_price, min_step,
	start_at, end_at, status, anti_sniping_seconds, highest_bid_id,
	round_number, winners_per_round, total_rounds, rounds, winners, extended_at, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuction(row rowScanner) (*models.Auction, error) {
	var (
		a          models.Auction
		rounds     []byte
		winners    []byte
		extendedAt []byte
	)
	err := row.Scan(&a.ID, &a.ItemID, &a.ItemName, &a.SellerID, &a.StartPrice, &a.CurrentPrice, &a.MinStep,
		&a.StartAt, &a.EndAt, &a.Status, &a.AntiSnipingSeconds, &a.HighestBidID,
		&a.RoundNumber, &a.WinnersPerRound, &a.TotalRounds, &rounds, &winners, &extendedAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan auction: %w", err)
	}
	if len(rounds) > 0 {
		if err := json.Unmarshal(rounds, &a.Rounds); err != nil {
			return nil, fmt.Errorf("decode rounds: %w", err)
		}
	}
	if len(winners) > 0 {
		if err := json.Unmarshal(winners, &a.Winners); err != nil {
			return nil, fmt.Errorf("decode winners: %w", err)
		}
	}
	if len(extendedAt) > 0 {
		if err := json.Unmarshal(extendedAt, &a.ExtendedAt); err != nil {
			return nil, fmt.Errorf("decode extension log: %w", err)
		}
	}
	return &a, nil
}

func auctionJSON(a *models.Auction) (rounds, winners, extendedAt []byte, err error) {
	if rounds, err = json.Marshal(a.Rounds); err != nil {
		return
	}
	if winners, err = json.Marshal(a.Winners); err != nil {
		return
	}
	extendedAt, err = json.Marshal(a.ExtendedAt)
	return
}

func (p *Postgres) CreateAuction(ctx context.Context, auction *models.Auction) error {
	rounds, winners, extendedAt, err := auctionJSON(auction)
	if err != nil {
		return fmt.Errorf("encode auction: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO auctions (`+auctionCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		auction.ID, auction.ItemID, auction.ItemName, auction.SellerID,
		auction.StartPrice, auction.CurrentPrice, auction.MinStep,
		auction.StartAt, auction.EndAt, auction.Status, auction.AntiSnipingSeconds, auction.HighestBidID,
		auction.RoundNumber, auction.WinnersPerRound, auction.TotalRounds,
		rounds, winners, extendedAt, auction.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create auction: %w", err)
	}
	return nil
}

func (p *Postgres) GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error) {
	return scanAuction(p.db.QueryRowContext(ctx,
		`SELECT `+auctionCols+` FROM auctions WHERE id = $1`, id))
}

func (p *Postgres) ListAuctions(ctx context.Context, statuses ...models.AuctionStatus) ([]*models.Auction, error) {
	args := make([]string, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+auctionCols+` FROM auctions
		 WHERE ($1::text[] IS NULL OR cardinality($1::text[]) = 0 OR status = ANY($1))
		 ORDER BY status ASC, end_at DESC`,
		pq.Array(args),
	)
	if err != nil {
		return nil, fmt.Errorf("query auctions: %w", err)
	}
	defer rows.Close()

	var out []*models.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const bidCols = "id, auction_id, user_id, amount, round_number, is_winning, created_at"

func scanBids(rows *sql.Rows) ([]*models.Bid, error) {
	var out []*models.Bid
	for rows.Next() {
		var b models.Bid
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.UserID, &b.Amount, &b.RoundNumber, &b.IsWinning, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (p *Postgres) AuctionBids(ctx context.Context, auctionID uuid.UUID, limit int) ([]*models.Bid, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+bidCols+` FROM bids WHERE auction_id = $1
		 ORDER BY amount DESC, created_at ASC LIMIT $2`,
		auctionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query bids: %w", err)
	}
	defer rows.Close()
	return scanBids(rows)
}

func (p *Postgres) UserAuctionBids(ctx context.Context, auctionID, userID uuid.UUID) ([]*models.Bid, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+bidCols+` FROM bids WHERE auction_id = $1 AND user_id = $2
		 ORDER BY created_at DESC`,
		auctionID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query user bids: %w", err)
	}
	defer rows.Close()
	return scanBids(rows)
}

func (p *Postgres) ActivateScheduled(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE auctions SET status = 'active' WHERE status = 'scheduled' AND start_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("activate scheduled auctions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) ExpiredActive(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id FROM auctions WHERE status = 'active' AND end_at <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("query expired auctions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan auction id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// pgTx implements Tx over a single *sql.Tx.
type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *pgTx) AuctionForUpdate(id uuid.UUID) (*models.Auction, error) {
	return scanAuction(t.tx.QueryRowContext(t.ctx,
		`SELECT `+auctionCols+` FROM auctions WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) SaveAuction(auction *models.Auction) error {
	rounds, winners, extendedAt, err := auctionJSON(auction)
	if err != nil {
		return fmt.Errorf("encode auction: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE auctions SET current_price = $2, end_at = $3, status = $4, highest_bid_id = $5,
		        round_number = $6, winners_per_round = $7, winners = $8, extended_at = $9
		 WHERE id = $1`,
		auction.ID, auction.CurrentPrice, auction.EndAt, auction.Status, auction.HighestBidID,
		auction.RoundNumber, auction.WinnersPerRound, winners, extendedAt,
	)
	if err != nil {
		return fmt.Errorf("save auction: %w", err)
	}
	_ = rounds // rounds config is immutable after creation
	return nil
}

func (t *pgTx) CreateBid(bid *models.Bid) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO bids (`+bidCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		bid.ID, bid.AuctionID, bid.UserID, bid.Amount, bid.RoundNumber, bid.IsWinning, bid.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create bid: %w", err)
	}
	return nil
}

func (t *pgTx) SaveBid(bid *models.Bid) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE bids SET is_winning = $2 WHERE id = $1`, bid.ID, bid.IsWinning)
	if err != nil {
		return fmt.Errorf("save bid: %w", err)
	}
	return nil
}

func (t *pgTx) GetBid(id uuid.UUID) (*models.Bid, error) {
	var b models.Bid
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT `+bidCols+` FROM bids WHERE id = $1`, id,
	).Scan(&b.ID, &b.AuctionID, &b.UserID, &b.Amount, &b.RoundNumber, &b.IsWinning, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan bid: %w", err)
	}
	return &b, nil
}

func (t *pgTx) CandidateBids(auctionID uuid.UUID, round int) ([]*models.Bid, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+bidCols+` FROM bids
		 WHERE auction_id = $1 AND round_number = $2 AND is_winning = FALSE
		 ORDER BY amount DESC, created_at ASC`,
		auctionID, round,
	)
	if err != nil {
		return nil, fmt.Errorf("query candidate bids: %w", err)
	}
	defer rows.Close()
	return scanBids(rows)
}

func (t *pgTx) OutstandingUserBid(auctionID, userID uuid.UUID, round int) (*models.Bid, error) {
	var b models.Bid
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT `+bidCols+` FROM bids
		 WHERE auction_id = $1 AND user_id = $2 AND round_number = $3 AND is_winning = FALSE
		 ORDER BY created_at DESC LIMIT 1`,
		auctionID, userID, round,
	).Scan(&b.ID, &b.AuctionID, &b.UserID, &b.Amount, &b.RoundNumber, &b.IsWinning, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan bid: %w", err)
	}
	return &b, nil
}

func (t *pgTx) NonWinningBids(auctionID uuid.UUID) ([]*models.Bid, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+bidCols+` FROM bids WHERE auction_id = $1 AND is_winning = FALSE
		 ORDER BY amount DESC, created_at ASC`,
		auctionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query non-winning bids: %w", err)
	}
	defer rows.Close()
	return scanBids(rows)
}

func (t *pgTx) AccountForUpdate(id uuid.UUID) (*models.Account, error) {
	return scanAccount(t.tx.QueryRowContext(t.ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) SaveAccount(account *models.Account) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE accounts SET available = $2, locked = $3 WHERE id = $1`,
		account.ID, account.Available, account.Locked,
	)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

func (t *pgTx) AppendTransaction(txn *models.Transaction) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO balance_transactions
		 (id, account_id, kind, amount, ref_id, description,
		  available_before, available_after, locked_before, locked_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		txn.ID, txn.AccountID, txn.Kind, txn.Amount, txn.RefID, txn.Description,
		txn.AvailableBefore, txn.AvailableAfter, txn.LockedBefore, txn.LockedAfter, txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

func (t *pgTx) HasTransaction(accountID, refID uuid.UUID, kinds ...models.TransactionKind) (bool, error) {
	args := make([]string, len(kinds))
	for i, k := range kinds {
		args[i] = string(k)
	}
	var exists bool
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM balance_transactions
		   WHERE account_id = $1 AND ref_id = $2 AND kind = ANY($3)
		 )`,
		accountID, refID, pq.Array(args),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check transaction: %w", err)
	}
	return exists, nil
}

func (t *pgTx) TerminalAuctionIDs() ([]uuid.UUID, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT id FROM auctions WHERE status IN ('finished', 'cancelled')`)
	if err != nil {
		return nil, fmt.Errorf("query terminal auctions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan auction id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *pgTx) UserNonWinningBids(auctionIDs []uuid.UUID, userID uuid.UUID) ([]*models.Bid, error) {
	ids := make([]string, len(auctionIDs))
	for i, id := range auctionIDs {
		ids[i] = id.String()
	}
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+bidCols+` FROM bids
		 WHERE auction_id = ANY($1::uuid[]) AND user_id = $2 AND is_winning = FALSE`,
		pq.Array(ids), userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query user bids: %w", err)
	}
	defer rows.Close()
	return scanBids(rows)
}
