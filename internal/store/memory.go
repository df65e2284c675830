package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/auctionhouse/internal/models"
)

// Memory is a concurrency-safe in-memory Store. Atomically holds the store
// mutex for the whole unit of work and restores a snapshot on error, so
// transactions are serializable and all-or-nothing. Used by tests and the
// dev-mode store.
type Memory struct {
	mu        sync.Mutex
	accounts  map[uuid.UUID]*models.Account
	usernames map[string]uuid.UUID
	auctions  map[uuid.UUID]*models.Auction
	bids      map[uuid.UUID]*models.Bid
	txns      []*models.Transaction
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts:  make(map[uuid.UUID]*models.Account),
		usernames: make(map[string]uuid.UUID),
		auctions:  make(map[uuid.UUID]*models.Auction),
		bids:      make(map[uuid.UUID]*models.Bid),
	}
}

type memSnapshot struct {
	accounts  map[uuid.UUID]*models.Account
	usernames map[string]uuid.UUID
	auctions  map[uuid.UUID]*models.Auction
	bids      map[uuid.UUID]*models.Bid
	txns      []*models.Transaction
}

func (m *Memory) snapshot() memSnapshot {
	s := memSnapshot{
		accounts:  make(map[uuid.UUID]*models.Account, len(m.accounts)),
		usernames: make(map[string]uuid.UUID, len(m.usernames)),
		auctions:  make(map[uuid.UUID]*models.Auction, len(m.auctions)),
		bids:      make(map[uuid.UUID]*models.Bid, len(m.bids)),
		txns:      append([]*models.Transaction(nil), m.txns...),
	}
	for id, a := range m.accounts {
		s.accounts[id] = cloneAccount(a)
	}
	for name, id := range m.usernames {
		s.usernames[name] = id
	}
	for id, a := range m.auctions {
		s.auctions[id] = cloneAuction(a)
	}
	for id, b := range m.bids {
		s.bids[id] = cloneBid(b)
	}
	return s
}

func (m *Memory) restore(s memSnapshot) {
	m.accounts = s.accounts
	m.usernames = s.usernames
	m.auctions = s.auctions
	m.bids = s.bids
	m.txns = s.txns
}

// Atomically runs fn holding the store mutex; on error every mutation made
// through the Tx is rolled back.
func (m *Memory) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *Memory) CreateAccount(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.usernames[account.Username]; taken {
		return ErrDuplicateUsername
	}
	m.accounts[account.ID] = cloneAccount(account)
	m.usernames[account.Username] = account.ID
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAccount(a), nil
}

func (m *Memory) AccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.usernames[username]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAccount(m.accounts[id]), nil
}

func (m *Memory) Transactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Transaction
	for i := len(m.txns) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.txns[i].AccountID == accountID {
			t := *m.txns[i]
			out = append(out, &t)
		}
	}
	return out, nil
}

func (m *Memory) CreateAuction(ctx context.Context, auction *models.Auction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.auctions[auction.ID] = cloneAuction(auction)
	return nil
}

func (m *Memory) GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.auctions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAuction(a), nil
}

func (m *Memory) ListAuctions(ctx context.Context, statuses ...models.AuctionStatus) ([]*models.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Auction
	for _, a := range m.auctions {
		if len(statuses) == 0 || containsStatus(statuses, a.Status) {
			out = append(out, cloneAuction(a))
		}
	}
	// Active first, then most recently ended.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return strings.Compare(string(out[i].Status), string(out[j].Status)) < 0
		}
		return out[i].EndAt.After(out[j].EndAt)
	})
	return out, nil
}

func (m *Memory) AuctionBids(ctx context.Context, auctionID uuid.UUID, limit int) ([]*models.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Bid
	for _, b := range m.bids {
		if b.AuctionID == auctionID {
			out = append(out, cloneBid(b))
		}
	}
	sortByAmountDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UserAuctionBids(ctx context.Context, auctionID, userID uuid.UUID) ([]*models.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Bid
	for _, b := range m.bids {
		if b.AuctionID == auctionID && b.UserID == userID {
			out = append(out, cloneBid(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ActivateScheduled(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, a := range m.auctions {
		if a.Status == models.StatusScheduled && !a.StartAt.After(now) {
			a.Status = models.StatusActive
			n++
		}
	}
	return n, nil
}

func (m *Memory) ExpiredActive(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []uuid.UUID
	for _, a := range m.auctions {
		if a.Status == models.StatusActive && !a.EndAt.After(now) {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

// memTx operates directly on the store maps; Atomically already holds the
// mutex and handles rollback.
type memTx struct {
	m *Memory
}

func (t *memTx) AuctionForUpdate(id uuid.UUID) (*models.Auction, error) {
	a, ok := t.m.auctions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAuction(a), nil
}

func (t *memTx) SaveAuction(auction *models.Auction) error {
	t.m.auctions[auction.ID] = cloneAuction(auction)
	return nil
}

func (t *memTx) CreateBid(bid *models.Bid) error {
	t.m.bids[bid.ID] = cloneBid(bid)
	return nil
}

func (t *memTx) SaveBid(bid *models.Bid) error {
	if _, ok := t.m.bids[bid.ID]; !ok {
		return ErrNotFound
	}
	t.m.bids[bid.ID] = cloneBid(bid)
	return nil
}

func (t *memTx) GetBid(id uuid.UUID) (*models.Bid, error) {
	b, ok := t.m.bids[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBid(b), nil
}

func (t *memTx) CandidateBids(auctionID uuid.UUID, round int) ([]*models.Bid, error) {
	var out []*models.Bid
	for _, b := range t.m.bids {
		if b.AuctionID == auctionID && b.RoundNumber == round && !b.IsWinning {
			out = append(out, cloneBid(b))
		}
	}
	sortByAmountDesc(out)
	return out, nil
}

func (t *memTx) OutstandingUserBid(auctionID, userID uuid.UUID, round int) (*models.Bid, error) {
	var latest *models.Bid
	for _, b := range t.m.bids {
		if b.AuctionID != auctionID || b.UserID != userID || b.RoundNumber != round || b.IsWinning {
			continue
		}
		if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
			latest = b
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneBid(latest), nil
}

func (t *memTx) NonWinningBids(auctionID uuid.UUID) ([]*models.Bid, error) {
	var out []*models.Bid
	for _, b := range t.m.bids {
		if b.AuctionID == auctionID && !b.IsWinning {
			out = append(out, cloneBid(b))
		}
	}
	sortByAmountDesc(out)
	return out, nil
}

func (t *memTx) AccountForUpdate(id uuid.UUID) (*models.Account, error) {
	a, ok := t.m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAccount(a), nil
}

func (t *memTx) SaveAccount(account *models.Account) error {
	if _, ok := t.m.accounts[account.ID]; !ok {
		return ErrNotFound
	}
	t.m.accounts[account.ID] = cloneAccount(account)
	return nil
}

func (t *memTx) AppendTransaction(txn *models.Transaction) error {
	c := *txn
	t.m.txns = append(t.m.txns, &c)
	return nil
}

func (t *memTx) HasTransaction(accountID, refID uuid.UUID, kinds ...models.TransactionKind) (bool, error) {
	for _, txn := range t.m.txns {
		if txn.AccountID != accountID || txn.RefID == nil || *txn.RefID != refID {
			continue
		}
		for _, k := range kinds {
			if txn.Kind == k {
				return true, nil
			}
		}
	}
	return false, nil
}

func (t *memTx) TerminalAuctionIDs() ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, a := range t.m.auctions {
		if a.Status == models.StatusFinished || a.Status == models.StatusCancelled {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

func (t *memTx) UserNonWinningBids(auctionIDs []uuid.UUID, userID uuid.UUID) ([]*models.Bid, error) {
	wanted := make(map[uuid.UUID]bool, len(auctionIDs))
	for _, id := range auctionIDs {
		wanted[id] = true
	}
	var out []*models.Bid
	for _, b := range t.m.bids {
		if wanted[b.AuctionID] && b.UserID == userID && !b.IsWinning {
			out = append(out, cloneBid(b))
		}
	}
	return out, nil
}

func sortByAmountDesc(bids []*models.Bid) {
	sort.Slice(bids, func(i, j int) bool {
		if bids[i].Amount != bids[j].Amount {
			return bids[i].Amount > bids[j].Amount
		}
		return bids[i].CreatedAt.Before(bids[j].CreatedAt)
	})
}

func containsStatus(statuses []models.AuctionStatus, s models.AuctionStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func cloneAccount(a *models.Account) *models.Account {
	c := *a
	return &c
}

func cloneBid(b *models.Bid) *models.Bid {
	c := *b
	return &c
}

func cloneAuction(a *models.Auction) *models.Auction {
	c := *a
	c.Rounds = append([]models.RoundSpec(nil), a.Rounds...)
	c.Winners = append([]models.Winner(nil), a.Winners...)
	c.ExtendedAt = append([]time.Time(nil), a.ExtendedAt...)
	if a.HighestBidID != nil {
		id := *a.HighestBidID
		c.HighestBidID = &id
	}
	return &c
}
