// Package store abstracts persistence behind atomic units of work so the
// bidding and settlement engines can run against Postgres in production and
// an in-memory store in tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/auctionhouse/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateUsername = errors.New("username already taken")
)

// Store is the persistence contract for the auction system. Multi-row
// mutations go through Atomically; everything else is a plain read or a
// single-statement write.
type Store interface {
	// Atomically runs fn inside one all-or-nothing unit of work. Any error
	// returned by fn rolls back every mutation made through the Tx.
	Atomically(ctx context.Context, fn func(tx Tx) error) error

	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	AccountByUsername(ctx context.Context, username string) (*models.Account, error)
	Transactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error)

	CreateAuction(ctx context.Context, auction *models.Auction) error
	GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error)
	ListAuctions(ctx context.Context, statuses ...models.AuctionStatus) ([]*models.Auction, error)
	AuctionBids(ctx context.Context, auctionID uuid.UUID, limit int) ([]*models.Bid, error)
	UserAuctionBids(ctx context.Context, auctionID, userID uuid.UUID) ([]*models.Bid, error)

	// ActivateScheduled flips every scheduled auction whose start time has
	// arrived to active and returns how many were flipped.
	ActivateScheduled(ctx context.Context, now time.Time) (int, error)
	// ExpiredActive returns the ids of active auctions whose round has ended.
	ExpiredActive(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// Tx is the set of operations available inside an atomic unit of work.
// ForUpdate reads take a row lock for the duration of the transaction.
type Tx interface {
	AuctionForUpdate(id uuid.UUID) (*models.Auction, error)
	SaveAuction(auction *models.Auction) error

	CreateBid(bid *models.Bid) error
	SaveBid(bid *models.Bid) error
	GetBid(id uuid.UUID) (*models.Bid, error)
	// CandidateBids returns the non-winning bids of one round ranked by
	// amount descending, creation time ascending (first-come wins ties).
	CandidateBids(auctionID uuid.UUID, round int) ([]*models.Bid, error)
	// OutstandingUserBid returns the user's most recent non-winning bid in
	// the given round, or ErrNotFound.
	OutstandingUserBid(auctionID, userID uuid.UUID, round int) (*models.Bid, error)
	// NonWinningBids returns every non-winning bid of the auction across all
	// rounds (used by the finish-time sweep refund).
	NonWinningBids(auctionID uuid.UUID) ([]*models.Bid, error)

	AccountForUpdate(id uuid.UUID) (*models.Account, error)
	SaveAccount(account *models.Account) error
	AppendTransaction(txn *models.Transaction) error
	// HasTransaction reports whether any transaction of one of the given
	// kinds references refID for the account.
	HasTransaction(accountID, refID uuid.UUID, kinds ...models.TransactionKind) (bool, error)

	// TerminalAuctionIDs returns ids of finished and cancelled auctions.
	TerminalAuctionIDs() ([]uuid.UUID, error)
	// UserNonWinningBids returns the user's non-winning bids within the
	// given auctions.
	UserNonWinningBids(auctionIDs []uuid.UUID, userID uuid.UUID) ([]*models.Bid, error)
}
