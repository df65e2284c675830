package models

import (
	"time"

	"github.com/google/uuid"
)

// AuctionStatus is the lifecycle state of an auction.
type AuctionStatus string

const (
	StatusScheduled AuctionStatus = "scheduled"
	StatusActive    AuctionStatus = "active"
	StatusFinished  AuctionStatus = "finished"
	StatusCancelled AuctionStatus = "cancelled"
)

// TransactionKind is the type of a balance transaction.
type TransactionKind string

const (
	TxLock     TransactionKind = "lock"
	TxUnlock   TransactionKind = "unlock"
	TxWithdraw TransactionKind = "withdraw"
	TxDeposit  TransactionKind = "deposit"
)

// Account holds a user's funds in minor currency units.
// Available and Locked are never negative; lock/unlock move value between
// the two fields without changing the sum.
type Account struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"` // bcrypt hash
	Available int64     `json:"available"`
	Locked    int64     `json:"locked"`
	CreatedAt time.Time `json:"created_at"`
}

// Transaction is an immutable, append-only balance movement record.
// The before/after snapshots make the log auditable, and the (RefID, Kind)
// pairs are the source of truth for whether a specific bid's escrow is
// still outstanding.
type Transaction struct {
	ID              uuid.UUID       `json:"id"`
	AccountID       uuid.UUID       `json:"account_id"`
	Kind            TransactionKind `json:"kind"`
	Amount          int64           `json:"amount"`
	RefID           *uuid.UUID      `json:"ref_id,omitempty"` // bid reference
	Description     string          `json:"description"`
	AvailableBefore int64           `json:"available_before"`
	AvailableAfter  int64           `json:"available_after"`
	LockedBefore    int64           `json:"locked_before"`
	LockedAfter     int64           `json:"locked_after"`
	CreatedAt       time.Time       `json:"created_at"`
}

// RoundSpec configures a single round: how many winners it pays out and how
// long it runs. Rounds[0] is round 1.
type RoundSpec struct {
	Winners  int `json:"winners"`
	Duration int `json:"duration"` // seconds
}

// Winner records one settled win. A user appears at most once across all
// rounds of an auction.
type Winner struct {
	UserID      uuid.UUID `json:"user_id"`
	BidID       uuid.UUID `json:"bid_id"`
	Amount      int64     `json:"amount"`
	RoundNumber int       `json:"round_number"`
}

// Auction is the aggregate mutated by bid admission and round settlement.
// It is never deleted; it only transitions to a terminal status.
type Auction struct {
	ID                 uuid.UUID     `json:"id"`
	ItemID             string        `json:"item_id"`
	ItemName           string        `json:"item_name"`
	SellerID           uuid.UUID     `json:"seller_id"`
	StartPrice         int64         `json:"start_price"`
	CurrentPrice       int64         `json:"current_price"`
	MinStep            int64         `json:"min_step"`
	StartAt            time.Time     `json:"start_at"`
	EndAt              time.Time     `json:"end_at"` // round-relative, mutable
	Status             AuctionStatus `json:"status"`
	AntiSnipingSeconds int           `json:"anti_sniping_seconds"`
	HighestBidID       *uuid.UUID    `json:"highest_bid_id,omitempty"` // meaningful only when WinnersPerRound == 1
	RoundNumber        int           `json:"round_number"` // 1-based
	WinnersPerRound    int           `json:"winners_per_round"`
	TotalRounds        int           `json:"total_rounds"`
	Rounds             []RoundSpec   `json:"rounds,omitempty"`
	Winners            []Winner      `json:"winners"`
	ExtendedAt         []time.Time   `json:"extended_at,omitempty"` // anti-sniping extension log
	CreatedAt          time.Time     `json:"created_at"`
}

// HasWon reports whether the user already appears in the auction's
// cumulative winners list.
func (a *Auction) HasWon(userID uuid.UUID) bool {
	for _, w := range a.Winners {
		if w.UserID == userID {
			return true
		}
	}
	return false
}

// NextRoundSpec returns the configured spec for the given 1-based round, or
// false when the round is unconfigured and defaults apply.
func (a *Auction) NextRoundSpec(round int) (RoundSpec, bool) {
	idx := round - 1
	if idx < 0 || idx >= len(a.Rounds) {
		return RoundSpec{}, false
	}
	return a.Rounds[idx], true
}

// Bid is immutable except for the IsWinning flag, which is set only at
// settlement.
type Bid struct {
	ID          uuid.UUID `json:"id"`
	AuctionID   uuid.UUID `json:"auction_id"`
	UserID      uuid.UUID `json:"user_id"`
	Amount      int64     `json:"amount"`
	RoundNumber int       `json:"round_number"`
	IsWinning   bool      `json:"is_winning"`
	CreatedAt   time.Time `json:"created_at"`
}
