package messaging

import (
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/auctionhouse/internal/models"
)

// Event subjects
const (
	EventTypeBidAccepted      = "auction.bid.accepted"
	EventTypeRoundFinished    = "auction.round.finished"
	EventTypeAuctionActivated = "auction.activated"
	EventTypeLedgerEntry      = "ledger.entry"
)

// BidAcceptedEvent is published after a bid commits.
type BidAcceptedEvent struct {
	AuctionID    uuid.UUID `json:"auction_id"`
	BidID        uuid.UUID `json:"bid_id"`
	UserID       uuid.UUID `json:"user_id"`
	Amount       int64     `json:"amount"`
	CurrentPrice int64     `json:"current_price"`
	RoundNumber  int       `json:"round_number"`
	Extended     bool      `json:"extended"`
	EndAt        time.Time `json:"end_at"`
}

// RoundFinishedEvent is published after a round settles, carrying the
// updated auction snapshot.
type RoundFinishedEvent struct {
	Auction     *models.Auction `json:"auction"`
	RoundNumber int             `json:"round_number"` // the round that just finished
	Winners     int             `json:"winners"`
}

// AuctionActivatedEvent is published when scheduled auctions flip active.
type AuctionActivatedEvent struct {
	Activated int       `json:"activated"`
	At        time.Time `json:"at"`
}

// LedgerEntryEvent mirrors one balance transaction for downstream audit
// consumers.
type LedgerEntryEvent struct {
	TransactionID  uuid.UUID `json:"transaction_id"`
	AccountID      uuid.UUID `json:"account_id"`
	Kind           string    `json:"kind"`
	Amount         int64     `json:"amount"`
	RefID          string    `json:"ref_id,omitempty"`
	Description    string    `json:"description"`
	AvailableAfter int64     `json:"available_after"`
	LockedAfter    int64     `json:"locked_after"`
}
