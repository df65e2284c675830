// Package bidding implements the bid admission protocol: one cluster-wide
// lock per auction wrapping one atomic unit of work.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/terminal-bench/auctionhouse/internal/ledger"
	"github.com/terminal-bench/auctionhouse/internal/models"
	"github.com/terminal-bench/auctionhouse/internal/store"
	"github.com/terminal-bench/auctionhouse/pkg/locker"
	"github.com/terminal-bench/auctionhouse/pkg/messaging"
)

// DefaultLockTTL bounds how long a crashed bidder can hold an auction lock.
const DefaultLockTTL = 5 * time.Second

// Result is the outcome of a successful bid placement.
type Result struct {
	Auction  *models.Auction
	Bid      *models.Bid
	Extended bool // endAt was pushed out by anti-sniping
}

// Service validates and records bids.
type Service struct {
	store     store.Store
	locker    locker.Locker
	publisher messaging.Publisher
	ledger    *ledger.Ledger
	lockTTL   time.Duration

	// Now is swapped out in tests.
	Now func() time.Time
}

// NewService creates a bidding service. publisher may be nil to disable
// notifications.
func NewService(st store.Store, lk locker.Locker, publisher messaging.Publisher) *Service {
	return &Service{
		store:     st,
		locker:    lk,
		publisher: publisher,
		ledger:    &ledger.Ledger{Events: publisher},
		lockTTL:   DefaultLockTTL,
		Now:       time.Now,
	}
}

// PlaceBid runs the admission protocol for one bid. Typed domain errors are
// returned as-is; ErrContended signals the caller to retry.
func (s *Service) PlaceBid(ctx context.Context, auctionID, bidderID uuid.UUID, amount int64) (*Result, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTTL)
	defer cancel()
	lock, err := s.locker.Acquire(lockCtx, fmt.Sprintf("auction:%s:bid", auctionID), s.lockTTL)
	if err != nil {
		if errors.Is(err, locker.ErrNotAcquired) {
			log.WithFields(log.Fields{"auction_id": auctionID, "user_id": bidderID}).
				Warn("bid lock contended")
			return nil, ErrContended
		}
		return nil, fmt.Errorf("acquire auction lock: %w", err)
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			log.WithField("auction_id", auctionID).WithError(err).Error("release auction lock")
		}
	}()

	var result *Result
	err = s.store.Atomically(ctx, func(tx store.Tx) error {
		result, err = s.placeBid(tx, auctionID, bidderID, amount)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"auction_id": auctionID,
		"user_id":    bidderID,
		"amount":     amount,
		"extended":   result.Extended,
	}).Info("bid placed")

	s.publish(ctx, messaging.EventTypeBidAccepted, messaging.BidAcceptedEvent{
		AuctionID:    auctionID,
		BidID:        result.Bid.ID,
		UserID:       bidderID,
		Amount:       amount,
		CurrentPrice: result.Auction.CurrentPrice,
		RoundNumber:  result.Bid.RoundNumber,
		Extended:     result.Extended,
		EndAt:        result.Auction.EndAt,
	})
	return result, nil
}

func (s *Service) placeBid(tx store.Tx, auctionID, bidderID uuid.UUID, amount int64) (*Result, error) {
	now := s.Now().UTC()

	auction, err := tx.AuctionForUpdate(auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAuctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load auction: %w", err)
	}
	if auction.Status != models.StatusActive {
		return nil, ErrAuctionNotActive
	}
	if auction.EndAt.Before(now) {
		return nil, ErrAuctionEnded
	}

	// Prior-round winners are excluded from further bidding.
	if auction.HasWon(bidderID) {
		return nil, ErrAlreadyWon
	}

	minRequired := auction.CurrentPrice + auction.MinStep
	if amount < minRequired {
		return nil, fmt.Errorf("%w: minimum required %d, got %d", ErrBidTooLow, minRequired, amount)
	}

	// Snapshot the current leader before it is replaced; needed for the
	// single-winner release below.
	var currentHighest *models.Bid
	if auction.HighestBidID != nil {
		currentHighest, err = tx.GetBid(*auction.HighestBidID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load highest bid: %w", err)
		}
	}

	// Anti-sniping: a bid inside the window pushes endAt out to a full
	// window from now.
	extended := false
	window := time.Duration(auction.AntiSnipingSeconds) * time.Second
	if auction.EndAt.Sub(now) <= window {
		auction.EndAt = now.Add(window)
		auction.ExtendedAt = append(auction.ExtendedAt, now)
		extended = true
		log.WithFields(log.Fields{
			"auction_id": auctionID,
			"new_end_at": auction.EndAt,
		}).Info("auction extended by anti-sniping")
	}

	// The balance check must count funds already escrowed by this user's
	// outstanding bid in this round: raising a bid only needs the
	// difference on hand. Scoping to the current round matters, a
	// prior-round bid may already have been released at settlement.
	previous, err := tx.OutstandingUserBid(auctionID, bidderID, auction.RoundNumber)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load previous bid: %w", err)
	}
	previousEscrowed := false
	if previous != nil {
		previousEscrowed, err = ledger.BidEscrowed(tx, bidderID, previous.ID)
		if err != nil {
			return nil, err
		}
	}

	account, err := tx.AccountForUpdate(bidderID)
	if err != nil {
		return nil, fmt.Errorf("load bidder account: %w", err)
	}
	availableForThisBid := account.Available
	if previousEscrowed {
		availableForThisBid += previous.Amount
	}
	if amount > availableForThisBid {
		return nil, ErrInsufficientBalance
	}

	// Release the superseded bid first so only the difference needs to be
	// on the available balance.
	if previousEscrowed {
		err = s.ledger.Unlock(tx, bidderID, previous.Amount, previous.ID,
			fmt.Sprintf("Previous bid replaced on auction %s", auctionID))
		if errors.Is(err, ledger.ErrInsufficientLocked) {
			// A legitimate concurrent action already released this escrow.
			log.WithFields(log.Fields{"bid_id": previous.ID, "auction_id": auctionID, "user_id": bidderID}).
				Warn("skipping unlock for replaced bid, escrow already released")
		} else if err != nil {
			return nil, err
		}
	}

	bid := &models.Bid{
		ID:          uuid.New(),
		AuctionID:   auctionID,
		UserID:      bidderID,
		Amount:      amount,
		RoundNumber: auction.RoundNumber,
		CreatedAt:   now,
	}
	if err := tx.CreateBid(bid); err != nil {
		return nil, fmt.Errorf("create bid: %w", err)
	}
	if err := s.ledger.Lock(tx, bidderID, amount, bid.ID, fmt.Sprintf("Bid on auction %s", auctionID)); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return nil, ErrInsufficientBalance
		}
		return nil, err
	}

	// Single-winner rounds release the outbid leader immediately.
	// Multi-winner rounds never auto-release here: an outbid bid may still
	// land in the top N at settlement.
	if auction.WinnersPerRound == 1 && currentHighest != nil && currentHighest.UserID != bidderID {
		if err := s.releaseOutbid(tx, auctionID, currentHighest); err != nil {
			return nil, err
		}
	}

	auction.CurrentPrice = amount
	auction.HighestBidID = &bid.ID
	if err := tx.SaveAuction(auction); err != nil {
		return nil, fmt.Errorf("save auction: %w", err)
	}

	return &Result{Auction: auction, Bid: bid, Extended: extended}, nil
}

func (s *Service) releaseOutbid(tx store.Tx, auctionID uuid.UUID, outbid *models.Bid) error {
	stillEscrowed, err := ledger.BidEscrowed(tx, outbid.UserID, outbid.ID)
	if err != nil {
		return err
	}
	if !stillEscrowed {
		log.WithFields(log.Fields{"bid_id": outbid.ID, "auction_id": auctionID, "user_id": outbid.UserID}).
			Warn("skipping unlock for outbid leader, escrow already released")
		return nil
	}
	err = s.ledger.Unlock(tx, outbid.UserID, outbid.Amount, outbid.ID,
		fmt.Sprintf("Bid outbid on auction %s", auctionID))
	if errors.Is(err, ledger.ErrInsufficientLocked) {
		log.WithFields(log.Fields{"bid_id": outbid.ID, "auction_id": auctionID, "user_id": outbid.UserID}).
			Warn("skipping unlock for outbid leader, insufficient locked balance")
		return nil
	}
	return err
}

// RefundFinishedAuctionBids releases the user's still-escrowed bids in
// finished and cancelled auctions. Safe to call while other auctions are
// active: only terminal auctions are touched.
func (s *Service) RefundFinishedAuctionBids(ctx context.Context, userID uuid.UUID) (int, error) {
	refunded := 0
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		auctionIDs, err := tx.TerminalAuctionIDs()
		if err != nil {
			return fmt.Errorf("list terminal auctions: %w", err)
		}
		if len(auctionIDs) == 0 {
			return nil
		}
		bids, err := tx.UserNonWinningBids(auctionIDs, userID)
		if err != nil {
			return fmt.Errorf("list user bids: %w", err)
		}
		for _, bid := range bids {
			stillEscrowed, err := ledger.BidEscrowed(tx, userID, bid.ID)
			if err != nil {
				return err
			}
			if !stillEscrowed {
				continue
			}
			err = s.ledger.Unlock(tx, userID, bid.Amount, bid.ID,
				fmt.Sprintf("Auction %s finished - refund", bid.AuctionID))
			if errors.Is(err, ledger.ErrInsufficientLocked) {
				log.WithFields(log.Fields{"bid_id": bid.ID, "user_id": userID}).
					Warn("skipping refund, insufficient locked balance")
				continue
			}
			if err != nil {
				return err
			}
			refunded++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return refunded, nil
}

func (s *Service) publish(ctx context.Context, subject string, event interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, subject, event); err != nil {
		log.WithError(err).WithField("subject", subject).Error("publish event")
	}
}
