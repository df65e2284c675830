// Package settlement closes out expired auction rounds: it selects
// winners, moves escrowed funds, refunds losers and advances or finishes
// the auction. The whole procedure is idempotent and re-entrant, so the
// dispatcher may deliver the same auction more than once.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/terminal-bench/auctionhouse/internal/ledger"
	"github.com/terminal-bench/auctionhouse/internal/metrics"
	"github.com/terminal-bench/auctionhouse/internal/models"
	"github.com/terminal-bench/auctionhouse/internal/store"
	"github.com/terminal-bench/auctionhouse/pkg/messaging"
)

// DefaultRoundDuration applies to rounds with no configured duration.
const DefaultRoundDuration = 300 * time.Second

// sellerShareNumerator/Denominator: the seller receives 9/10 of each
// winning bid; the remainder is the platform fee.
const (
	sellerShareNumerator   = 9
	sellerShareDenominator = 10
)

// Engine settles expired rounds.
type Engine struct {
	store     store.Store
	publisher messaging.Publisher
	recorder  *metrics.Recorder
	ledger    *ledger.Ledger

	// PlatformAccount receives the 10% fee on every winning bid. When nil
	// the fee is not credited anywhere and a warning is logged.
	PlatformAccount *uuid.UUID

	// Now is swapped out in tests.
	Now func() time.Time
}

// NewEngine creates a settlement engine. publisher and recorder may be nil.
func NewEngine(st store.Store, publisher messaging.Publisher, recorder *metrics.Recorder) *Engine {
	return &Engine{
		store:     st,
		publisher: publisher,
		recorder:  recorder,
		ledger:    &ledger.Ledger{Events: publisher},
		Now:       time.Now,
	}
}

// SettleExpiredRound settles the current round of the auction if it has
// expired. Invoking it on an auction that is not active or not yet expired
// is a no-op, which makes redundant or retried dispatches safe.
func (e *Engine) SettleExpiredRound(ctx context.Context, auctionID uuid.UUID) error {
	started := e.Now()
	var (
		settled       bool
		finishedRound int
		winnerCount   int
		snapshot      *models.Auction
	)

	err := e.store.Atomically(ctx, func(tx store.Tx) error {
		auction, err := tx.AuctionForUpdate(auctionID)
		if errors.Is(err, store.ErrNotFound) {
			log.WithField("auction_id", auctionID).Warn("settlement requested for unknown auction")
			return nil
		}
		if err != nil {
			return fmt.Errorf("load auction: %w", err)
		}

		now := e.Now().UTC()
		// Re-check under the transaction: a concurrent settlement may have
		// already advanced the round, or the round may have been extended.
		if auction.Status != models.StatusActive || auction.EndAt.After(now) {
			return nil
		}

		winners, err := e.selectWinners(tx, auction)
		if err != nil {
			return err
		}
		if err := e.refundLosers(tx, auction, winners); err != nil {
			return err
		}
		if err := e.advance(tx, auction, now); err != nil {
			return err
		}
		if err := tx.SaveAuction(auction); err != nil {
			return fmt.Errorf("save auction: %w", err)
		}

		settled = true
		finishedRound = auction.RoundNumber
		if auction.Status == models.StatusActive {
			finishedRound = auction.RoundNumber - 1
		}
		winnerCount = len(winners)
		snapshot = auction
		return nil
	})
	if err != nil {
		return err
	}
	if !settled {
		return nil
	}

	log.WithFields(log.Fields{
		"auction_id": auctionID,
		"round":      finishedRound,
		"winners":    winnerCount,
		"status":     snapshot.Status,
	}).Info("round settled")

	e.recorder.RoundSettled(auctionID.String(), finishedRound, winnerCount, e.Now().Sub(started))
	e.publish(ctx, messaging.EventTypeRoundFinished, messaging.RoundFinishedEvent{
		Auction:     snapshot,
		RoundNumber: finishedRound,
		Winners:     winnerCount,
	})
	return nil
}

// selectWinners walks the ranked candidate pool, verifies each bid's escrow
// is still outstanding, and settles up to WinnersPerRound distinct bidders.
func (e *Engine) selectWinners(tx store.Tx, auction *models.Auction) (map[uuid.UUID]bool, error) {
	candidates, err := tx.CandidateBids(auction.ID, auction.RoundNumber)
	if err != nil {
		return nil, fmt.Errorf("load candidate bids: %w", err)
	}

	priorWinners := make(map[uuid.UUID]bool, len(auction.Winners))
	for _, w := range auction.Winners {
		priorWinners[w.UserID] = true
	}

	selected := make(map[uuid.UUID]bool) // bid ids settled as winners
	roundWinners := make(map[uuid.UUID]bool)

	for _, bid := range candidates {
		if len(roundWinners) >= auction.WinnersPerRound {
			break
		}
		// A bidder never compounds wins: not across rounds, not within one.
		if priorWinners[bid.UserID] || roundWinners[bid.UserID] {
			continue
		}

		stillEscrowed, err := ledger.BidEscrowed(tx, bid.UserID, bid.ID)
		if err != nil {
			return nil, err
		}
		if !stillEscrowed {
			log.WithFields(log.Fields{"bid_id": bid.ID, "user_id": bid.UserID}).
				Warn("skipping candidate, escrow already released")
			continue
		}

		bid.IsWinning = true
		if err := tx.SaveBid(bid); err != nil {
			return nil, fmt.Errorf("mark bid winning: %w", err)
		}

		err = e.ledger.Withdraw(tx, bid.UserID, bid.Amount, bid.ID,
			fmt.Sprintf("Won auction %s, round %d", auction.ID, auction.RoundNumber))
		if errors.Is(err, ledger.ErrInsufficientLocked) {
			// Escrow changed between selection and withdrawal; demote this
			// bid instead of aborting the round.
			log.WithFields(log.Fields{"bid_id": bid.ID, "user_id": bid.UserID}).
				Error("withdraw failed, locked balance changed; demoting winner")
			bid.IsWinning = false
			if err := tx.SaveBid(bid); err != nil {
				return nil, fmt.Errorf("demote bid: %w", err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		if err := e.creditSale(tx, auction, bid); err != nil {
			return nil, err
		}

		auction.Winners = append(auction.Winners, models.Winner{
			UserID:      bid.UserID,
			BidID:       bid.ID,
			Amount:      bid.Amount,
			RoundNumber: auction.RoundNumber,
		})
		selected[bid.ID] = true
		roundWinners[bid.UserID] = true
	}
	return selected, nil
}

// creditSale pays the seller their 90% share and routes the 10% fee to the
// platform account when one is configured.
func (e *Engine) creditSale(tx store.Tx, auction *models.Auction, bid *models.Bid) error {
	sellerAmount := bid.Amount * sellerShareNumerator / sellerShareDenominator
	fee := bid.Amount - sellerAmount

	if err := e.ledger.Deposit(tx, auction.SellerID, sellerAmount,
		fmt.Sprintf("Revenue from auction %s, round %d (90%% of %d)", auction.ID, auction.RoundNumber, bid.Amount)); err != nil {
		return fmt.Errorf("credit seller: %w", err)
	}

	if fee == 0 {
		return nil
	}
	if e.PlatformAccount == nil {
		log.WithFields(log.Fields{"auction_id": auction.ID, "fee": fee}).
			Warn("no platform account configured, fee not credited")
		return nil
	}
	if err := e.ledger.Deposit(tx, *e.PlatformAccount, fee,
		fmt.Sprintf("Platform fee from auction %s, round %d", auction.ID, auction.RoundNumber)); err != nil {
		return fmt.Errorf("credit platform fee: %w", err)
	}
	return nil
}

// refundLosers unlocks every non-winning bid of the round that still has
// outstanding escrow. Already-released escrow is skipped, never fatal.
func (e *Engine) refundLosers(tx store.Tx, auction *models.Auction, selected map[uuid.UUID]bool) error {
	bids, err := tx.CandidateBids(auction.ID, auction.RoundNumber)
	if err != nil {
		return fmt.Errorf("load losing bids: %w", err)
	}
	for _, bid := range bids {
		if selected[bid.ID] {
			continue
		}
		if err := e.refundBid(tx, bid, fmt.Sprintf("Lost auction %s, round %d", auction.ID, auction.RoundNumber)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) refundBid(tx store.Tx, bid *models.Bid, note string) error {
	stillEscrowed, err := ledger.BidEscrowed(tx, bid.UserID, bid.ID)
	if err != nil {
		return err
	}
	if !stillEscrowed {
		log.WithFields(log.Fields{"bid_id": bid.ID, "user_id": bid.UserID}).
			Info("skipping refund, escrow already released")
		return nil
	}
	err = e.ledger.Unlock(tx, bid.UserID, bid.Amount, bid.ID, note)
	if errors.Is(err, ledger.ErrInsufficientLocked) {
		log.WithFields(log.Fields{"bid_id": bid.ID, "user_id": bid.UserID}).
			Warn("skipping refund, insufficient locked balance")
		return nil
	}
	return err
}

// advance moves the auction to the next round or finishes it.
func (e *Engine) advance(tx store.Tx, auction *models.Auction, now time.Time) error {
	if auction.RoundNumber < auction.TotalRounds {
		auction.RoundNumber++

		duration := DefaultRoundDuration
		winnersPerRound := auction.WinnersPerRound
		if spec, ok := auction.NextRoundSpec(auction.RoundNumber); ok {
			winnersPerRound = spec.Winners
			duration = time.Duration(spec.Duration) * time.Second
		}

		auction.WinnersPerRound = winnersPerRound
		auction.EndAt = now.Add(duration)
		auction.CurrentPrice = auction.StartPrice
		auction.HighestBidID = nil
		auction.ExtendedAt = nil
		auction.Status = models.StatusActive

		log.WithFields(log.Fields{
			"auction_id":        auction.ID,
			"round":             auction.RoundNumber,
			"winners_per_round": winnersPerRound,
			"end_at":            auction.EndAt,
		}).Info("starting next round")
		return nil
	}

	auction.Status = models.StatusFinished

	// Defensive sweep: release anything still escrowed against this
	// auction across all rounds. Races between bidding and settlement can
	// leave stragglers behind.
	bids, err := tx.NonWinningBids(auction.ID)
	if err != nil {
		return fmt.Errorf("load remaining bids: %w", err)
	}
	for _, bid := range bids {
		if err := e.refundBid(tx, bid, fmt.Sprintf("Auction %s finished - refund", auction.ID)); err != nil {
			return err
		}
	}

	log.WithFields(log.Fields{
		"auction_id":    auction.ID,
		"total_rounds":  auction.TotalRounds,
		"total_winners": len(auction.Winners),
	}).Info("auction finished all rounds")
	return nil
}

func (e *Engine) publish(ctx context.Context, subject string, event interface{}) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, subject, event); err != nil {
		log.WithError(err).WithField("subject", subject).Error("publish event")
	}
}
