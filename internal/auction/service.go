// Package auction manages auction lifecycle outside the bidding hot path:
// creation, listing, cancellation.
package auction

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
)

var (
	ErrInvalidAuction = errors.New("invalid auction")
	ErrNotFound       = errors.New("auction not found")
	ErrNotCancellable = errors.New("auction cannot be cancelled")
)

// DefaultAntiSnipingSeconds applies when creation does not specify a window.
const DefaultAntiSnipingSeconds = 30

// MinRoundDuration is the shortest configurable round.
const MinRoundDuration = 30 // seconds

// CreateParams describes a new auction. When Rounds is provided its length
// must equal TotalRounds and Rounds[0] configures the first round;
// otherwise WinnersPerRound and Duration apply to every round.
type CreateParams struct {
	ItemID             string
	ItemName           string
	SellerID           uuid.UUID
	StartPrice         int64
	MinStep            int64
	StartAt            time.Time
	Duration           int // seconds, first round
	AntiSnipingSeconds int
	WinnersPerRound    int
	TotalRounds        int
	Rounds             []models.RoundSpec
}

// Service manages auctions.
type Service struct {
	store store.Store

	// Cache, when set, serves single-auction reads with bounded staleness.
	Cache *SnapshotCache

	// Ledger, when set, mirrors refund records to the notification fabric.
	// A nil ledger still performs the refunds.
	Ledger *ledger.Ledger

	// Now is swapped out in tests.
	Now func() time.Time
}

// NewService creates an auction service.
func NewService(st store.Store) *Service {
	return &Service{store: st, Now: time.Now}
}

// Create validates params and stores a new auction. Auctions whose start
// time has already arrived are created active.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Auction, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	winnersPerRound := p.WinnersPerRound
	duration := p.Duration
	if len(p.Rounds) > 0 {
		winnersPerRound = p.Rounds[0].Winners
		duration = p.Rounds[0].Duration
	}
	antiSniping := p.AntiSnipingSeconds
	if antiSniping == 0 {
		antiSniping = DefaultAntiSnipingSeconds
	}

	now := s.Now().UTC()
	status := models.StatusScheduled
	if !p.StartAt.After(now) {
		status = models.StatusActive
	}

	auction := &models.Auction{
		ID:                 uuid.New(),
		ItemID:             p.ItemID,
		ItemName:           p.ItemName,
		SellerID:           p.SellerID,
		StartPrice:         p.StartPrice,
		CurrentPrice:       p.StartPrice,
		MinStep:            p.MinStep,
		StartAt:            p.StartAt,
		EndAt:              p.StartAt.Add(time.Duration(duration) * time.Second),
		Status:             status,
		AntiSnipingSeconds: antiSniping,
		RoundNumber:        1,
		WinnersPerRound:    winnersPerRound,
		TotalRounds:        p.TotalRounds,
		Rounds:             p.Rounds,
		CreatedAt:          now,
	}
	if err := s.store.CreateAuction(ctx, auction); err != nil {
		return nil, fmt.Errorf("create auction: %w", err)
	}

	log.WithFields(log.Fields{"auction_id": auction.ID, "item_id": p.ItemID, "status": status}).
		Info("auction created")
	return auction, nil
}

func validate(p CreateParams) error {
	switch {
	case p.ItemID == "" || p.ItemName == "":
		return fmt.Errorf("%w: missing item", ErrInvalidAuction)
	case p.StartPrice < 1:
		return fmt.Errorf("%w: start price must be at least 1", ErrInvalidAuction)
	case p.MinStep < 1:
		return fmt.Errorf("%w: min step must be at least 1", ErrInvalidAuction)
	case p.TotalRounds < 1:
		return fmt.Errorf("%w: total rounds must be at least 1", ErrInvalidAuction)
	case p.AntiSnipingSeconds < 0:
		return fmt.Errorf("%w: negative anti-sniping window", ErrInvalidAuction)
	}

	if len(p.Rounds) > 0 {
		if len(p.Rounds) != p.TotalRounds {
			return fmt.Errorf("%w: rounds config has %d entries for %d rounds", ErrInvalidAuction, len(p.Rounds), p.TotalRounds)
		}
		for i, r := range p.Rounds {
			if r.Winners < 1 {
				return fmt.Errorf("%w: round %d needs at least one winner", ErrInvalidAuction, i+1)
			}
			if r.Duration < MinRoundDuration {
				return fmt.Errorf("%w: round %d shorter than %ds", ErrInvalidAuction, i+1, MinRoundDuration)
			}
		}
		return nil
	}

	if p.WinnersPerRound < 1 {
		return fmt.Errorf("%w: winners per round must be at least 1", ErrInvalidAuction)
	}
	if p.Duration < MinRoundDuration {
		return fmt.Errorf("%w: duration shorter than %ds", ErrInvalidAuction, MinRoundDuration)
	}
	return nil
}

// Get returns one auction, through the snapshot cache when one is set.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Auction, error) {
	if cached := s.Cache.Get(ctx, id); cached != nil {
		return cached, nil
	}
	auction, err := s.store.GetAuction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err == nil {
		s.Cache.Put(ctx, auction)
	}
	return auction, err
}

// ListVisible returns active and finished auctions, active first.
func (s *Service) ListVisible(ctx context.Context) ([]*models.Auction, error) {
	return s.store.ListAuctions(ctx, models.StatusActive, models.StatusFinished)
}

// Bids returns the auction's bids ranked by amount.
func (s *Service) Bids(ctx context.Context, auctionID uuid.UUID, limit int) ([]*models.Bid, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.AuctionBids(ctx, auctionID, limit)
}

// UserBids returns one user's bids on an auction, newest first.
func (s *Service) UserBids(ctx context.Context, auctionID, userID uuid.UUID) ([]*models.Bid, error) {
	return s.store.UserAuctionBids(ctx, auctionID, userID)
}

// Cancel terminates a scheduled or active auction and releases every
// outstanding escrow against it.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		auction, err := tx.AuctionForUpdate(id)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load auction: %w", err)
		}
		if auction.Status != models.StatusScheduled && auction.Status != models.StatusActive {
			return ErrNotCancellable
		}

		auction.Status = models.StatusCancelled
		if err := tx.SaveAuction(auction); err != nil {
			return fmt.Errorf("save auction: %w", err)
		}

		bids, err := tx.NonWinningBids(id)
		if err != nil {
			return fmt.Errorf("load bids: %w", err)
		}
		for _, bid := range bids {
			escrowed, err := ledger.BidEscrowed(tx, bid.UserID, bid.ID)
			if err != nil {
				return err
			}
			if !escrowed {
				continue
			}
			err = s.Ledger.Unlock(tx, bid.UserID, bid.Amount, bid.ID,
				fmt.Sprintf("Auction %s cancelled - refund", id))
			if errors.Is(err, ledger.ErrInsufficientLocked) {
				log.WithFields(log.Fields{"bid_id": bid.ID, "user_id": bid.UserID}).
					Warn("skipping refund on cancel, insufficient locked balance")
				continue
			}
			if err != nil {
				return err
			}
		}

		log.WithField("auction_id", id).Info("auction cancelled")
		return nil
	})
	if err != nil {
		return err
	}
	s.Cache.Invalidate(ctx, id)
	return nil
}
