package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/auctionhouse/internal/bidding"
	"github.com/terminal-bench/auctionhouse/internal/ledger"
	"github.com/terminal-bench/auctionhouse/internal/models"
	"github.com/terminal-bench/auctionhouse/internal/store"
	"github.com/terminal-bench/auctionhouse/pkg/locker"
)

type fixture struct {
	st     *store.Memory
	engine *Engine
	bids   *bidding.Service
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	f := &fixture{
		st:     st,
		engine: NewEngine(st, nil, nil),
		bids:   bidding.NewService(st, locker.NewLocal(), nil),
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.engine.Now = func() time.Time { return f.now }
	f.bids.Now = func() time.Time { return f.now }
	return f
}

func (f *fixture) addAccount(t *testing.T, available int64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, f.st.CreateAccount(context.Background(), &models.Account{
		ID:        id,
		Username:  "user-" + id.String()[:8],
		Available: available,
	}))
	return id
}

func (f *fixture) addAuction(t *testing.T, mutate func(*models.Auction)) *models.Auction {
	t.Helper()
	a := &models.Auction{
		ID:                 uuid.New(),
		ItemID:             "item-1",
		ItemName:           "Vintage clock",
		SellerID:           f.addAccount(t, 0),
		StartPrice:         10,
		CurrentPrice:       10,
		MinStep:            10,
		StartAt:            f.now.Add(-time.Hour),
		EndAt:              f.now.Add(time.Hour),
		Status:             models.StatusActive,
		AntiSnipingSeconds: 30,
		RoundNumber:        1,
		WinnersPerRound:    1,
		TotalRounds:        1,
	}
	if mutate != nil {
		mutate(a)
	}
	require.NoError(t, f.st.CreateAuction(context.Background(), a))
	return a
}

func (f *fixture) placeBid(t *testing.T, auctionID, userID uuid.UUID, amount int64) *models.Bid {
	t.Helper()
	result, err := f.bids.PlaceBid(context.Background(), auctionID, userID, amount)
	require.NoError(t, err)
	return result.Bid
}

// expire moves time past the auction's end so settlement proceeds.
func (f *fixture) expire(t *testing.T, auctionID uuid.UUID) {
	t.Helper()
	a, err := f.st.GetAuction(context.Background(), auctionID)
	require.NoError(t, err)
	if a.EndAt.After(f.now) {
		f.now = a.EndAt.Add(time.Second)
	}
}

func (f *fixture) balance(t *testing.T, userID uuid.UUID) (available, locked int64) {
	t.Helper()
	account, err := f.st.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	return account.Available, account.Locked
}

func TestSettleSingleWinner(t *testing.T) {
	f := newFixture(t)
	a := f.addAuction(t, nil)
	winner := f.addAccount(t, 1000)

	f.placeBid(t, a.ID, winner, 100)
	f.expire(t, a.ID)

	require.NoError(t, f.engine.SettleExpiredRound(context.Background(), a.ID))

	settled, err := f.st.GetAuction(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, settled.Status)
	require.Len(t, settled.Winners, 1)
	assert.Equal(t, winner, settled.Winners[0].UserID)
	assert.Equal(t, int64(100), settled.Winners[0].Amount)

	// Winner paid out of escrow, seller got 90%.
	available, locked := f.balance(t, winner)
	assert.Equal(t, int64(900), available)
	assert.Equal(t, int64(0), locked)

	sellerAvailable, _ := f.balance(t, a.SellerID)
	assert.Equal(t, int64(90), sellerAvailable)
}

func TestSettleTwoWinnersTieBreakByTime(t *testing.T) {
	f := newFixture(t)
	a := f.addAuction(t, func(a *models.Auction) { a.WinnersPerRound = 2; a.MinStep = 1 })
	low := f.addAccount(t, 1000)
	early := f.addAccount(t, 1000)
	late := f.addAccount(t, 1000)

	// Insert the candidate pool directly; equal amounts cannot be placed
	// through admission within one round, but settlement must still rank
	// them deterministically.
	seed := []struct {
		userID uuid.UUID
		amount int64
		at     time.Time
	}{
		{low, 50, f.now},
		{early, 80, f.now.Add(time.Second)},
		{late, 80, f.now.Add(2 * time.Second)},
	}
	require.NoError(t, f.st.Atomically(context.Background(), func(tx store.Tx) error {
		for _, s := range seed {
			bidID := uuid.New()
			if err := tx.CreateBid(&models.Bid{
				ID:          bidID,
				AuctionID:   a.ID,
				UserID:      s.userID,
				Amount:      s.amount,
				RoundNumber: 1,
				CreatedAt:   s.at,
			}); err != nil {
				return err
			}
			if err := ledger.Lock(tx, s.userID, s.amount, bidID, "bid escrow"); err != nil {
				return err
			}
		}
		return nil
	}))

	f.expire(t, a.ID)
	require.NoError(t, f.engine.SettleExpiredRound(context.Background(), a.ID))

	settled, err := f.st.GetAuction(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, settled.Winners, 2)
	// Equal amounts rank by creation time, earliest first.
	assert.Equal(t, early, settled.Winners[0].UserID)
	assert.Equal(t, late, settled.Winners[1].UserID)

	// The losing bid is refunded in full.
	available, locked := f.balance(t, low)
	assert.Equal(t, int64(1000), available)
	assert.Equal(t, int64(0), locked)
}

func TestSettleIdempotent(t *testing.T) {
	f := newFixture(t)
	a := f.addAuction(t, nil)
	winner := f.addAccount(t, 1000)

	f.placeBid(t, a.ID, winner, 100)
	f.expire(t, a.ID)

	require.NoError(t, f.engine.SettleExpiredRound(context.Background(), a.ID))
	require.NoError(t, f.engine.SettleExpiredRound(context.Background(), a.ID))

	settled, err := f.st.GetAuction(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Len(t, settled.Winners, 1)

	// Seller credited exactly once.
	sellerAvailable, _ := f.balance(t, a.SellerID)
	assert.Equal(t, int64(90), sellerAvailable)
}

func TestSettleBeforeExpiryIsNoOp(t *testing.T) {
	f := newFixture(t)
	a := f.addAuction(t, nil)
	bidder := f.addAccount(t, 1000)
	f.placeBid(t, a.ID, bidder, 100)

	require.NoError(t, f.engine.SettleExpiredRound(context.Background(), a.ID))

	unchanged, err := f.st.GetAuction(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, unchanged.Status)
	assert.Empty(t, unchanged.Winners)
	_, locked := f.balance(t, bidder)
	assert.Equal(t, int64(100), locked)
}

func TestSettleUnknownAuctionIsNoOp(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.engine.SettleExpiredRound(context.Background(), uuid.New()))
}

func TestRoundAdvanceResetsState(t *testing.T) {
	f := newFixture(t)
	a := f.addAuction(t, func(a *models.Auction) {
		a.TotalRounds = 2
		a.Rounds = []models.RoundSpec{{Winners: 1, Duration: 60}, {Winners: 2, Duration: 120}}
	})
	winner := f.addAccount(t, 1000)
	f.placeBid(t, a.ID, winner, 100)
	f.expire(t, a.ID)

	require.NoError(t, f.engine.SettleExpiredRound(context.Background(), a.ID))

	next, err := f.st.GetAuction(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, next.Status)
	assert.Equal(t, 2, next.RoundNumber)
	assert.Equal(t, 2, next.WinnersPerRound)
	assert.Equal(t, a.StartPrice, next.CurrentPrice)
	assert.Nil(t, next.HighestBidID)
	assert.Empty(t, next.ExtendedAt)
	assert.Equal(t, f.now.Add(120*time.Second), next.EndAt)
	assert.Len(t, next.Winners, 1)
}

func TestRoundAdvanceDefaultDuration(t *testing.T) {
	f := newFixture(t)
	a := f.addAuction(t, func(a *models.Auction) { a.TotalRounds = 2 })
	winner := f.addAccount(t, 1000)
	f.placeBid(t, a.ID, winner, 100)
	f.expire(t, a.ID)

	require.NoError(t, f.engine.SettleExpiredRound(context.Background(), a.ID))

	next, err := f.st.GetAuction(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(DefaultRoundDuration), next.EndAt)
}

func TestPriorWinnerSkippedInLaterRound(t *testing.T) {
	f := newFixture(t)
	a := f.addAuction(t, func(a *models.Auction) { a.TotalRounds = 2 })
	first := f.addAccount(t, 1000)
	second := f.addAccount(t, 1000)

	f.placeBid(t, a.ID, first, 100)
	f.expire(t, a.ID)
	require.NoError(t, f.engine.SettleExpiredRound(context.Background(), a.ID))

	// Round 2. A stray bid row for the prior winner must not win again
	// even if it ranks highest.
	require.NoError(t, f.st.Atomically(context.Background(), func(tx store.Tx) error {
		return tx.CreateBid(&models.Bid{
			ID:          uuid.New(),
			AuctionID:   a.ID,
			UserID:      first,
			Amount:      500,
			RoundNumber: 2,
			CreatedAt:   f.now,
		})
	}))
	f.placeBid(t, a.ID, second, 100)
	f.expire(t, a.ID)
	require.NoError(t, f.engine.SettleExpiredRound(context.Background(), a.ID))

	settled, err := f.st.GetAuction(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, settled.Winners, 2)
	assert.Equal(t, first, settled.Winners[0].UserID)
	assert.Equal(t, second, settled.Winners[1].UserID)
	assert.Equal(t, models.StatusFinished, settled.Status)
}

func TestDemoteWinnerWhenEscrowDrained(t *testing.T) {
	f := newFixture(t)
	a := f.addAuction(t, func(a *models.Auction) { a.WinnersPerRound = 2; a.MinStep = 1 })
	drained := f.addAccount(t, 1000)
	runnerUp := f.addAccount(t, 1000)

	f.placeBid(t, a.ID, runnerUp, 100)
	f.now = f.now.Add(time.Second)
	f.placeBid(t, a.ID, drained, 200)

	// Corrupt the drained bidder's locked balance without a ledger record,
	// so the escrow predicate still answers true but withdrawal fails.
	require.NoError(t, f.st.Atomically(context.Background(), func(tx store.Tx) error {
		account, err := tx.AccountForUpdate(drained)
		if err != nil {
			return err
		}
		account.Locked = 0
		return tx.SaveAccount(account)
	}))

	f.expire(t, a.ID)
	require.NoError(t, f.engine.SettleExpiredRound(context.Background(), a.ID))

	settled, err := f.st.GetAuction(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, settled.Winners, 1)
	assert.Equal(t, runnerUp, settled.Winners[0].UserID)
}

func TestPlatformFeeCredited(t *testing.T) {
	f := newFixture(t)
	platform := f.addAccount(t, 0)
	f.engine.PlatformAccount = &platform

	a := f.addAuction(t, nil)
	winner := f.addAccount(t, 1000)
	f.placeBid(t, a.ID, winner, 105)
	f.expire(t, a.ID)

	require.NoError(t, f.engine.SettleExpiredRound(context.Background(), a.ID))

	// floor(105*9/10) = 94 to the seller, 11 to the platform.
	sellerAvailable, _ := f.balance(t, a.SellerID)
	assert.Equal(t, int64(94), sellerAvailable)
	platformAvailable, _ := f.balance(t, platform)
	assert.Equal(t, int64(11), platformAvailable)
}

func TestFinishSweepRefundsStragglers(t *testing.T) {
	f := newFixture(t)
	a := f.addAuction(t, func(a *models.Auction) { a.TotalRounds = 2; a.MinStep = 1 })
	first := f.addAccount(t, 1000)
	second := f.addAccount(t, 1000)
	straggler := f.addAccount(t, 1000)

	f.placeBid(t, a.ID, first, 100)
	f.expire(t, a.ID)
	require.NoError(t, f.engine.SettleExpiredRound(context.Background(), a.ID))

	// A round-1 bid whose escrow was never released, for example one that
	// raced past that round's refund pass, must be caught by the finish
	// sweep.
	strayBid := uuid.New()
	require.NoError(t, f.st.Atomically(context.Background(), func(tx store.Tx) error {
		if err := tx.CreateBid(&models.Bid{
			ID:          strayBid,
			AuctionID:   a.ID,
			UserID:      straggler,
			Amount:      50,
			RoundNumber: 1,
			CreatedAt:   f.now,
		}); err != nil {
			return err
		}
		return ledger.Lock(tx, straggler, 50, strayBid, "stray escrow")
	}))

	f.placeBid(t, a.ID, second, 100)
	f.expire(t, a.ID)
	require.NoError(t, f.engine.SettleExpiredRound(context.Background(), a.ID))

	settled, err := f.st.GetAuction(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, settled.Status)

	available, locked := f.balance(t, straggler)
	assert.Equal(t, int64(1000), available)
	assert.Zero(t, locked)
}

func TestEscrowConservation(t *testing.T) {
	f := newFixture(t)
	a := f.addAuction(t, func(a *models.Auction) { a.WinnersPerRound = 2; a.MinStep = 1 })
	platform := f.addAccount(t, 0)
	f.engine.PlatformAccount = &platform

	bidders := make([]uuid.UUID, 4)
	for i := range bidders {
		bidders[i] = f.addAccount(t, 1000)
	}
	amounts := []int64{40, 60, 80, 100}
	for i, userID := range bidders {
		f.placeBid(t, a.ID, userID, amounts[i])
		f.now = f.now.Add(time.Second)
	}

	f.expire(t, a.ID)
	require.NoError(t, f.engine.SettleExpiredRound(context.Background(), a.ID))

	// Winners paid 100 and 80; every minor unit they paid landed with the
	// seller or the platform, and nothing stayed locked.
	total := int64(0)
	for _, userID := range append(bidders, a.SellerID, platform) {
		available, locked := f.balance(t, userID)
		assert.Zero(t, locked)
		total += available
	}
	assert.Equal(t, int64(4000), total)
}
