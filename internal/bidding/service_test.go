package bidding

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/auctionhouse/internal/ledger"
	"github.com/terminal-bench/auctionhouse/internal/models"
	"github.com/terminal-bench/auctionhouse/internal/store"
	"github.com/terminal-bench/auctionhouse/pkg/locker"
)

type fixture struct {
	st  *store.Memory
	svc *Service
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	svc := NewService(st, locker.NewLocal(), nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return now }
	return &fixture{st: st, svc: svc, now: now}
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
	now := f.now
	f.svc.Now = func() time.Time { return now }
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

func (f *fixture) addAuction(t *testing.T, mutate func(*models.Auction)) uuid.UUID {
	t.Helper()
	a := &models.Auction{
		ID:                 uuid.New(),
		ItemID:             "item-1",
		ItemName:           "Vintage clock",
		SellerID:           uuid.New(),
		StartPrice:         100,
		CurrentPrice:       100,
		MinStep:            10,
		StartAt:            f.now.Add(-time.Minute),
		EndAt:              f.now.Add(10 * time.Minute),
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
	return a.ID
}

func (f *fixture) balance(t *testing.T, userID uuid.UUID) (available, locked int64) {
	t.Helper()
	account, err := f.st.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	return account.Available, account.Locked
}

func TestPlaceBidLocksFundsAndUpdatesAuction(t *testing.T) {
	f := newFixture(t)
	auctionID := f.addAuction(t, nil)
	bidder := f.addAccount(t, 500)

	result, err := f.svc.PlaceBid(context.Background(), auctionID, bidder, 110)
	require.NoError(t, err)
	assert.Equal(t, int64(110), result.Bid.Amount)
	assert.Equal(t, int64(110), result.Auction.CurrentPrice)
	require.NotNil(t, result.Auction.HighestBidID)
	assert.Equal(t, result.Bid.ID, *result.Auction.HighestBidID)
	assert.False(t, result.Extended)

	available, locked := f.balance(t, bidder)
	assert.Equal(t, int64(390), available)
	assert.Equal(t, int64(110), locked)
}

func TestPlaceBidValidations(t *testing.T) {
	f := newFixture(t)
	bidder := f.addAccount(t, 1000)

	t.Run("unknown auction", func(t *testing.T) {
		_, err := f.svc.PlaceBid(context.Background(), uuid.New(), bidder, 110)
		assert.ErrorIs(t, err, ErrAuctionNotFound)
	})

	t.Run("not active", func(t *testing.T) {
		auctionID := f.addAuction(t, func(a *models.Auction) { a.Status = models.StatusScheduled })
		_, err := f.svc.PlaceBid(context.Background(), auctionID, bidder, 110)
		assert.ErrorIs(t, err, ErrAuctionNotActive)
	})

	t.Run("round ended", func(t *testing.T) {
		auctionID := f.addAuction(t, func(a *models.Auction) { a.EndAt = f.now.Add(-time.Second) })
		_, err := f.svc.PlaceBid(context.Background(), auctionID, bidder, 110)
		assert.ErrorIs(t, err, ErrAuctionEnded)
	})

	t.Run("below minimum", func(t *testing.T) {
		auctionID := f.addAuction(t, nil)
		_, err := f.svc.PlaceBid(context.Background(), auctionID, bidder, 109)
		assert.ErrorIs(t, err, ErrBidTooLow)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		auctionID := f.addAuction(t, nil)
		_, err := f.svc.PlaceBid(context.Background(), auctionID, bidder, 0)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		auctionID := f.addAuction(t, nil)
		poor := f.addAccount(t, 50)
		_, err := f.svc.PlaceBid(context.Background(), auctionID, poor, 110)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})
}

func TestPriorRoundWinnerCannotBid(t *testing.T) {
	f := newFixture(t)
	bidder := f.addAccount(t, 1000)
	auctionID := f.addAuction(t, func(a *models.Auction) {
		a.RoundNumber = 2
		a.TotalRounds = 2
		a.Winners = []models.Winner{{UserID: bidder, BidID: uuid.New(), Amount: 150, RoundNumber: 1}}
	})

	_, err := f.svc.PlaceBid(context.Background(), auctionID, bidder, 110)
	assert.ErrorIs(t, err, ErrAlreadyWon)
}

func TestSupersedeOwnBidReleasesPreviousEscrow(t *testing.T) {
	f := newFixture(t)
	auctionID := f.addAuction(t, nil)
	bidder := f.addAccount(t, 130)

	_, err := f.svc.PlaceBid(context.Background(), auctionID, bidder, 110)
	require.NoError(t, err)
	available, locked := f.balance(t, bidder)
	assert.Equal(t, int64(20), available)
	assert.Equal(t, int64(110), locked)

	// Raising to 130 only needs the 20 still available because the 110
	// escrow of the superseded bid counts toward the new bid.
	result, err := f.svc.PlaceBid(context.Background(), auctionID, bidder, 130)
	require.NoError(t, err)
	assert.Equal(t, int64(130), result.Auction.CurrentPrice)

	available, locked = f.balance(t, bidder)
	assert.Equal(t, int64(0), available)
	assert.Equal(t, int64(130), locked)
}

func TestSupersedeInsufficientDifference(t *testing.T) {
	f := newFixture(t)
	auctionID := f.addAuction(t, nil)
	bidder := f.addAccount(t, 150)

	_, err := f.svc.PlaceBid(context.Background(), auctionID, bidder, 110)
	require.NoError(t, err)

	// 40 available + 110 escrowed = 150 < 160.
	_, err = f.svc.PlaceBid(context.Background(), auctionID, bidder, 160)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// The failed raise must not have disturbed the standing escrow.
	available, locked := f.balance(t, bidder)
	assert.Equal(t, int64(40), available)
	assert.Equal(t, int64(110), locked)
}

func TestSingleWinnerOutbidReleasesLeader(t *testing.T) {
	f := newFixture(t)
	auctionID := f.addAuction(t, nil)
	first := f.addAccount(t, 500)
	second := f.addAccount(t, 500)

	_, err := f.svc.PlaceBid(context.Background(), auctionID, first, 110)
	require.NoError(t, err)
	_, err = f.svc.PlaceBid(context.Background(), auctionID, second, 120)
	require.NoError(t, err)

	available, locked := f.balance(t, first)
	assert.Equal(t, int64(500), available)
	assert.Equal(t, int64(0), locked)

	available, locked = f.balance(t, second)
	assert.Equal(t, int64(380), available)
	assert.Equal(t, int64(120), locked)
}

func TestMultiWinnerOutbidKeepsEscrow(t *testing.T) {
	f := newFixture(t)
	auctionID := f.addAuction(t, func(a *models.Auction) { a.WinnersPerRound = 2 })
	first := f.addAccount(t, 500)
	second := f.addAccount(t, 500)

	_, err := f.svc.PlaceBid(context.Background(), auctionID, first, 110)
	require.NoError(t, err)
	_, err = f.svc.PlaceBid(context.Background(), auctionID, second, 120)
	require.NoError(t, err)

	// An outbid bid may still land in the top N at settlement, so its
	// escrow stays.
	_, locked := f.balance(t, first)
	assert.Equal(t, int64(110), locked)
	_, locked = f.balance(t, second)
	assert.Equal(t, int64(120), locked)
}

func TestAntiSnipingExtension(t *testing.T) {
	f := newFixture(t)
	endAt := f.now.Add(25 * time.Second) // inside the 30s window
	auctionID := f.addAuction(t, func(a *models.Auction) { a.EndAt = endAt })
	bidder := f.addAccount(t, 500)

	result, err := f.svc.PlaceBid(context.Background(), auctionID, bidder, 110)
	require.NoError(t, err)
	assert.True(t, result.Extended)
	assert.Equal(t, f.now.Add(30*time.Second), result.Auction.EndAt)
	assert.Len(t, result.Auction.ExtendedAt, 1)
}

func TestAntiSnipingBoundary(t *testing.T) {
	f := newFixture(t)

	t.Run("exactly on the window extends", func(t *testing.T) {
		auctionID := f.addAuction(t, func(a *models.Auction) { a.EndAt = f.now.Add(30 * time.Second) })
		bidder := f.addAccount(t, 500)
		result, err := f.svc.PlaceBid(context.Background(), auctionID, bidder, 110)
		require.NoError(t, err)
		assert.True(t, result.Extended)
	})

	t.Run("outside the window does not extend", func(t *testing.T) {
		endAt := f.now.Add(31 * time.Second)
		auctionID := f.addAuction(t, func(a *models.Auction) { a.EndAt = endAt })
		bidder := f.addAccount(t, 500)
		result, err := f.svc.PlaceBid(context.Background(), auctionID, bidder, 110)
		require.NoError(t, err)
		assert.False(t, result.Extended)
		assert.Equal(t, endAt, result.Auction.EndAt)
	})
}

func TestCurrentPriceMonotonicPerRound(t *testing.T) {
	f := newFixture(t)
	auctionID := f.addAuction(t, func(a *models.Auction) { a.WinnersPerRound = 2 })

	price := int64(100)
	for i := 0; i < 5; i++ {
		bidder := f.addAccount(t, 10000)
		price += 10
		result, err := f.svc.PlaceBid(context.Background(), auctionID, bidder, price)
		require.NoError(t, err)
		assert.Equal(t, price, result.Auction.CurrentPrice)
		f.advance(time.Second)
	}
}

func TestContendedLock(t *testing.T) {
	f := newFixture(t)
	auctionID := f.addAuction(t, nil)
	bidder := f.addAccount(t, 500)

	// Hold the admission lock so PlaceBid cannot get it.
	held, err := f.svc.locker.Acquire(context.Background(), fmt.Sprintf("auction:%s:bid", auctionID), time.Second)
	require.NoError(t, err)
	defer held.Release(context.Background())

	f.svc.lockTTL = 50 * time.Millisecond
	_, err = f.svc.PlaceBid(context.Background(), auctionID, bidder, 110)
	assert.ErrorIs(t, err, ErrContended)
}

func TestRefundFinishedAuctionBids(t *testing.T) {
	f := newFixture(t)
	bidder := f.addAccount(t, 1000)

	activeID := f.addAuction(t, nil)
	finishedID := f.addAuction(t, nil)

	_, err := f.svc.PlaceBid(context.Background(), activeID, bidder, 110)
	require.NoError(t, err)
	_, err = f.svc.PlaceBid(context.Background(), finishedID, bidder, 200)
	require.NoError(t, err)

	// Finish the second auction without settling, leaving the escrow behind.
	require.NoError(t, f.st.Atomically(context.Background(), func(tx store.Tx) error {
		a, err := tx.AuctionForUpdate(finishedID)
		if err != nil {
			return err
		}
		a.Status = models.StatusFinished
		return tx.SaveAuction(a)
	}))

	refunded, err := f.svc.RefundFinishedAuctionBids(context.Background(), bidder)
	require.NoError(t, err)
	assert.Equal(t, 1, refunded)

	// The active auction's escrow is untouched.
	available, locked := f.balance(t, bidder)
	assert.Equal(t, int64(890), available)
	assert.Equal(t, int64(110), locked)

	// Second sweep finds nothing.
	refunded, err = f.svc.RefundFinishedAuctionBids(context.Background(), bidder)
	require.NoError(t, err)
	assert.Equal(t, 0, refunded)
}

func TestEscrowPredicateAfterSupersede(t *testing.T) {
	f := newFixture(t)
	auctionID := f.addAuction(t, nil)
	bidder := f.addAccount(t, 1000)

	first, err := f.svc.PlaceBid(context.Background(), auctionID, bidder, 110)
	require.NoError(t, err)
	second, err := f.svc.PlaceBid(context.Background(), auctionID, bidder, 130)
	require.NoError(t, err)

	require.NoError(t, f.st.Atomically(context.Background(), func(tx store.Tx) error {
		escrowed, err := ledger.BidEscrowed(tx, bidder, first.Bid.ID)
		require.NoError(t, err)
		assert.False(t, escrowed)

		escrowed, err = ledger.BidEscrowed(tx, bidder, second.Bid.ID)
		require.NoError(t, err)
		assert.True(t, escrowed)
		return nil
	}))
}
