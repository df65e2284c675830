package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/auctionhouse/internal/models"
	"github.com/terminal-bench/auctionhouse/internal/store"
	"github.com/terminal-bench/auctionhouse/pkg/queue"
)

func TestActivateScheduled(t *testing.T) {
	st := store.NewMemory()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	due := &models.Auction{ID: uuid.New(), Status: models.StatusScheduled, StartAt: now.Add(-time.Second)}
	future := &models.Auction{ID: uuid.New(), Status: models.StatusScheduled, StartAt: now.Add(time.Hour)}
	require.NoError(t, st.CreateAuction(context.Background(), due))
	require.NoError(t, st.CreateAuction(context.Background(), future))

	s := New(st, nil, nil)
	s.Now = func() time.Time { return now }

	require.NoError(t, s.ActivateScheduled(context.Background()))

	got, err := st.GetAuction(context.Background(), due.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	got, err = st.GetAuction(context.Background(), future.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, got.Status)
}

func TestDispatchExpiredEnqueuesSettlementJobs(t *testing.T) {
	st := store.NewMemory()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	expired := &models.Auction{ID: uuid.New(), Status: models.StatusActive, EndAt: now.Add(-time.Second)}
	running := &models.Auction{ID: uuid.New(), Status: models.StatusActive, EndAt: now.Add(time.Hour)}
	require.NoError(t, st.CreateAuction(context.Background(), expired))
	require.NoError(t, st.CreateAuction(context.Background(), running))

	var mu sync.Mutex
	var payloads []string
	q := queue.New(func(ctx context.Context, payload string) error {
		mu.Lock()
		payloads = append(payloads, payload)
		mu.Unlock()
		return nil
	}, queue.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	s := New(st, q, nil)
	s.Now = func() time.Time { return now }

	require.NoError(t, s.DispatchExpired(context.Background()))
	q.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{expired.ID.String()}, payloads)
}

func TestStartStop(t *testing.T) {
	st := store.NewMemory()
	q := queue.New(func(ctx context.Context, payload string) error { return nil }, queue.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	s := New(st, q, nil)
	s.ExpiryInterval = 5 * time.Millisecond
	s.ActivationInterval = 5 * time.Millisecond
	s.Start(ctx)

	time.Sleep(25 * time.Millisecond)
	s.Stop()
	q.Stop()
}
