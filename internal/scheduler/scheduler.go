// Package scheduler runs the periodic driver: one tick activates scheduled
// auctions whose start time has arrived, another finds expired rounds and
// dispatches settlement work. Both operations are idempotent set-based
// updates, so the two tickers need no shared lock.
package scheduler

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/auctionhouse/internal/store"
	"github.com/terminal-bench/auctionhouse/pkg/messaging"
	"github.com/terminal-bench/auctionhouse/pkg/queue"
)

const (
	DefaultExpiryInterval     = 5 * time.Second
	DefaultActivationInterval = 10 * time.Second
)

// Scheduler drives auction state transitions on fixed intervals.
type Scheduler struct {
	store     store.Store
	queue     *queue.Queue
	publisher messaging.Publisher

	ExpiryInterval     time.Duration
	ActivationInterval time.Duration

	// Now is swapped out in tests.
	Now func() time.Time

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a scheduler dispatching settlement jobs to q. publisher may
// be nil.
func New(st store.Store, q *queue.Queue, publisher messaging.Publisher) *Scheduler {
	return &Scheduler{
		store:              st,
		queue:              q,
		publisher:          publisher,
		ExpiryInterval:     DefaultExpiryInterval,
		ActivationInterval: DefaultActivationInterval,
		Now:                time.Now,
	}
}

// Start launches both tickers. Call Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.group, ctx = errgroup.WithContext(ctx)

	s.group.Go(func() error { return s.loop(ctx, s.ExpiryInterval, s.DispatchExpired) })
	s.group.Go(func() error { return s.loop(ctx, s.ActivationInterval, s.ActivateScheduled) })

	log.Info("scheduler started")
}

// Stop cancels the tickers and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.group.Wait()
	}
	log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, tick func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				log.WithError(err).Error("scheduler tick failed")
			}
		}
	}
}

// ActivateScheduled flips every scheduled auction whose start time has
// arrived to active.
func (s *Scheduler) ActivateScheduled(ctx context.Context) error {
	now := s.Now().UTC()
	n, err := s.store.ActivateScheduled(ctx, now)
	if err != nil {
		return fmt.Errorf("activate scheduled auctions: %w", err)
	}
	if n == 0 {
		return nil
	}
	log.WithField("count", n).Info("activated scheduled auctions")
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, messaging.EventTypeAuctionActivated, messaging.AuctionActivatedEvent{
			Activated: n,
			At:        now,
		}); err != nil {
			log.WithError(err).Error("publish activation event")
		}
	}
	return nil
}

// DispatchExpired enqueues one settlement job per active auction whose
// round has ended. Settlement is idempotent, so re-dispatching an auction
// already in flight is safe.
func (s *Scheduler) DispatchExpired(ctx context.Context) error {
	now := s.Now().UTC()
	ids, err := s.store.ExpiredActive(ctx, now)
	if err != nil {
		return fmt.Errorf("find expired auctions: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	log.WithField("count", len(ids)).Info("dispatching expired rounds")

	for _, id := range ids {
		jobID := fmt.Sprintf("finish-round-%s-%d", id, now.UnixNano())
		if err := s.queue.Enqueue(jobID, id.String()); err != nil {
			log.WithError(err).WithField("auction_id", id).Error("enqueue settlement job")
		}
	}
	return nil
}
