package auction

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/terminal-bench/auctionhouse/internal/models"
)

// SnapshotCache keeps short-lived auction snapshots in Redis to absorb
// read traffic on hot auctions. The TTL bounds staleness; writes that must
// be visible immediately (bid admission, settlement) never read through it.
// A nil *SnapshotCache is a no-op.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache wraps a Redis client. ttl should stay small, a few
// seconds at most.
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, ttl: ttl}
}

func cacheKey(id uuid.UUID) string {
	return "auction:snapshot:" + id.String()
}

// Get returns the cached snapshot or nil on miss. Cache errors degrade to
// a miss.
func (c *SnapshotCache) Get(ctx context.Context, id uuid.UUID) *models.Auction {
	if c == nil {
		return nil
	}
	data, err := c.client.Get(ctx, cacheKey(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.WithError(err).WithField("auction_id", id).Debug("snapshot cache read failed")
		}
		return nil
	}
	var a models.Auction
	if err := json.Unmarshal(data, &a); err != nil {
		return nil
	}
	return &a
}

// Put stores a snapshot for the cache TTL.
func (c *SnapshotCache) Put(ctx context.Context, a *models.Auction) {
	if c == nil {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(a.ID), data, c.ttl).Err(); err != nil {
		log.WithError(err).WithField("auction_id", a.ID).Debug("snapshot cache write failed")
	}
}

// Invalidate drops a snapshot after a state transition.
func (c *SnapshotCache) Invalidate(ctx context.Context, id uuid.UUID) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, cacheKey(id)).Err(); err != nil {
		log.WithError(err).WithField("auction_id", id).Debug("snapshot cache invalidate failed")
	}
}
