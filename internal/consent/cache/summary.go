// Package cache provides a short-TTL redis cache for trainer client
// summaries. Lifecycle mutations invalidate the pair's entry immediately, so
// the revalidation protocol's polls observe revocations within one poll even
// when the TTL has not elapsed.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"trainshare/internal/platform/metrics"
	"trainshare/internal/platform/redis"
	"trainshare/pkg/domain"
)

// SummaryCache stores serialized summary payloads per (trainer, client)
// pair. A nil *SummaryCache is a valid no-op cache, so wiring stays simple
// when redis is not configured.
type SummaryCache struct {
	client  *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewSummaryCache(client *redis.Client, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *SummaryCache {
	if client == nil {
		return nil
	}
	return &SummaryCache{client: client, ttl: ttl, logger: logger, metrics: m}
}

// Get returns the cached payload for the pair, or false on miss. Redis
// failures degrade to a miss: the summary endpoint must keep answering from
// the store when the cache is down.
func (c *SummaryCache) Get(ctx context.Context, trainerID domain.TrainerID, clientID domain.ClientID) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	payload, err := c.client.Get(ctx, key(trainerID, clientID)).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logger.WarnContext(ctx, "summary cache read failed", "error", err.Error())
		}
		c.metrics.RecordCache("miss")
		return nil, false
	}
	c.metrics.RecordCache("hit")
	return payload, true
}

// Set stores the payload with the configured TTL. Best-effort.
func (c *SummaryCache) Set(ctx context.Context, trainerID domain.TrainerID, clientID domain.ClientID, payload []byte) {
	if c == nil {
		return
	}
	if err := c.client.Set(ctx, key(trainerID, clientID), payload, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "summary cache write failed", "error", err.Error())
	}
}

// Invalidate drops the pair's entry. Called by the lifecycle service after
// every successful mutation.
func (c *SummaryCache) Invalidate(ctx context.Context, trainerID domain.TrainerID, clientID domain.ClientID) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, key(trainerID, clientID)).Err(); err != nil {
		c.logger.WarnContext(ctx, "summary cache invalidation failed", "error", err.Error())
	}
}

func key(trainerID domain.TrainerID, clientID domain.ClientID) string {
	return "summary:" + trainerID.String() + ":" + clientID.String()
}
