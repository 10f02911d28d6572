package report

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisCache stores feeds as JSON with a short TTL. Each slot has a version counter that
// Invalidate bumps; a feed built before the bump is never written back.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// setIfCurrent writes KEYS[1] only while KEYS[2] still holds the version the feed was read at.
var setIfCurrent = redis.NewScript(`
local current = redis.call('GET', KEYS[2]) or '0'
if current ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// versionTTL outlives any cached feed by a wide margin.
const versionTTL = 24 * time.Hour

func NewRedisCache(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "feed_cache").Logger(),
	}
}

func feedKey(slotID int64) string {
	return "slotattend:feed:" + strconv.FormatInt(slotID, 10)
}

func versionKey(slotID int64) string {
	return "slotattend:feed:ver:" + strconv.FormatInt(slotID, 10)
}

// Get returns a cached feed. Redis errors count as misses.
func (c *RedisCache) Get(ctx context.Context, slotID int64) (Feed, bool) {
	raw, err := c.client.Get(ctx, feedKey(slotID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Int64("slot_id", slotID).Msg("feed cache get")
		}
		return Feed{}, false
	}
	var feed Feed
	if err := json.Unmarshal(raw, &feed); err != nil {
		c.logger.Warn().Err(err).Int64("slot_id", slotID).Msg("feed cache decode")
		return Feed{}, false
	}
	return feed, true
}

// Version returns the current invalidation counter of a slot. ok is false when redis
// cannot answer, in which case the caller must not Set.
func (c *RedisCache) Version(ctx context.Context, slotID int64) (int64, bool) {
	v, err := c.client.Get(ctx, versionKey(slotID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	if err != nil {
		c.logger.Warn().Err(err).Int64("slot_id", slotID).Msg("feed cache version")
		return 0, false
	}
	return v, true
}

// Set caches feed if the slot has not been invalidated since version was read.
// maxTTL shortens the configured TTL when positive.
func (c *RedisCache) Set(ctx context.Context, feed Feed, version int64, maxTTL time.Duration) {
	ttl := c.ttl
	if maxTTL > 0 && maxTTL < ttl {
		ttl = maxTTL
	}
	ms := ttl.Milliseconds()
	if ms <= 0 {
		return
	}
	raw, err := json.Marshal(feed)
	if err != nil {
		return
	}
	keys := []string{feedKey(feed.SlotID), versionKey(feed.SlotID)}
	stored, err := setIfCurrent.Run(ctx, c.client, keys, strconv.FormatInt(version, 10), raw, ms).Int()
	if err != nil {
		c.logger.Warn().Err(err).Int64("slot_id", feed.SlotID).Msg("feed cache set")
		return
	}
	if stored == 0 {
		c.logger.Debug().Int64("slot_id", feed.SlotID).Msg("feed invalidated while building, not cached")
	}
}

// Invalidate removes the cached feed of a slot and bumps its version.
func (c *RedisCache) Invalidate(ctx context.Context, slotID int64) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, feedKey(slotID))
		pipe.Incr(ctx, versionKey(slotID))
		pipe.Expire(ctx, versionKey(slotID), versionTTL)
		return nil
	})
	return err
}
