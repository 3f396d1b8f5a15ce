package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hivegrid/coordinator/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CachedResult is the stored shape of a successful outcome.
type CachedResult struct {
	Payload string `json:"payload"`
	PeerID  string `json:"peer_id"`
}

// Cache keeps successful results and request-collapsing sentinels in
// Redis, keyed per (requester, dedupe_key). Identical submissions within
// the TTL either hit the cached result or piggyback on the in-flight
// task instead of re-brokering.
type Cache struct {
	rdb         *redis.Client
	resultTTL   time.Duration
	inflightTTL time.Duration
	log         *zap.Logger
}

func New(rdb *redis.Client, resultTTL, inflightTTL time.Duration, log *zap.Logger) *Cache {
	return &Cache{
		rdb:         rdb,
		resultTTL:   resultTTL,
		inflightTTL: inflightTTL,
		log:         log,
	}
}

// LookupResult checks the result cache. A decode failure is treated as a
// miss; the entry is overwritten on the next completion.
func (c *Cache) LookupResult(ctx context.Context, requester, dedupeKey string) (*CachedResult, error) {
	data, err := c.rdb.Get(ctx, model.ResultKey(requester, dedupeKey)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res CachedResult
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		c.log.Warn("corrupt cache entry", zap.String("requester", requester), zap.Error(err))
		return nil, nil
	}
	return &res, nil
}

// StoreResult caches a successful outcome and clears the collapsing
// sentinel so future submissions hit the cache directly.
func (c *Cache) StoreResult(ctx context.Context, requester, dedupeKey string, res *CachedResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, model.ResultKey(requester, dedupeKey), data, c.resultTTL)
	pipe.Del(ctx, model.InflightKey(requester, dedupeKey))
	_, err = pipe.Exec(ctx)
	return err
}

// AcquireInflight installs the collapsing sentinel for taskID. When an
// identical submission is already in flight it returns that task's id
// and created=false, so the caller can wait on the existing task.
func (c *Cache) AcquireInflight(ctx context.Context, requester, dedupeKey, taskID string) (existingTaskID string, created bool, err error) {
	key := model.InflightKey(requester, dedupeKey)
	ok, err := c.rdb.SetNX(ctx, key, taskID, c.inflightTTL).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return taskID, true, nil
	}
	existing, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		// Sentinel expired between SetNX and Get. Proceed as a fresh
		// task; losing this narrow race only costs one duplicate run.
		c.rdb.SetNX(ctx, key, taskID, c.inflightTTL)
		return taskID, true, nil
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

// ReleaseInflight drops the collapsing sentinel after a terminal failure
// so the next identical submission starts a fresh task.
func (c *Cache) ReleaseInflight(ctx context.Context, requester, dedupeKey string) {
	if err := c.rdb.Del(ctx, model.InflightKey(requester, dedupeKey)).Err(); err != nil {
		c.log.Warn("release inflight key", zap.String("requester", requester), zap.Error(err))
	}
}
