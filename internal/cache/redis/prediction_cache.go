package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inverstra/predictiondao/internal/domain"
)

var (
	//go:embed scripts/snapshot_set.lua
	snapshotSetLua string
	//go:embed scripts/snapshot_invalidate.lua
	snapshotInvalidateLua string
)

// PredictionCache implements domain.PredictionCache with JSON snapshots in a
// Redis hash. Writes carrying an older version than the hash records are
// dropped, so a slow reader cannot restore a snapshot a write invalidated.
//
// Key schema:
//
//	prediction:{id} - hash with fields "data" (JSON) and "version"; after an
//	                  invalidation only "version" remains
type PredictionCache struct {
	rdb        *redis.Client
	ttl        time.Duration
	set        *redis.Script
	invalidate *redis.Script
}

var _ domain.PredictionCache = (*PredictionCache)(nil)

// NewPredictionCache creates a PredictionCache whose entries expire after ttl.
func NewPredictionCache(c *Client, ttl time.Duration) *PredictionCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &PredictionCache{
		rdb:        c.Underlying(),
		ttl:        ttl,
		set:        redis.NewScript(snapshotSetLua),
		invalidate: redis.NewScript(snapshotInvalidateLua),
	}
}

func predictionKey(id int64) string { return "prediction:" + strconv.FormatInt(id, 10) }

// Set stores a snapshot of p unless a newer version is already recorded.
func (pc *PredictionCache) Set(ctx context.Context, p domain.Prediction) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis: marshal prediction %d: %w", p.ID, err)
	}

	err = pc.set.Run(ctx, pc.rdb, []string{predictionKey(p.ID)},
		data, p.Version, pc.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set prediction %d: %w", p.ID, err)
	}
	return nil
}

// Get returns the cached snapshot, or domain.ErrNotFound on a miss.
func (pc *PredictionCache) Get(ctx context.Context, id int64) (domain.Prediction, error) {
	data, err := pc.rdb.HGet(ctx, predictionKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Prediction{}, domain.ErrNotFound
		}
		return domain.Prediction{}, fmt.Errorf("redis: get prediction %d: %w", id, err)
	}

	var p domain.Prediction
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Prediction{}, fmt.Errorf("redis: unmarshal prediction %d: %w", id, err)
	}
	return p, nil
}

// Invalidate drops the cached snapshot and refuses snapshots older than
// version until the entry expires.
func (pc *PredictionCache) Invalidate(ctx context.Context, id, version int64) error {
	err := pc.invalidate.Run(ctx, pc.rdb, []string{predictionKey(id)},
		version, pc.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: invalidate prediction %d: %w", id, err)
	}
	return nil
}
