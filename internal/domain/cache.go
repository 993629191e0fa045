package domain

import (
	"context"
	"time"
)

// PredictionCache provides fast prediction snapshot lookups.
// Snapshots are ordered by Prediction.Version.
type PredictionCache interface {
	// Set stores p unless a newer version was cached or invalidated.
	Set(ctx context.Context, p Prediction) error
	Get(ctx context.Context, id int64) (Prediction, error)
	// Invalidate drops the snapshot of id; later Sets older than version
	// are ignored.
	Invalidate(ctx context.Context, id, version int64) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
