// Package kv defines the transient store used for queue hand-off, rate-limit
// counters and delivery scheduling, with Redis and in-process backends.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned when a key, field or list element does not exist, or a
// blocking pop timed out.
var ErrNil = errors.New("kv: nil")

// Store exposes the list, hash, counter and sorted-set primitives the intake
// pipeline relies on. Every mutation is atomic in the backing store.
type Store interface {
	LPush(ctx context.Context, key string, values ...string) error
	BRPop(ctx context.Context, timeout time.Duration, key string) (string, error)
	RPop(ctx context.Context, key string) (string, error)
	LRange(ctx context.Context, key string) ([]string, error)
	LRem(ctx context.Context, key string, value string) (int64, error)
	LLen(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HDel(ctx context.Context, key, field string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	GetInt(ctx context.Context, key string) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error)
	ZRem(ctx context.Context, key string, member string) error
}

// KeyPattern names every key family the pipeline writes, so key layout is
// defined in one place instead of interpolated ad hoc.
type KeyPattern int

const (
	KeyJobQueue KeyPattern = iota
	KeyQueueState
	KeyRateLimitWindow
	KeyDeliveryMessages
	KeyDeliveryDue
)

var keyFormats = map[KeyPattern]string{
	KeyJobQueue:         ":queue",
	KeyQueueState:       ":state",
	KeyRateLimitWindow:  ":window:",
	KeyDeliveryMessages: ":messages",
	KeyDeliveryDue:      ":due",
}

// Key builds the concrete key for a pattern under a namespace. The optional
// suffix is only meaningful for KeyRateLimitWindow.
func Key(pattern KeyPattern, namespace string, suffix ...string) string {
	key := namespace + keyFormats[pattern]
	for _, part := range suffix {
		key += part
	}
	return key
}
