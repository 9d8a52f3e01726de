// Package ratelimit bounds calls to the external verification service with a
// distributed per-hour counter shared by every process using the same store.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/iago/membership-intake/internal/kv"
)

var ErrRateLimited = errors.New("verification hourly quota exhausted")

const (
	DefaultHourlyLimit = 10000
	windowLayout       = "2006-01-02:15"
	warningRatio       = 0.9
)

// Counter is the subset of kv.Store the limiter needs.
type Counter interface {
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	GetInt(ctx context.Context, key string) (int64, error)
}

type Status struct {
	CurrentCount int64     `json:"current_count"`
	Limit        int64     `json:"limit"`
	Remaining    int64     `json:"remaining"`
	IsLimited    bool      `json:"is_limited"`
	IsWarning    bool      `json:"is_warning"`
	ResetTime    time.Time `json:"reset_time"`
}

type Config struct {
	Namespace   string
	HourlyLimit int64
	Logger      *slog.Logger
	Now         func() time.Time
}

// Limiter keeps no local state beyond its configuration.
type Limiter struct {
	store     Counter
	namespace string
	limit     int64
	logger    *slog.Logger
	now       func() time.Time
}

func New(store Counter, cfg Config) *Limiter {
	if cfg.Namespace == "" {
		cfg.Namespace = "verify_rate"
	}
	if cfg.HourlyLimit <= 0 {
		cfg.HourlyLimit = DefaultHourlyLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		store:     store,
		namespace: cfg.Namespace,
		limit:     cfg.HourlyLimit,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// WindowKey returns the calendar-hour window identifier for t.
func WindowKey(t time.Time) string {
	return t.UTC().Format(windowLayout)
}

// IncrementAndCheck counts one call against the current hour.
// When the counter store is unreachable the limiter fails open.
func (l *Limiter) IncrementAndCheck(ctx context.Context) Status {
	now := l.now().UTC()
	count, err := l.store.IncrWithExpiry(ctx, l.key(now), time.Hour)
	if err != nil {
		if l.logger != nil {
			l.logger.Warn("rate limit counter unavailable, failing open", "error", err)
		}
		return l.status(0, now)
	}
	status := l.status(count, now)
	if status.IsWarning && !status.IsLimited && l.logger != nil && count == l.warningThreshold() {
		l.logger.Warn("verification quota nearly exhausted", "count", count, "limit", l.limit)
	}
	return status
}

// GetStatus reads the current hour without incrementing.
func (l *Limiter) GetStatus(ctx context.Context) Status {
	now := l.now().UTC()
	count, err := l.store.GetInt(ctx, l.key(now))
	if err != nil {
		if !errors.Is(err, kv.ErrNil) && l.logger != nil {
			l.logger.Warn("rate limit status unavailable", "error", err)
		}
		return l.status(0, now)
	}
	return l.status(count, now)
}

// Reserve consumes one slot and reports ErrRateLimited when the quota is spent.
func (l *Limiter) Reserve(ctx context.Context) (Status, error) {
	status := l.IncrementAndCheck(ctx)
	if status.IsLimited {
		return status, ErrRateLimited
	}
	return status, nil
}

func (l *Limiter) key(now time.Time) string {
	return kv.Key(kv.KeyRateLimitWindow, l.namespace, WindowKey(now))
}

func (l *Limiter) warningThreshold() int64 {
	threshold := int64(float64(l.limit) * warningRatio)
	if float64(threshold) < float64(l.limit)*warningRatio {
		threshold++
	}
	return threshold
}

func (l *Limiter) status(count int64, now time.Time) Status {
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		CurrentCount: count,
		Limit:        l.limit,
		Remaining:    remaining,
		IsLimited:    count >= l.limit,
		IsWarning:    count >= l.warningThreshold(),
		ResetTime:    now.Truncate(time.Hour).Add(time.Hour),
	}
}
